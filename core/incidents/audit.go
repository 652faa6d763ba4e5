package incidents

import (
	"context"
	"net/http"
	"strings"

	"ysod-timeline/core/store"
)

const (
	AuditAppend             = "timeline.append"
	AuditAppendDenied       = "timeline.append.denied"
	AuditAppendFailed       = "timeline.append.failed"
	AuditViewTimeline       = "timeline.view"
	AuditVerify             = "timeline.verify"
	AuditVerifyExternal     = "timeline.verify.external"
	AuditExport             = "timeline.export"
	AuditIntegrityViolation = "timeline.integrity.violation"
	AuditAccessDenied       = "timeline.access.denied"
)

func Log(audits store.AuditStore, ctx context.Context, actorID, action, resource, result, details string) {
	if audits == nil {
		return
	}
	payload := "result=" + result
	if details != "" {
		payload = payload + " " + details
	}
	_ = audits.Log(ctx, actorID, action, resource, payload)
}

func IncidentResource(incidentID string) string {
	return "incident:" + incidentID
}

// AuditActionForRequest names the audit action of an API request; used when
// a request is refused before it reaches the service.
func AuditActionForRequest(r *http.Request) string {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/incidents":
		return AuditViewTimeline
	case r.Method == http.MethodPost && r.URL.Path == "/api/timeline/verify":
		return AuditVerifyExternal
	case len(segments) == 4 && segments[1] == "incidents" && segments[3] == "timeline":
		if r.Method == http.MethodPost {
			return AuditAppendDenied
		}
		return AuditViewTimeline
	case r.Method == http.MethodGet && len(segments) == 5 && segments[1] == "incidents" && segments[4] == "verify":
		return AuditVerify
	case r.Method == http.MethodGet && len(segments) == 5 && segments[1] == "incidents" && segments[4] == "export":
		return AuditExport
	default:
		return AuditAccessDenied
	}
}
