package timeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Typed shapes for the common action payloads. Details stays an opaque JSON
// object on the entry; these only help callers build it.

type CreatedDetails struct {
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
	Site     string `json:"site,omitempty"`
}

type StatusChangedDetails struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type AssignUnitsDetails struct {
	UnitIDs []string `json:"unitIds"`
}

type NoteDetails struct {
	Text string `json:"text"`
	// Corrects holds the id of an earlier entry this note amends.
	Corrects string `json:"corrects,omitempty"`
}

type ControlDetails struct {
	RequestID string `json:"requestId"`
	GateID    string `json:"gateId,omitempty"`
	Action    string `json:"action"`
}

type CameraBookmarkedDetails struct {
	CameraID string `json:"cameraId"`
	Label    string `json:"label,omitempty"`
	At       string `json:"at,omitempty"`
}

type PTZCommandDetails struct {
	CameraID string  `json:"cameraId"`
	Pan      float64 `json:"pan"`
	Tilt     float64 `json:"tilt"`
	Zoom     float64 `json:"zoom"`
}

// EncodeDetails marshals v and checks that it is a JSON object.
func EncodeDetails(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidPayload, err)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: details must be a JSON object", ErrInvalidPayload)
	}
	return raw, nil
}

// IncidentSite returns the site named by the earliest Created entry, upper
// cased, or "" when none is recorded.
func IncidentSite(entries []Entry) string {
	for _, e := range SortEntries(entries) {
		if e.ActionType == ActionCreated {
			return PayloadSite(e.Payload)
		}
	}
	return ""
}

// PayloadSite reads the site of a Created payload.
func PayloadSite(p Payload) string {
	if p.ActionType != ActionCreated || len(p.Details) == 0 {
		return ""
	}
	var d CreatedDetails
	if err := json.Unmarshal(p.Details, &d); err != nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(d.Site))
}

// DetailsShape returns a pointer to the typed details for an action, or nil
// when the action has no fixed shape.
func DetailsShape(action ActionType) any {
	switch action {
	case ActionCreated:
		return &CreatedDetails{}
	case ActionStatusChanged:
		return &StatusChangedDetails{}
	case ActionAssignUnits:
		return &AssignUnitsDetails{}
	case ActionNote:
		return &NoteDetails{}
	case ActionControlRequested, ActionControlApproved, ActionControlExecuted:
		return &ControlDetails{}
	case ActionCameraBookmarked:
		return &CameraBookmarkedDetails{}
	case ActionPTZCommand:
		return &PTZCommandDetails{}
	}
	return nil
}

// Summary renders a one-line description of an entry for exports and activity
// feeds. Details that do not fit the action's shape fall back to the raw
// fields.
func Summary(p Payload) string {
	shape := DetailsShape(p.ActionType)
	if shape != nil && len(p.Details) > 0 {
		if err := json.Unmarshal(p.Details, shape); err != nil {
			shape = nil
		}
	}
	switch d := shape.(type) {
	case *CreatedDetails:
		return joinNonEmpty("incident created", d.Type, d.Priority, d.Site)
	case *StatusChangedDetails:
		return fmt.Sprintf("status %s -> %s", orDash(d.From), orDash(d.To))
	case *AssignUnitsDetails:
		return "units assigned: " + orDash(strings.Join(d.UnitIDs, ", "))
	case *NoteDetails:
		if d.Corrects != "" {
			return fmt.Sprintf("%s (corrects %s)", orDash(d.Text), d.Corrects)
		}
		return orDash(d.Text)
	case *ControlDetails:
		return joinNonEmpty(strings.TrimPrefix(string(p.ActionType), "Control")+" control", d.Action, d.GateID)
	case *CameraBookmarkedDetails:
		return joinNonEmpty("camera bookmarked", d.CameraID, d.Label)
	case *PTZCommandDetails:
		return fmt.Sprintf("PTZ %s pan=%g tilt=%g zoom=%g", orDash(d.CameraID), d.Pan, d.Tilt, d.Zoom)
	}
	if p.ActionType == ActionMediaAttached {
		return fmt.Sprintf("%d media attached", len(p.Media))
	}
	if text := gjson.GetBytes(p.Details, "text"); text.Type == gjson.String {
		return joinNonEmpty(string(p.ActionType), text.String())
	}
	return string(p.ActionType)
}

func joinNonEmpty(head string, parts ...string) string {
	out := []string{head}
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " / ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
