package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"ysod-timeline/core/timeline"
)

func TestDefaultPolicyMatrix(t *testing.T) {
	a, err := NewDefault()
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	for _, action := range timeline.ActionTypes() {
		if !a.CanAppend(RoleIncidentCommander, action) || !a.CanAppend(RoleSecuritySupervisor, action) {
			t.Fatalf("commanders and supervisors must append %s", action)
		}
		if a.CanAppend(RoleViewer, action) || a.CanAppend(RoleComplianceLegal, action) {
			t.Fatalf("read-only roles must not append %s", action)
		}
	}
	for _, action := range []timeline.ActionType{timeline.ActionControlApproved, timeline.ActionControlExecuted, timeline.ActionPTZCommand} {
		if a.CanAppend(RoleDispatcher, action) {
			t.Fatalf("dispatcher must not append %s", action)
		}
	}
	if !a.CanAppend(RoleDispatcher, timeline.ActionControlRequested) || !a.CanAppend(RoleDispatcher, timeline.ActionStatusChanged) {
		t.Fatalf("dispatcher should request controls and change status")
	}
	if !a.CanAppend(RoleFieldResponder, timeline.ActionNote) || a.CanAppend(RoleFieldResponder, timeline.ActionStatusChanged) {
		t.Fatalf("unexpected field responder permissions")
	}
	for _, role := range Roles() {
		if !a.CanView(role) {
			t.Fatalf("%s must view timelines", role)
		}
	}
	if a.CanView("") || a.CanView("Intruder") {
		t.Fatalf("unknown roles must be denied")
	}
	if !a.CanVerify(RoleComplianceLegal) || a.CanVerify(RoleFieldResponder) {
		t.Fatalf("unexpected verify permissions")
	}
}

func TestPolicyFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	policy := "p, Auditor, timeline, view\np, Auditor, Note, append\ng, Lead, Auditor\n"
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	if !a.CanAppend("Auditor", timeline.ActionNote) || a.CanAppend("Auditor", timeline.ActionCreated) {
		t.Fatalf("unexpected auditor permissions")
	}
	if !a.CanView("Lead") {
		t.Fatalf("grouping policy not applied")
	}
	if a.CanView(RoleIncidentCommander) {
		t.Fatalf("defaults must not apply when a policy file is given")
	}
}

func TestNilAuthorizerDenies(t *testing.T) {
	var a *Authorizer
	if a.CanView(RoleViewer) {
		t.Fatalf("nil authorizer must deny")
	}
}

func TestHasAction(t *testing.T) {
	a, err := NewDefault()
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	if !a.HasAction(RoleFieldResponder, ActAppend) || a.HasAction(RoleViewer, ActAppend) {
		t.Fatalf("unexpected append guard result")
	}
	if !a.HasAction(RoleViewer, ActView) || a.HasAction(RoleViewer, ActVerify) {
		t.Fatalf("unexpected view/verify guard result")
	}
}
