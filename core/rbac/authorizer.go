package rbac

import (
	"fmt"
	"strings"

	"ysod-timeline/core/timeline"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	RoleIncidentCommander  = "IncidentCommander"
	RoleDispatcher         = "Dispatcher"
	RoleFieldResponder     = "FieldResponder"
	RoleSecuritySupervisor = "SecuritySupervisor"
	RoleComplianceLegal    = "ComplianceLegal"
	RoleViewer             = "Viewer"
)

const (
	ActAppend = "append"
	ActView   = "view"
	ActVerify = "verify"

	objTimeline = "timeline"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && r.act == p.act
`

func Roles() []string {
	return []string{
		RoleIncidentCommander,
		RoleDispatcher,
		RoleFieldResponder,
		RoleSecuritySupervisor,
		RoleComplianceLegal,
		RoleViewer,
	}
}

// DefaultPolicy is the built-in role matrix. Objects are action types for
// append and "timeline" for view and verify.
func DefaultPolicy() [][]string {
	var rules [][]string
	for _, role := range []string{RoleIncidentCommander, RoleSecuritySupervisor} {
		rules = append(rules, []string{role, "*", ActAppend})
	}
	for _, a := range timeline.ActionTypes() {
		switch a {
		case timeline.ActionControlApproved, timeline.ActionControlExecuted, timeline.ActionPTZCommand:
			continue
		}
		rules = append(rules, []string{RoleDispatcher, string(a), ActAppend})
	}
	for _, a := range []timeline.ActionType{timeline.ActionNote, timeline.ActionMediaAttached, timeline.ActionCameraBookmarked} {
		rules = append(rules, []string{RoleFieldResponder, string(a), ActAppend})
	}
	for _, role := range Roles() {
		rules = append(rules, []string{role, objTimeline, ActView})
	}
	for _, role := range []string{RoleIncidentCommander, RoleSecuritySupervisor, RoleComplianceLegal} {
		rules = append(rules, []string{role, objTimeline, ActVerify})
	}
	return rules
}

// Authorizer answers timeline permission questions for a role.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New loads the casbin policy file at policyPath, or the built-in policy
// when the path is empty.
func New(policyPath string) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	var e *casbin.Enforcer
	if strings.TrimSpace(policyPath) != "" {
		e, err = casbin.NewEnforcer(m, policyPath)
	} else {
		e, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	if strings.TrimSpace(policyPath) == "" {
		if _, err := e.AddPolicies(DefaultPolicy()); err != nil {
			return nil, fmt.Errorf("rbac default policy: %w", err)
		}
	}
	return &Authorizer{enforcer: e}, nil
}

func NewDefault() (*Authorizer, error) {
	return New("")
}

func (a *Authorizer) Allowed(role, obj, act string) bool {
	if a == nil || a.enforcer == nil || strings.TrimSpace(role) == "" {
		return false
	}
	ok, err := a.enforcer.Enforce(role, obj, act)
	return err == nil && ok
}

func (a *Authorizer) CanAppend(role string, action timeline.ActionType) bool {
	return a.Allowed(role, string(action), ActAppend)
}

func (a *Authorizer) CanView(role string) bool {
	return a.Allowed(role, objTimeline, ActView)
}

func (a *Authorizer) CanVerify(role string) bool {
	return a.Allowed(role, objTimeline, ActVerify)
}

// HasAction reports whether the role may perform act on at least one object.
// Route guards use it; per action checks stay with the service.
func (a *Authorizer) HasAction(role, act string) bool {
	if act != ActAppend {
		return a.Allowed(role, objTimeline, act)
	}
	for _, t := range timeline.ActionTypes() {
		if a.CanAppend(role, t) {
			return true
		}
	}
	return false
}
