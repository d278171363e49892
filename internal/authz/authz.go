// Package authz decides whether a requester may perform an action on a
// tenant's ledger. The ledger core only consumes the Authorizer interface;
// RoleAuthorizer is the default, role-table implementation.
package authz

import (
	"context"
	"fmt"
	"strings"
)

// Action names an operation gated by authorization.
type Action string

const (
	ActionAppend    Action = "append"
	ActionRead      Action = "read" // metadata only
	ActionDecrypt   Action = "decrypt"
	ActionVerify    Action = "verify"
	ActionLegalHold Action = "legal_hold"
	ActionDelete    Action = "delete"
	ActionArchive   Action = "archive"
	ActionAccessLog Action = "access_log"
)

// Role is a requester's coarse-grained permission set.
type Role string

const (
	RoleEmitter           Role = "emitter"
	RoleAuditor           Role = "auditor"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleAdmin             Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleEmitter, RoleAuditor, RoleComplianceOfficer, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Requester identifies the caller of a gated operation.
type Requester struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// Authorizer is the outbound authorization capability. entryID is empty for
// tenant-wide actions.
type Authorizer interface {
	Authorize(ctx context.Context, r Requester, tenantID, entryID string, action Action) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, r Requester, tenantID, entryID string, action Action) (bool, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, r Requester, tenantID, entryID string, action Action) (bool, error) {
	return f(ctx, r, tenantID, entryID, action)
}

// RoleAuthorizer grants actions by role. Requesters are confined to their own
// tenant unless they hold RoleAdmin.
type RoleAuthorizer struct {
	grants map[Action]map[Role]bool
}

// NewRoleAuthorizer returns a RoleAuthorizer with the default grant table.
func NewRoleAuthorizer() *RoleAuthorizer {
	a := &RoleAuthorizer{grants: make(map[Action]map[Role]bool)}
	a.Grant(ActionAppend, RoleEmitter, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionRead, RoleEmitter, RoleAuditor, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionDecrypt, RoleAuditor, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionVerify, RoleAuditor, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionAccessLog, RoleAuditor, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionLegalHold, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionDelete, RoleComplianceOfficer, RoleAdmin)
	a.Grant(ActionArchive, RoleComplianceOfficer, RoleAdmin)
	return a
}

// Grant adds roles to the set allowed to perform action.
func (a *RoleAuthorizer) Grant(action Action, roles ...Role) {
	m, ok := a.grants[action]
	if !ok {
		m = make(map[Role]bool)
		a.grants[action] = m
	}
	for _, r := range roles {
		m[r] = true
	}
}

// Authorize implements Authorizer.
func (a *RoleAuthorizer) Authorize(_ context.Context, r Requester, tenantID, _ string, action Action) (bool, error) {
	if r.ID == "" {
		return false, nil
	}
	if r.TenantID != tenantID && r.Role != RoleAdmin {
		return false, nil
	}
	return a.grants[action][r.Role], nil
}
