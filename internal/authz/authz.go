// Package authz resolves bearer API keys into effective principals for
// management URLs: the org member acting on /orgs/{org} routes (possibly
// impersonated by, or synthesized for, an operator) and the operator
// acting on /operators routes.
package authz

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
)

// OnBehalfOfHeader carries the org-member id an operator acts as.
const OnBehalfOfHeader = "X-On-Behalf-Of"

// touchQueueSize bounds the pending last_used_at updates. Overflow drops
// the touch; the timestamp is best-effort.
const touchQueueSize = 256

// Impersonator identifies the operator behind an impersonated request.
type Impersonator struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// MemberContext is the effective principal for /orgs/{org} URLs. On
// project-scoped URLs the project is pre-loaded and already checked to
// belong to the org.
type MemberContext struct {
	Member       *store.OrgMemberWithUser
	User         *store.User
	Project      *store.Project
	ProjectRole  *store.ProjectRole
	Impersonator *Impersonator
}

// RequireOwner rejects callers below org owner.
func (c *MemberContext) RequireOwner() error {
	if !c.Member.Role.CanManageMembers() {
		return errors.Forbidden("Owner role required")
	}
	return nil
}

// RequireAdmin rejects callers below org admin.
func (c *MemberContext) RequireAdmin() error {
	if !c.Member.Role.AtLeastAdmin() {
		return errors.Forbidden("Admin role required")
	}
	return nil
}

// CanWriteProject reports whether the principal may mutate the resolved
// project: org owner/admin, or an explicit project admin grant.
func (c *MemberContext) CanWriteProject() bool {
	if c.Member.Role.AtLeastAdmin() {
		return true
	}
	return c.ProjectRole != nil && *c.ProjectRole == store.ProjectRoleAdmin
}

// IsImpersonated reports whether an operator acts on the member's behalf.
func (c *MemberContext) IsImpersonated() bool {
	return c.Impersonator != nil
}

// OperatorContext is the effective principal for /operators URLs.
type OperatorContext struct {
	Operator *store.Operator
	User     *store.User
}

// Authorizer authenticates API keys and applies the scope, membership and
// operator rules.
type Authorizer struct {
	store *store.Store
	touch chan string
}

// New creates an authorizer over the store.
func New(st *store.Store) *Authorizer {
	return &Authorizer{
		store: st,
		touch: make(chan string, touchQueueSize),
	}
}

// Run drains the last_used_at touch queue until the context is cancelled.
func (a *Authorizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-a.touch:
			if err := a.store.TouchAPIKey(ctx, id); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("api_key_id", id).Msg("Failed to update API key last_used_at")
			}
		}
	}
}

func (a *Authorizer) touchKey(id string) {
	select {
	case a.touch <- id:
	default:
	}
}

// AuthenticateKey resolves the request's bearer credential to its user and
// key row, queueing the last_used_at touch.
func (a *Authorizer) AuthenticateKey(ctx context.Context, r *http.Request) (*store.User, *store.APIKey, error) {
	raw := BearerToken(r)
	if raw == "" {
		return nil, nil, errors.Unauthenticated("Missing API key")
	}

	key, err := a.store.GetAPIKeyByHash(ctx, crypto.HashSecret(raw))
	if err != nil {
		return nil, nil, err
	}
	if key == nil || !key.Active(time.Now().UTC()) {
		return nil, nil, errors.Unauthenticated("Invalid API key")
	}
	a.touchKey(key.ID)

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, errors.Unauthenticated("Invalid API key")
		}
		return nil, nil, err
	}
	return user, key, nil
}

// ResolveMember authorizes a request against an org, and optionally one of
// its projects. Resolution order: impersonation header, key scopes, org
// membership, transparent operator override. required is the access the
// route needs (view for reads, admin for mutations): scoped keys must
// carry a covering scope, and the resolved membership must hold the
// matching role. Impersonated requests are bounded by the member's role,
// not the operator's.
func (a *Authorizer) ResolveMember(ctx context.Context, r *http.Request, orgID, projectID string, required store.AccessLevel) (*MemberContext, error) {
	user, key, err := a.AuthenticateKey(ctx, r)
	if err != nil {
		return nil, err
	}

	mc := &MemberContext{User: user}

	if target := strings.TrimSpace(r.Header.Get(OnBehalfOfHeader)); target != "" {
		member, imp, err := a.impersonate(ctx, user, target, orgID)
		if err != nil {
			return nil, err
		}
		mc.Member, mc.Impersonator = member, imp
	} else {
		if err := a.checkScopes(ctx, key, orgID, projectID, required); err != nil {
			return nil, err
		}
		member, err := a.memberOrOperatorOverride(ctx, user, orgID)
		if err != nil {
			return nil, err
		}
		mc.Member = member
	}

	if projectID != "" {
		project, role, err := a.resolveProject(ctx, mc.Member, orgID, projectID)
		if err != nil {
			return nil, err
		}
		mc.Project, mc.ProjectRole = project, role
	}

	if required == store.AccessAdmin {
		if projectID != "" {
			if !mc.CanWriteProject() {
				return nil, errors.Forbidden("Admin role required")
			}
		} else if !mc.Member.Role.AtLeastAdmin() {
			return nil, errors.Forbidden("Admin role required")
		}
	}
	return mc, nil
}

// ResolveOperator authenticates /operators URLs. An empty minRole accepts
// any operator.
func (a *Authorizer) ResolveOperator(ctx context.Context, r *http.Request, minRole store.OperatorRole) (*OperatorContext, error) {
	user, _, err := a.AuthenticateKey(ctx, r)
	if err != nil {
		return nil, err
	}

	op, err := a.store.GetOperatorByUser(ctx, user.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Unauthenticated("Operator access required")
		}
		return nil, err
	}

	switch minRole {
	case store.OperatorRoleOwner:
		if op.Role != store.OperatorRoleOwner {
			return nil, errors.Forbidden("Operator owner role required")
		}
	case store.OperatorRoleAdmin:
		if !op.Role.AtLeastAdmin() {
			return nil, errors.Forbidden("Operator admin role required")
		}
	}
	return &OperatorContext{Operator: op, User: user}, nil
}

func (a *Authorizer) impersonate(ctx context.Context, user *store.User, memberID, orgID string) (*store.OrgMemberWithUser, *Impersonator, error) {
	op, err := a.store.GetOperatorByUser(ctx, user.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, errors.Forbidden("Impersonation requires an operator account")
		}
		return nil, nil, err
	}
	if !op.Role.AtLeastAdmin() {
		return nil, nil, errors.Forbidden("Impersonation requires operator admin role")
	}

	member, err := a.store.GetOrgMember(ctx, memberID)
	if err != nil {
		return nil, nil, err
	}
	if member.OrgID != orgID {
		return nil, nil, errors.Forbidden("Member does not belong to this organization")
	}
	target, err := a.store.GetUser(ctx, member.UserID)
	if err != nil {
		return nil, nil, err
	}

	joined := &store.OrgMemberWithUser{OrgMember: *member, User: *target}
	return joined, &Impersonator{UserID: user.ID, Name: user.Name, Email: user.Email}, nil
}

func (a *Authorizer) checkScopes(ctx context.Context, key *store.APIKey, orgID, projectID string, required store.AccessLevel) error {
	scopes, err := a.store.ListAPIKeyScopes(ctx, key.ID)
	if err != nil {
		return err
	}
	if len(scopes) == 0 {
		// Unscoped keys fall back to membership checks.
		return nil
	}

	var pid *string
	if projectID != "" {
		pid = &projectID
	}
	level, err := a.store.APIKeyAccessLevel(ctx, key.ID, orgID, pid)
	if err != nil {
		return err
	}
	if level == nil || !level.Covers(required) {
		return errors.Forbidden("API key is not scoped for this resource")
	}
	return nil
}

func (a *Authorizer) memberOrOperatorOverride(ctx context.Context, user *store.User, orgID string) (*store.OrgMemberWithUser, error) {
	member, err := a.store.GetOrgMemberByUser(ctx, orgID, user.ID)
	if err == nil {
		return &store.OrgMemberWithUser{OrgMember: *member, User: *user}, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	op, opErr := a.store.GetOperatorByUser(ctx, user.ID)
	if opErr != nil {
		if errors.IsNotFound(opErr) {
			return nil, errors.Forbidden("Not a member of this organization")
		}
		return nil, opErr
	}
	if !op.Role.AtLeastAdmin() {
		return nil, errors.Forbidden("Not a member of this organization")
	}

	// Transparent operator override: a synthetic owner membership whose id
	// names the operator so audit records show who actually acted.
	return &store.OrgMemberWithUser{
		OrgMember: store.OrgMember{
			ID:        "operator:" + op.ID,
			UserID:    user.ID,
			OrgID:     orgID,
			Role:      store.OrgRoleOwner,
			CreatedAt: op.CreatedAt,
		},
		User: *user,
	}, nil
}

func (a *Authorizer) resolveProject(ctx context.Context, member *store.OrgMemberWithUser, orgID, projectID string) (*store.Project, *store.ProjectRole, error) {
	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if project.OrgID != orgID {
		return nil, nil, errors.NotFound("Project not found")
	}

	if member.Role.HasImplicitProjectAccess() {
		return project, nil, nil
	}

	pm, err := a.store.GetProjectMemberByOrgMember(ctx, projectID, member.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			// 404 rather than 403 so project existence is not leaked to
			// members without a grant.
			return nil, nil, errors.NotFound("Project not found")
		}
		return nil, nil, err
	}
	return project, &pm.Role, nil
}

// BearerToken extracts the Authorization bearer credential, or "".
func BearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
