package api

import (
	"net/http"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// OrgHandlers serves the org-scoped surface: membership, the masked
// payment-config view and the org's slice of the audit trail.
type OrgHandlers struct {
	store    *store.Store
	recorder *audit.Recorder
	trail    trail
}

func NewOrgHandlers(st *store.Store, rec *audit.Recorder, tr trail) *OrgHandlers {
	return &OrgHandlers{store: st, recorder: rec, trail: tr}
}

type createMemberRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type createMemberResponse struct {
	Member *store.OrgMemberWithUser `json:"member"`
	APIKey string                   `json:"api_key"`
}

// CreateMember adds a user to the org and returns their API key once. The
// key is unscoped: it authenticates the user, the membership authorizes.
func (h *OrgHandlers) CreateMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	if err := mc.RequireOwner(); err != nil {
		writeError(w, r, err)
		return
	}
	var body createMemberRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Email == "" {
		writeError(w, r, errors.Validation("email is required"))
		return
	}
	role := store.OrgRole(body.Role)
	if body.Role == "" {
		role = store.OrgRoleMember
	}
	if !role.Valid() {
		writeError(w, r, errors.Validationf("Invalid member role %q", body.Role))
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUserByEmail(ctx, body.Email)
	if errors.IsNotFound(err) {
		user, err = h.store.CreateUser(ctx, body.Email, body.Name)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	member, err := h.store.CreateOrgMember(ctx, mc.Member.OrgID, user.ID, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, plaintext, err := h.store.CreateAPIKey(ctx, user.ID, "Default key", nil, true, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "create_member",
		ResourceType: "org_member",
		ResourceID:   member.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email, "role": role}),
	})

	writeJSON(w, http.StatusCreated, createMemberResponse{
		Member: &store.OrgMemberWithUser{OrgMember: *member, User: *user},
		APIKey: plaintext,
	})
}

// ListMembers pages through the org's memberships.
func (h *OrgHandlers) ListMembers(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	page := pageFromQuery(r)
	members, total, err := h.store.ListOrgMembers(r.Context(), mc.Member.OrgID, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"total":   total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

// GetMember returns one membership with its user.
func (h *OrgHandlers) GetMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	member, err := h.memberInOrg(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUser(r.Context(), member.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.OrgMemberWithUser{OrgMember: *member, User: *user})
}

type updateMemberRequest struct {
	Role string `json:"role"`
}

// UpdateMember changes a membership role. Changing your own role is
// rejected, which also keeps the org from demoting its last owner.
func (h *OrgHandlers) UpdateMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	if err := mc.RequireOwner(); err != nil {
		writeError(w, r, err)
		return
	}
	var body updateMemberRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	member, err := h.memberInOrg(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if member.ID == mc.Member.ID {
		writeError(w, r, errors.Validation("Cannot change your own role"))
		return
	}

	updated, err := h.store.UpdateOrgMemberRole(r.Context(), member.ID, store.OrgRole(body.Role))
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUser(r.Context(), updated.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "update_member",
		ResourceType: "org_member",
		ResourceID:   updated.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email, "role": updated.Role}),
	})

	writeJSON(w, http.StatusOK, store.OrgMemberWithUser{OrgMember: *updated, User: *user})
}

// DeleteMember removes a membership. Self-removal is rejected so an org
// always keeps at least one active owner.
func (h *OrgHandlers) DeleteMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	if err := mc.RequireOwner(); err != nil {
		writeError(w, r, err)
		return
	}
	member, err := h.memberInOrg(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if member.ID == mc.Member.ID {
		writeError(w, r, errors.Validation("Cannot delete yourself"))
		return
	}

	user, err := h.store.GetUser(r.Context(), member.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SoftDeleteOrgMember(r.Context(), member.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "delete_member",
		ResourceType: "org_member",
		ResourceID:   member.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// memberInOrg loads the {id} membership and hides memberships of other
// orgs behind the same 404 as a genuinely unknown id.
func (h *OrgHandlers) memberInOrg(r *http.Request, mc *authz.MemberContext) (*store.OrgMember, error) {
	member, err := h.store.GetOrgMember(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if member.OrgID != mc.Member.OrgID {
		return nil, errors.NotFound("Member not found")
	}
	return member, nil
}

type orgPaymentConfigView struct {
	OrgID                  string          `json:"org_id"`
	PaymentProviderDefault *store.Provider `json:"payment_provider_default"`
	StripeConfigured       bool            `json:"stripe_configured"`
	LemonSqueezyConfigured bool            `json:"lemonsqueezy_configured"`
	EmailConfigured        bool            `json:"email_configured"`
}

// PaymentConfig reports which provider credentials exist without ever
// decrypting them; the plaintext view is operator-only.
func (h *OrgHandlers) PaymentConfig(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	org, err := h.store.GetOrganization(r.Context(), mc.Member.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orgPaymentConfigView{
		OrgID:                  org.ID,
		PaymentProviderDefault: org.PaymentProviderDefault,
		StripeConfigured:       org.StripeConfigCiphertext != nil,
		LemonSqueezyConfigured: org.LSConfigCiphertext != nil,
		EmailConfigured:        org.ResendKeyCiphertext != nil,
	})
}

// AuditLogs returns the org's audit slice. The org filter is forced from
// the resolved membership, never from the query string.
func (h *OrgHandlers) AuditLogs(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	if h.recorder == nil {
		writeError(w, r, errors.New(errors.KindUnavailable, "Audit log is not configured"))
		return
	}

	f := auditFilterFromQuery(r)
	f.OrgID = mc.Member.OrgID

	ctx := r.Context()
	events, err := h.recorder.Query(ctx, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := h.recorder.Count(ctx, f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}
