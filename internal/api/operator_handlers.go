package api

import (
	"encoding/json"
	"net/http"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// OperatorHandlers serves the cross-tenant support surface: operator
// grants, user records and organization lifecycle.
type OperatorHandlers struct {
	store *store.Store
	vault *crypto.Vault
	trail trail
}

func NewOperatorHandlers(st *store.Store, vault *crypto.Vault, tr trail) *OperatorHandlers {
	return &OperatorHandlers{store: st, vault: vault, trail: tr}
}

type createOperatorRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type createOperatorResponse struct {
	Operator *store.OperatorWithUser `json:"operator"`
	APIKey   string                  `json:"api_key"`
}

// Create grants a user operator access and returns their API key once.
func (h *OperatorHandlers) Create(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var body createOperatorRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Email == "" {
		writeError(w, r, errors.Validation("email is required"))
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

	operator, err := h.store.CreateOperator(ctx, user.ID, store.OperatorRole(body.Role))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, plaintext, err := h.store.CreateAPIKey(ctx, user.ID, "Operator key", nil, false, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "create_operator",
		ResourceType: "operator",
		ResourceID:   operator.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email, "role": operator.Role}),
	})

	writeJSON(w, http.StatusCreated, createOperatorResponse{
		Operator: &store.OperatorWithUser{Operator: *operator, User: *user},
		APIKey:   plaintext,
	})
}

// List pages through operator grants.
func (h *OperatorHandlers) List(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	page := pageFromQuery(r)
	operators, total, err := h.store.ListOperators(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operators": operators,
		"total":     total,
		"limit":     page.Limit,
		"offset":    page.Offset,
	})
}

// Get returns one operator grant with its user.
func (h *OperatorHandlers) Get(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	operator, err := h.store.GetOperator(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUser(r.Context(), operator.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.OperatorWithUser{Operator: *operator, User: *user})
}

type updateOperatorRequest struct {
	Role string `json:"role"`
}

// Update changes an operator's role. Changing your own role is rejected so
// the system cannot demote its last owner.
func (h *OperatorHandlers) Update(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var body updateOperatorRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	operator, err := h.store.GetOperator(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if operator.UserID == oc.User.ID {
		writeError(w, r, errors.Validation("Cannot change your own role"))
		return
	}

	updated, err := h.store.UpdateOperatorRole(ctx, operator.ID, store.OperatorRole(body.Role))
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUser(ctx, updated.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "update_operator",
		ResourceType: "operator",
		ResourceID:   updated.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"name": user.Name, "role": updated.Role}),
	})

	writeJSON(w, http.StatusOK, store.OperatorWithUser{Operator: *updated, User: *user})
}

// Delete revokes an operator grant. Self-deletion is rejected.
func (h *OperatorHandlers) Delete(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	ctx := r.Context()
	operator, err := h.store.GetOperator(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if operator.UserID == oc.User.ID {
		writeError(w, r, errors.Validation("Cannot delete yourself"))
		return
	}

	user, err := h.store.GetUser(ctx, operator.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SoftDeleteOperator(ctx, operator.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "delete_operator",
		ResourceType: "operator",
		ResourceID:   operator.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type createUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateUser adds a user record ahead of any membership.
func (h *OperatorHandlers) CreateUser(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var body createUserRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.store.CreateUser(r.Context(), body.Email, body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "create_user",
		ResourceType: "user",
		ResourceID:   user.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email, "name": user.Name}),
	})

	writeJSON(w, http.StatusCreated, user)
}

// ListUsers pages through users, optionally narrowed by email substring.
func (h *OperatorHandlers) ListUsers(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	page := pageFromQuery(r)
	users, total, err := h.store.ListUsers(r.Context(), r.URL.Query().Get("email"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":  users,
		"total":  total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// GetUser returns one user record.
func (h *OperatorHandlers) GetUser(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser applies a partial update to email and name.
func (h *OperatorHandlers) UpdateUser(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var update store.UserUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.store.UpdateUser(r.Context(), r.PathValue("id"), update)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "update_user",
		ResourceType: "user",
		ResourceID:   user.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email, "name": user.Name}),
	})

	writeJSON(w, http.StatusOK, user)
}

// DeleteUser soft-deletes a user record. Self-deletion is rejected.
func (h *OperatorHandlers) DeleteUser(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	id := r.PathValue("id")
	if id == oc.User.ID {
		writeError(w, r, errors.Validation("Cannot delete yourself"))
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUser(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SoftDeleteUser(ctx, user.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "delete_user",
		ResourceType: "user",
		ResourceID:   user.ID,
		ResourceName: user.Email,
		Details:      audit.JSON(map[string]any{"email": user.Email, "name": user.Name}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createOrgRequest struct {
	Name       string `json:"name"`
	OwnerEmail string `json:"owner_email,omitempty"`
	OwnerName  string `json:"owner_name,omitempty"`
}

type createOrgResponse struct {
	Organization *store.Organization `json:"organization"`
	OwnerAPIKey  string              `json:"owner_api_key,omitempty"`
}

// CreateOrganization provisions a tenant, optionally bootstrapping its
// first owner whose API key is returned once.
func (h *OperatorHandlers) CreateOrganization(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var body createOrgRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	org, err := h.store.CreateOrganization(ctx, body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var ownerKey string
	if body.OwnerEmail != "" {
		user, err := h.store.GetUserByEmail(ctx, body.OwnerEmail)
		if errors.IsNotFound(err) {
			user, err = h.store.CreateUser(ctx, body.OwnerEmail, body.OwnerName)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := h.store.CreateOrgMember(ctx, org.ID, user.ID, store.OrgRoleOwner); err != nil {
			writeError(w, r, err)
			return
		}
		if _, ownerKey, err = h.store.CreateAPIKey(ctx, user.ID, "Default key", nil, true, nil); err != nil {
			writeError(w, r, err)
			return
		}
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "create_organization",
		ResourceType: "organization",
		ResourceID:   org.ID,
		ResourceName: org.Name,
		OrgID:        org.ID,
		OrgName:      org.Name,
		Details:      audit.JSON(map[string]any{"name": org.Name, "owner_email": body.OwnerEmail}),
	})

	writeJSON(w, http.StatusCreated, createOrgResponse{Organization: org, OwnerAPIKey: ownerKey})
}

// ListOrganizations pages through tenants.
func (h *OperatorHandlers) ListOrganizations(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	page := pageFromQuery(r)
	orgs, total, err := h.store.ListOrganizations(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organizations": orgs,
		"total":         total,
		"limit":         page.Limit,
		"offset":        page.Offset,
	})
}

// GetOrganization returns one tenant.
func (h *OperatorHandlers) GetOrganization(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	org, err := h.store.GetOrganization(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

type updateOrgRequest struct {
	Name                   store.Field[string]                   `json:"name"`
	PaymentProviderDefault store.Field[string]                   `json:"payment_provider_default"`
	StripeConfig           store.Field[store.StripeConfig]       `json:"stripe_config"`
	LSConfig               store.Field[store.LemonSqueezyConfig] `json:"ls_config"`
	ResendAPIKey           store.Field[string]                   `json:"resend_api_key"`
}

// UpdateOrganization accepts plaintext provider credentials and persists
// them as envelope ciphertexts bound to the org id. Explicit nulls clear a
// credential; absent fields leave it untouched.
func (h *OperatorHandlers) UpdateOrganization(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var body updateOrgRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	org, err := h.store.GetOrganization(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	update := store.OrgUpdate{
		Name:                   body.Name,
		PaymentProviderDefault: body.PaymentProviderDefault,
	}
	update.StripeConfigCiphertext, err = sealConfigField(h.vault, org.ID, body.StripeConfig)
	if err != nil {
		writeError(w, r, err)
		return
	}
	update.LSConfigCiphertext, err = sealConfigField(h.vault, org.ID, body.LSConfig)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if body.ResendAPIKey.Present {
		update.ResendKeyCiphertext = store.Field[string]{Present: true, Null: body.ResendAPIKey.Null}
		if !body.ResendAPIKey.Null {
			sealed, err := h.vault.EncryptString(org.ID, body.ResendAPIKey.Value)
			if err != nil {
				writeError(w, r, errors.Internal("api.UpdateOrganization", err))
				return
			}
			update.ResendKeyCiphertext.Value = sealed
		}
	}

	updated, err := h.store.UpdateOrganization(ctx, org.ID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "update_organization",
		ResourceType: "organization",
		ResourceID:   updated.ID,
		ResourceName: updated.Name,
		OrgID:        updated.ID,
		OrgName:      updated.Name,
		Details: audit.JSON(map[string]any{
			"old_name":       org.Name,
			"new_name":       updated.Name,
			"stripe_updated": body.StripeConfig.Present,
			"ls_updated":     body.LSConfig.Present,
		}),
	})

	writeJSON(w, http.StatusOK, updated)
}

// sealConfigField marshals a plaintext credential payload and encrypts it
// under the org's envelope context.
func sealConfigField[T any](vault *crypto.Vault, orgID string, f store.Field[T]) (store.Field[string], error) {
	out := store.Field[string]{Present: f.Present, Null: f.Null}
	if !f.Present || f.Null {
		return out, nil
	}
	raw, err := json.Marshal(f.Value)
	if err != nil {
		return out, errors.Internal("api.sealConfigField", err)
	}
	sealed, err := vault.EncryptString(orgID, string(raw))
	if err != nil {
		return out, errors.Internal("api.sealConfigField", err)
	}
	out.Value = sealed
	return out, nil
}

// DeleteOrganization soft-deletes a tenant and everything under it.
func (h *OperatorHandlers) DeleteOrganization(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	ctx := r.Context()
	org, err := h.store.GetOrganization(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SoftDeleteOrganization(ctx, org.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "delete_organization",
		ResourceType: "organization",
		ResourceID:   org.ID,
		ResourceName: org.Name,
		OrgID:        org.ID,
		OrgName:      org.Name,
		Details:      audit.JSON(map[string]any{"name": org.Name}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// RestoreOrganization undoes a tenant soft delete.
func (h *OperatorHandlers) RestoreOrganization(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	var body restoreRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	ctx := r.Context()
	id := r.PathValue("id")
	if err := h.store.RestoreOrganization(ctx, id, body.Force); err != nil {
		writeError(w, r, err)
		return
	}
	org, err := h.store.GetOrganization(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "restore_organization",
		ResourceType: "organization",
		ResourceID:   org.ID,
		ResourceName: org.Name,
		OrgID:        org.ID,
		OrgName:      org.Name,
		Details:      audit.JSON(map[string]any{"name": org.Name, "force": body.Force}),
	})

	writeJSON(w, http.StatusOK, org)
}

type orgPaymentConfigSupport struct {
	OrgID        string                    `json:"org_id"`
	OrgName      string                    `json:"org_name"`
	StripeConfig *store.StripeConfig       `json:"stripe_config"`
	LSConfig     *store.LemonSqueezyConfig `json:"ls_config"`
}

// OrgPaymentConfig returns the decrypted provider credentials for support
// debugging. This is the only surface that ever shows them.
func (h *OperatorHandlers) OrgPaymentConfig(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	org, err := h.store.GetOrganization(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	stripeCfg, err := org.StripeConfig(h.vault)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lsCfg, err := org.LemonSqueezyConfig(h.vault)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "view_payment_config",
		ResourceType: "organization",
		ResourceID:   org.ID,
		ResourceName: org.Name,
		OrgID:        org.ID,
		OrgName:      org.Name,
	})

	writeJSON(w, http.StatusOK, orgPaymentConfigSupport{
		OrgID:        org.ID,
		OrgName:      org.Name,
		StripeConfig: stripeCfg,
		LSConfig:     lsCfg,
	})
}
