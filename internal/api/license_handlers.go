package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/notify"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// LicenseHandlers serves the org-side license surface: direct issuance,
// support lookups, revocation and remote device deactivation.
type LicenseHandlers struct {
	store     *store.Store
	licensing *licensing.Service
	notifier  *notify.Dispatcher
	vault     *crypto.Vault
	metrics   *Metrics
	trail     trail
}

func NewLicenseHandlers(st *store.Store, lic *licensing.Service, n *notify.Dispatcher, vault *crypto.Vault, m *Metrics, tr trail) *LicenseHandlers {
	return &LicenseHandlers{store: st, licensing: lic, notifier: n, vault: vault, metrics: m, trail: tr}
}

// List pages through the project's licenses. The email filter is a
// support lookup and deliberately includes revoked and expired rows.
func (h *LicenseHandlers) List(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	q := r.URL.Query()
	filter := store.LicenseFilter{OrderID: q.Get("order_id")}
	if email := q.Get("email"); email != "" {
		filter.EmailHash = crypto.HashEmail(email)
	}

	page := pageFromQuery(r)
	licenses, total, err := h.store.ListLicenses(r.Context(), mc.Project.ID, filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"licenses": licenses,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

type createLicensesRequest struct {
	ProductID      string           `json:"product_id"`
	Email          string           `json:"email,omitempty"`
	CustomerID     *string          `json:"customer_id,omitempty"`
	LicenseExpDays store.Field[int] `json:"license_exp_days"`
	UpdatesExpDays store.Field[int] `json:"updates_exp_days"`
	Count          int              `json:"count,omitempty"`
}

type createdLicense struct {
	ID                      string     `json:"id"`
	ActivationCode          string     `json:"activation_code,omitempty"`
	ActivationCodeExpiresAt *time.Time `json:"activation_code_expires_at,omitempty"`
	ExpiresAt               *time.Time `json:"expires_at"`
	UpdatesExpiresAt        *time.Time `json:"updates_expires_at"`
}

// Create issues 1-100 licenses directly, outside any payment flow. An
// activation code is minted inline only for single issuance; bulk batches
// get codes later via send-code.
func (h *LicenseHandlers) Create(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body createLicensesRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	count := body.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > 100 {
		writeError(w, r, errors.Validation("Count must be between 1 and 100"))
		return
	}

	ctx := r.Context()
	product, err := h.store.GetProduct(ctx, body.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if product.ProjectID != mc.Project.ID {
		writeError(w, r, errors.NotFound("Product not found in this project"))
		return
	}

	created := make([]createdLicense, 0, count)
	for i := 0; i < count; i++ {
		license, _, err := h.licensing.IssueLicense(ctx, licensing.IssueParams{
			Project:        mc.Project,
			Product:        product,
			Email:          body.Email,
			CustomerID:     body.CustomerID,
			LicenseExpDays: body.LicenseExpDays,
			UpdatesExpDays: body.UpdatesExpDays,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		entry := createdLicense{
			ID:               license.ID,
			ExpiresAt:        license.ExpiresAt,
			UpdatesExpiresAt: license.UpdatesExpiresAt,
		}
		if count == 1 {
			code, ac, err := h.licensing.NewActivationCode(ctx, mc.Project, license.ID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			entry.ActivationCode = code
			entry.ActivationCodeExpiresAt = &ac.ExpiresAt
		}
		created = append(created, entry)

		h.trail.Member(r, mc, audit.Event{
			Action:       "create_license",
			ResourceType: "license",
			ResourceID:   license.ID,
			Details: audit.JSON(map[string]any{
				"product_id": product.ID,
				"expires_at": license.ExpiresAt,
				"has_email":  body.Email != "",
			}),
		})
	}

	writeJSON(w, http.StatusCreated, map[string]any{"licenses": created})
}

// Get returns one license with its product name and active devices.
func (h *LicenseHandlers) Get(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	license, err := h.licenseInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	product, err := h.store.GetProduct(ctx, license.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	devices, err := h.store.ListDevices(ctx, license.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*store.LicenseWithProduct
		Devices []*store.Device `json:"devices"`
	}{
		LicenseWithProduct: &store.LicenseWithProduct{License: *license, ProductName: product.Name},
		Devices:            devices,
	})
}

// Revoke permanently disables a license. Outstanding tokens die at their
// next validation; devices stay listed for the audit trail.
func (h *LicenseHandlers) Revoke(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	license, err := h.licenseInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if license.Revoked {
		writeError(w, r, errors.Validation("License is already revoked"))
		return
	}

	if err := h.store.RevokeLicense(r.Context(), license.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "revoke_license",
		ResourceType: "license",
		ResourceID:   license.ID,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

type sendCodeRequest struct {
	Email string `json:"email,omitempty"`
}

// SendCode mints a fresh activation code for support handoff. With an
// email in the body the code is also delivered through the project's
// notification settings.
func (h *LicenseHandlers) SendCode(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body sendCodeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	license, err := h.licenseInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if license.Revoked {
		writeError(w, r, errors.Validation("License is revoked"))
		return
	}

	ctx := r.Context()
	code, ac, err := h.licensing.NewActivationCode(ctx, mc.Project, license.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if body.Email != "" {
		h.deliverCode(ctx, mc.Project, license, body.Email, code, ac.ExpiresAt)
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "generate_activation_code",
		ResourceType: "license",
		ResourceID:   license.ID,
		Details:      audit.JSON(map[string]any{"expires_at": ac.ExpiresAt}),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"expires_at": ac.ExpiresAt.Unix(),
		"message":    "Provide this code to the customer (expires in 30 minutes)",
	})
}

// deliverCode dispatches the code in the background; the support response
// must not wait on the email provider.
func (h *LicenseHandlers) deliverCode(ctx context.Context, project *store.Project, license *store.License, email, code string, expiresAt time.Time) {
	product, err := h.store.GetProduct(ctx, license.ProductID)
	if err != nil {
		log.Error().Err(err).Str("licenseId", license.ID).Msg("Send-code delivery could not load product")
		return
	}
	org, err := h.store.GetOrganization(ctx, project.OrgID)
	if err != nil {
		log.Error().Err(err).Str("licenseId", license.ID).Msg("Send-code delivery could not load organization")
		return
	}
	orgKey, err := org.ResendAPIKey(h.vault)
	if err != nil {
		log.Error().Err(err).Str("orgId", org.ID).Msg("Failed to decrypt org Resend key, falling back to system key")
		orgKey = ""
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		outcome, err := h.notifier.SendActivationCode(sendCtx, notify.SendConfig{
			To:          email,
			Code:        code,
			ExpiresAt:   expiresAt,
			ProductName: product.Name,
			LicenseID:   license.ID,
			PurchasedAt: license.CreatedAt,
			Project:     project,
			OrgKey:      orgKey,
			Trigger:     notify.TriggerAdminGenerated,
		})
		if err != nil {
			log.Error().Err(err).Str("licenseId", license.ID).Msg("Send-code delivery failed")
			return
		}
		h.metrics.RecordNotification(string(outcome))
		log.Debug().Str("licenseId", license.ID).Str("outcome", string(outcome)).Msg("Activation code delivered")
	}()
}

// DeactivateDevice removes a seat on the customer's behalf; support uses
// this when the device itself is gone.
func (h *LicenseHandlers) DeactivateDevice(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	license, err := h.licenseInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	deviceID := r.PathValue("device")
	device, err := h.store.GetDevice(ctx, license.ID, deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	remaining, err := h.store.DeactivateDevice(ctx, license.ID, deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "deactivate_device",
		ResourceType: "device",
		ResourceID:   deviceID,
		Details: audit.JSON(map[string]any{
			"license_id":  license.ID,
			"device_id":   deviceID,
			"device_name": device.Name,
			"reason":      "admin_remote_deactivation",
		}),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"deactivated":       true,
		"device_id":         deviceID,
		"remaining_devices": remaining,
	})
}

// licenseInProject loads the {license} row and hides other projects'
// licenses behind the same 404 as an unknown id.
func (h *LicenseHandlers) licenseInProject(r *http.Request, mc *authz.MemberContext) (*store.License, error) {
	license, err := h.store.GetLicense(r.Context(), r.PathValue("license"))
	if err != nil {
		return nil, err
	}
	if license.ProjectID != mc.Project.ID {
		return nil, errors.NotFound("License not found")
	}
	return license, nil
}
