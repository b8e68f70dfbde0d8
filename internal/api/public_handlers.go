package api

import (
	"context"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/config"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/notify"
	"github.com/paychecklabs/paycheck/internal/payments"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/token"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// PublicHandlers serves the unauthenticated customer surface: checkout,
// redemption, validation and device self-service.
type PublicHandlers struct {
	store     *store.Store
	vault     *crypto.Vault
	licensing *licensing.Service
	payments  *payments.Service
	notifier  *notify.Dispatcher
	cfg       *config.Config
	metrics   *Metrics
	trail     trail
	version   string
}

// NewPublicHandlers wires the public surface.
func NewPublicHandlers(d Deps, metrics *Metrics, tr trail) *PublicHandlers {
	return &PublicHandlers{
		store:     d.Store,
		vault:     d.Vault,
		licensing: d.Licensing,
		payments:  d.Payments,
		notifier:  d.Notifier,
		cfg:       d.Config,
		metrics:   metrics,
		trail:     tr,
		version:   d.Version,
	}
}

// Health reports liveness.
func (h *PublicHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

type buyRequest struct {
	ProductID  string  `json:"product_id"`
	Provider   string  `json:"provider,omitempty"`
	CustomerID *string `json:"customer_id,omitempty"`
	Redirect   *string `json:"redirect,omitempty"`
}

type buyResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// Buy opens a provider checkout for one product and records the pending
// payment session the webhook will later claim.
func (h *PublicHandlers) Buy(w http.ResponseWriter, r *http.Request) {
	var body buyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ProductID == "" {
		writeError(w, r, errors.Validation("product_id is required"))
		return
	}

	ctx := r.Context()
	product, err := h.store.GetProduct(ctx, body.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.store.GetProject(ctx, product.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	redirect, err := validateRedirect(project, body.Redirect)
	if err != nil {
		writeError(w, r, err)
		return
	}

	org, err := h.store.GetOrganization(ctx, project.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	provider, err := payments.ResolveProvider(body.Provider, org)
	if err != nil {
		writeError(w, r, err)
		return
	}

	session := &store.PaymentSession{
		ProductID:   product.ID,
		Provider:    provider,
		CustomerID:  body.CustomerID,
		RedirectURL: redirect,
	}
	if err := h.store.CreatePaymentSession(ctx, session); err != nil {
		writeError(w, r, err)
		return
	}

	callbackURL := h.cfg.BaseURL + "/callback?session=" + url.QueryEscape(session.ID)
	cancelURL := h.cfg.BaseURL + "/cancel"
	checkoutURL, err := h.payments.Checkout(ctx, org, project, product, session, callbackURL, cancelURL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, buyResponse{CheckoutURL: checkoutURL, SessionID: session.ID})
}

// validateRedirect checks a requested redirect against the project's
// wildcard allowlist. No allowlist means no third-party redirects at all.
func validateRedirect(project *store.Project, redirect *string) (*string, error) {
	if redirect == nil || *redirect == "" {
		return nil, nil
	}
	if len(project.AllowedRedirectURLs) == 0 {
		return nil, errors.Validation("Redirect URL provided but project has no allowed redirect URLs configured")
	}
	for _, pattern := range project.AllowedRedirectURLs {
		if wildcard.Match(pattern, *redirect) {
			return redirect, nil
		}
	}
	return nil, errors.Validation("Redirect URL is not in project's allowed redirect URLs")
}

// Callback is where the payment provider lands customers after checkout.
// The license is created by the webhook, not here; until that arrives the
// customer is parked with status=pending.
func (h *PublicHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, r, errors.Validation("session query parameter is required"))
		return
	}

	ctx := r.Context()
	session, err := h.store.GetPaymentSession(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	product, err := h.store.GetProduct(ctx, session.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.store.GetProject(ctx, product.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Session redirect beats the project default; no redirect means our
	// own success page, the only target allowed to see the license key.
	target := h.cfg.BaseURL + "/success"
	thirdParty := false
	switch {
	case session.RedirectURL != nil && *session.RedirectURL != "":
		target = *session.RedirectURL
		thirdParty = true
	case project.RedirectURL != nil && *project.RedirectURL != "":
		target = *project.RedirectURL
		thirdParty = true
	}

	if !session.Completed {
		params := url.Values{}
		params.Set("session", session.ID)
		params.Set("status", "pending")
		http.Redirect(w, r, appendQueryParams(target, params), http.StatusTemporaryRedirect)
		return
	}

	if session.LicenseID == nil {
		writeError(w, r, errors.New(errors.KindInternal, "Session completed without a license"))
		return
	}
	license, err := h.store.GetLicense(ctx, *session.LicenseID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Mint a fresh one-shot code on every visit; earlier codes may have
	// expired while the customer sat on the provider's receipt page.
	code, _, err := h.licensing.NewActivationCode(ctx, project, license.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := url.Values{}
	params.Set("code", code)
	params.Set("project_id", project.ID)
	params.Set("status", "success")
	if !thirdParty {
		key, err := h.licensing.KeyPlaintext(license)
		if err != nil {
			writeError(w, r, err)
			return
		}
		params.Set("license_key", key)
	}

	http.Redirect(w, r, appendQueryParams(target, params), http.StatusTemporaryRedirect)
}

func appendQueryParams(target string, params url.Values) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + params.Encode()
}

type redeemRequest struct {
	ProjectID  string  `json:"project_id"`
	Code       string  `json:"code,omitempty"`
	LicenseKey string  `json:"license_key,omitempty"`
	DeviceID   string  `json:"device_id"`
	DeviceType string  `json:"device_type"`
	Name       *string `json:"name,omitempty"`
}

type redeemResponse struct {
	Token      string   `json:"token"`
	LicenseExp *int64   `json:"license_exp"`
	UpdatesExp *int64   `json:"updates_exp"`
	Tier       string   `json:"tier"`
	Features   []string `json:"features"`
}

// Redeem exchanges an activation code or license key for a device token.
func (h *PublicHandlers) Redeem(w http.ResponseWriter, r *http.Request) {
	var body redeemRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ProjectID == "" {
		writeError(w, r, errors.Validation("project_id is required"))
		return
	}

	ctx := r.Context()
	project, err := h.store.GetProject(ctx, body.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.licensing.Redeem(ctx, project, licensing.RedeemRequest{
		Code:       body.Code,
		LicenseKey: body.LicenseKey,
		DeviceID:   body.DeviceID,
		DeviceType: store.DeviceType(body.DeviceType),
		Name:       body.Name,
	})
	if err != nil {
		h.metrics.RecordRedemption(redeemOutcome(err))
		writeError(w, r, err)
		return
	}

	h.metrics.RecordRedemption("activated")
	h.metrics.RecordTokenMinted()

	action := "redeem_license"
	if body.Code != "" {
		action = "redeem_code"
	}
	h.trail.Public(r, audit.Event{
		Action:       action,
		ResourceType: "license",
		ResourceID:   result.License.ID,
		ProjectID:    project.ID,
		ProjectName:  project.Name,
		Details: audit.JSON(map[string]any{
			"device_id":   body.DeviceID,
			"device_type": body.DeviceType,
			"created":     result.Created,
		}),
	})

	features := result.Claims.Features
	if features == nil {
		features = []string{}
	}
	writeJSON(w, http.StatusOK, redeemResponse{
		Token:      result.Token,
		LicenseExp: result.Claims.LicenseExp,
		UpdatesExp: result.Claims.UpdatesExp,
		Tier:       result.Claims.Tier,
		Features:   features,
	})
}

func redeemOutcome(err error) string {
	switch errors.Code(err) {
	case "DEVICE_LIMIT_REACHED":
		return "device_limit"
	case "ACTIVATION_LIMIT_REACHED":
		return "activation_limit"
	case "INVALID_CODE":
		return "invalid_code"
	case "INVALID_LICENSE_KEY":
		return "invalid_key"
	default:
		return "rejected"
	}
}

type validateResponse struct {
	Valid      bool    `json:"valid"`
	Reason     *string `json:"reason"`
	LicenseExp *int64  `json:"license_exp,omitempty"`
	UpdatesExp *int64  `json:"updates_exp,omitempty"`
}

// Validate answers token pings. Every failure mode collapses to the same
// body so the endpoint cannot be used to probe why a token is dead.
func (h *PublicHandlers) Validate(w http.ResponseWriter, r *http.Request) {
	tokenString := authz.BearerToken(r)
	if tokenString == "" {
		h.metrics.RecordValidation(false)
		writeJSON(w, http.StatusOK, validateResponse{})
		return
	}

	result, err := h.licensing.Validate(r.Context(), tokenString)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.metrics.RecordValidation(result.Valid)
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:      result.Valid,
		LicenseExp: result.LicenseExp,
		UpdatesExp: result.UpdatesExp,
	})
}

type deviceInfo struct {
	DeviceID    string  `json:"device_id"`
	DeviceType  string  `json:"device_type"`
	Name        *string `json:"name"`
	ActivatedAt int64   `json:"activated_at"`
	LastSeenAt  *int64  `json:"last_seen_at"`
}

type devicesResponse struct {
	Devices     []deviceInfo `json:"devices"`
	DeviceLimit int          `json:"device_limit"`
}

// ListDevices shows a customer their active seats. The license key is the
// credential; expired licenses are allowed so seats can still be freed.
func (h *PublicHandlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	license, err := h.bearerLicense(r)
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

	writeJSON(w, http.StatusOK, devicesResponse{
		Devices:     deviceInfos(devices),
		DeviceLimit: product.DeviceLimit,
	})
}

func deviceInfos(devices []*store.Device) []deviceInfo {
	infos := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, deviceInfo{
			DeviceID:    d.DeviceID,
			DeviceType:  string(d.DeviceType),
			Name:        d.Name,
			ActivatedAt: d.ActivatedAt.Unix(),
			LastSeenAt:  unixPtr(d.LastSeenAt),
		})
	}
	return infos
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

type deactivateRequest struct {
	ProjectID string `json:"project_id"`
	DeviceID  string `json:"device_id"`
}

type deactivateResponse struct {
	Deactivated      bool   `json:"deactivated"`
	DeviceID         string `json:"device_id,omitempty"`
	RemainingDevices int    `json:"remaining_devices"`
}

// DeactivateDevice frees a seat and revokes the device's outstanding token.
func (h *PublicHandlers) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	var body deactivateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.DeviceID == "" {
		writeError(w, r, errors.Validation("device_id is required"))
		return
	}

	license, err := h.bearerLicenseFor(r, body.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	remaining, err := h.store.DeactivateDevice(r.Context(), license.ID, body.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Public(r, audit.Event{
		Action:       "deactivate_device",
		ResourceType: "device",
		ResourceID:   body.DeviceID,
		ProjectID:    license.ProjectID,
		Details:      audit.JSON(map[string]any{"license_id": license.ID}),
	})

	writeJSON(w, http.StatusOK, deactivateResponse{
		Deactivated:      true,
		RemainingDevices: remaining,
	})
}

type licenseInfoResponse struct {
	Status           string       `json:"status"`
	CreatedAt        int64        `json:"created_at"`
	ExpiresAt        *int64       `json:"expires_at"`
	UpdatesExpiresAt *int64       `json:"updates_expires_at"`
	ActivationCount  int          `json:"activation_count"`
	ActivationLimit  int          `json:"activation_limit"`
	DeviceCount      int          `json:"device_count"`
	DeviceLimit      int          `json:"device_limit"`
	Devices          []deviceInfo `json:"devices"`
}

// LicenseInfo summarizes a license for the customer holding its key.
func (h *PublicHandlers) LicenseInfo(w http.ResponseWriter, r *http.Request) {
	license, err := h.bearerLicense(r)
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

	writeJSON(w, http.StatusOK, licenseInfoResponse{
		Status:           license.Status(time.Now().UTC()),
		CreatedAt:        license.CreatedAt.Unix(),
		ExpiresAt:        unixPtr(license.ExpiresAt),
		UpdatesExpiresAt: unixPtr(license.UpdatesExpiresAt),
		ActivationCount:  license.ActivationCount,
		ActivationLimit:  product.ActivationLimit,
		DeviceCount:      len(devices),
		DeviceLimit:      product.DeviceLimit,
		Devices:          deviceInfos(devices),
	})
}

// bearerLicense authenticates the Bearer license key against the
// project_id query parameter.
func (h *PublicHandlers) bearerLicense(r *http.Request) (*store.License, error) {
	return h.bearerLicenseFor(r, r.URL.Query().Get("project_id"))
}

func (h *PublicHandlers) bearerLicenseFor(r *http.Request, projectID string) (*store.License, error) {
	if projectID == "" {
		return nil, errors.Validation("project_id is required")
	}
	key := authz.BearerToken(r)
	if key == "" {
		return nil, errors.Unauthenticated("License key required")
	}
	return h.licensing.LicenseByKey(r.Context(), projectID, key)
}

type recoverRequest struct {
	ProjectID string `json:"project_id"`
	Email     string `json:"email"`
}

// Recover re-sends activation codes for every usable license under an
// email address. The response never says whether the email held any, so
// the endpoint cannot be used to enumerate customers.
func (h *PublicHandlers) Recover(w http.ResponseWriter, r *http.Request) {
	var body recoverRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ProjectID == "" || body.Email == "" {
		writeError(w, r, errors.Validation("project_id and email are required"))
		return
	}

	project, err := h.store.GetProject(r.Context(), body.ProjectID)
	if err == nil {
		h.recoverInBackground(r, project, body.Email)
	} else if !errors.IsNotFound(err) {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recoverInBackground mints and dispatches codes after the response is on
// the wire; delivery latency must not shape the response timing.
func (h *PublicHandlers) recoverInBackground(r *http.Request, project *store.Project, email string) {
	ip := GetClientIP(r)
	ua := r.UserAgent()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		recovered, err := h.licensing.Recover(ctx, project, email)
		if err != nil {
			log.Error().Err(err).Str("projectId", project.ID).Msg("License recovery failed")
			return
		}
		if h.trail.rec != nil {
			h.trail.rec.Record(audit.Event{
				ActorType:    audit.ActorPublic,
				Action:       "request_recovery",
				ResourceType: "project",
				ResourceID:   project.ID,
				ProjectID:    project.ID,
				ProjectName:  project.Name,
				IPAddress:    ip,
				UserAgent:    ua,
				Details:      audit.JSON(map[string]any{"licenses": len(recovered)}),
			})
		}
		if len(recovered) == 0 {
			return
		}

		org, err := h.store.GetOrganization(ctx, project.OrgID)
		if err != nil {
			log.Error().Err(err).Str("projectId", project.ID).Msg("License recovery could not load organization")
			return
		}
		orgKey, err := org.ResendAPIKey(h.vault)
		if err != nil {
			log.Error().Err(err).Str("orgId", org.ID).Msg("Failed to decrypt org Resend key, falling back to system key")
			orgKey = ""
		}

		outcome, err := h.dispatchRecovered(ctx, project, orgKey, email, recovered)
		if err != nil {
			log.Error().Err(err).Str("projectId", project.ID).Msg("License recovery delivery failed")
			return
		}
		h.metrics.RecordNotification(string(outcome))
	}()
}

func (h *PublicHandlers) dispatchRecovered(ctx context.Context, project *store.Project, orgKey, email string, recovered []licensing.RecoveredCode) (notify.Outcome, error) {
	if len(recovered) == 1 {
		rc := recovered[0]
		return h.notifier.SendActivationCode(ctx, notify.SendConfig{
			To:          email,
			Code:        rc.Code,
			ExpiresAt:   rc.ExpiresAt,
			ProductName: rc.Product.Name,
			LicenseID:   rc.License.ID,
			PurchasedAt: rc.License.CreatedAt,
			Project:     project,
			OrgKey:      orgKey,
			Trigger:     notify.TriggerRecoveryRequest,
		})
	}

	infos := make([]notify.CodeInfo, 0, len(recovered))
	for _, rc := range recovered {
		infos = append(infos, notify.CodeInfo{
			ProductName: rc.Product.Name,
			Code:        rc.Code,
			LicenseID:   rc.License.ID,
			PurchasedAt: rc.License.CreatedAt,
		})
	}
	return h.notifier.SendMultiLicenseCodes(ctx, notify.MultiConfig{
		To:        email,
		ExpiresAt: recovered[0].ExpiresAt,
		Project:   project,
		Licenses:  infos,
		OrgKey:    orgKey,
		Trigger:   notify.TriggerRecoveryRequest,
	})
}

// JWKS publishes the project's current and grace-period signing keys.
func (h *PublicHandlers) JWKS(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProject(r.Context(), r.PathValue("project"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jwks, err := token.BuildJWKS(project, time.Now().UTC(), token.DefaultGrace)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, jwks)
}

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Purchase complete</title></head>
<body>
<h1>Purchase complete</h1>
{{if .Pending}}<p>Your payment is being confirmed. Refresh this page in a moment.</p>{{else}}
{{if .Code}}<p>Activation code: <code>{{.Code}}</code></p>{{end}}
{{if .LicenseKey}}<p>License key: <code>{{.LicenseKey}}</code></p>
<p>Store the license key somewhere safe; it will not be shown again.</p>{{end}}
{{end}}
</body>
</html>
`))

type successData struct {
	Code       string
	LicenseKey string
	Pending    bool
}

// SuccessPage is the default post-checkout landing page for projects
// without their own redirect target.
func (h *PublicHandlers) SuccessPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := successData{
		Code:       q.Get("code"),
		LicenseKey: q.Get("license_key"),
		Pending:    q.Get("status") == "pending",
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successPage.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("Failed to render success page")
	}
}

// CancelPage is where providers land customers who abandoned checkout.
func (h *PublicHandlers) CancelPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Checkout cancelled</title></head>
<body><h1>Checkout cancelled</h1><p>No payment was taken. You can close this page.</p></body>
</html>
`))
}
