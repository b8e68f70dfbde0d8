package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
)

func testProject(emailEnabled bool) *store.Project {
	return &store.Project{
		ID:           "proj_test",
		Name:         "Acme Tools",
		EmailEnabled: emailEnabled,
	}
}

func strPtr(s string) *string { return &s }

func sendCfg(p *store.Project) SendConfig {
	return SendConfig{
		To:          "buyer@example.com",
		Code:        "ACME-AAAA-BBBB-CCCC-DDDD",
		ExpiresAt:   time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC),
		ProductName: "Acme Pro",
		LicenseID:   "lic_1",
		PurchasedAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Project:     p,
		Trigger:     TriggerPurchase,
	}
}

func TestSendActivationCodeDisabled(t *testing.T) {
	d := New("sys_key", "licenses@paycheck.dev", false)
	outcome, err := d.SendActivationCode(context.Background(), sendCfg(testProject(false)))
	require.NoError(t, err)
	assert.Equal(t, Disabled, outcome)
}

func TestSendActivationCodeNoAPIKey(t *testing.T) {
	d := New("", "licenses@paycheck.dev", false)
	outcome, err := d.SendActivationCode(context.Background(), sendCfg(testProject(true)))
	require.NoError(t, err)
	assert.Equal(t, NoAPIKey, outcome)
}

func TestSendActivationCodeWebhook(t *testing.T) {
	var gotEvent, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Paycheck-Event")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProject(true)
	p.EmailWebhookURL = strPtr(srv.URL)

	d := New("sys_key", "licenses@paycheck.dev", false)
	cfg := sendCfg(p)
	cfg.Trigger = TriggerRecoveryRequest
	outcome, err := d.SendActivationCode(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, WebhookCalled, outcome)

	assert.Equal(t, "activation_code_created", gotEvent)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "activation_code_created", gotBody["event"])
	assert.Equal(t, "buyer@example.com", gotBody["email"])
	assert.Equal(t, "ACME-AAAA-BBBB-CCCC-DDDD", gotBody["code"])
	assert.Equal(t, float64(cfg.ExpiresAt.Unix()), gotBody["expires_at"])
	assert.Equal(t, float64(30), gotBody["expires_in_minutes"])
	assert.Equal(t, "Acme Pro", gotBody["product_name"])
	assert.Equal(t, "proj_test", gotBody["project_id"])
	assert.Equal(t, "Acme Tools", gotBody["project_name"])
	assert.Equal(t, "lic_1", gotBody["license_id"])
	assert.Equal(t, "recovery_request", gotBody["trigger"])
}

// A webhook that answers with an error status is the developer's bug to
// fix; delivery still counts so purchases are never blocked on it.
func TestSendActivationCodeWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testProject(true)
	p.EmailWebhookURL = strPtr(srv.URL)

	d := New("sys_key", "licenses@paycheck.dev", false)
	outcome, err := d.SendActivationCode(context.Background(), sendCfg(p))
	require.NoError(t, err)
	assert.Equal(t, WebhookCalled, outcome)
}

func TestSendActivationCodeWebhookTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := testProject(true)
	p.EmailWebhookURL = strPtr(url)

	d := New("sys_key", "licenses@paycheck.dev", false)
	_, err := d.SendActivationCode(context.Background(), sendCfg(p))
	require.Error(t, err)
	assert.Equal(t, errors.KindNetwork, errors.KindOf(err))
}

// Webhook wins over email even when keys are configured.
func TestSendActivationCodeWebhookPrecedesEmail(t *testing.T) {
	webhookHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHit = true
	}))
	defer srv.Close()

	resend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("resend endpoint should not be called when a webhook is configured")
	}))
	defer resend.Close()

	p := testProject(true)
	p.EmailWebhookURL = strPtr(srv.URL)

	d := New("sys_key", "licenses@paycheck.dev", false)
	d.resendURL = resend.URL
	cfg := sendCfg(p)
	cfg.OrgKey = "org_key"
	outcome, err := d.SendActivationCode(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, WebhookCalled, outcome)
	assert.True(t, webhookHit)
}

func TestSendActivationCodeResend(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New("sys_key", "licenses@paycheck.dev", false)
	d.resendURL = srv.URL
	outcome, err := d.SendActivationCode(context.Background(), sendCfg(testProject(true)))
	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)

	assert.Equal(t, "Bearer sys_key", gotAuth)
	assert.Equal(t, "licenses@paycheck.dev", gotBody["from"])
	assert.Equal(t, []any{"buyer@example.com"}, gotBody["to"])
	assert.Equal(t, "Your Acme Pro license for Acme Tools", gotBody["subject"])

	text, _ := gotBody["text"].(string)
	assert.Contains(t, text, "ACME-AAAA-BBBB-CCCC-DDDD")
	assert.Contains(t, text, "Jan 15, 2024")
	assert.Contains(t, text, "expires in 30 minutes")

	html, _ := gotBody["html"].(string)
	assert.Contains(t, html, "ACME-AAAA-BBBB-CCCC-DDDD")
	assert.Contains(t, html, "Acme Pro")
}

func TestSendActivationCodeOrgKeyAndFromOverride(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	p := testProject(true)
	p.EmailFrom = strPtr("Acme <hello@acme.dev>")

	d := New("sys_key", "licenses@paycheck.dev", false)
	d.resendURL = srv.URL
	cfg := sendCfg(p)
	cfg.OrgKey = "org_key"
	outcome, err := d.SendActivationCode(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	assert.Equal(t, "Bearer org_key", gotAuth)
	assert.Equal(t, "Acme <hello@acme.dev>", gotBody["from"])
}

func TestSendActivationCodeResendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid from address"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := New("sys_key", "licenses@paycheck.dev", false)
	d.resendURL = srv.URL
	_, err := d.SendActivationCode(context.Background(), sendCfg(testProject(true)))
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
	assert.Contains(t, err.Error(), "422")
}

func multiCfg(p *store.Project) MultiConfig {
	return MultiConfig{
		To:        "buyer@example.com",
		ExpiresAt: time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC),
		Project:   p,
		Licenses: []CodeInfo{
			{ProductName: "Acme Pro", Code: "ACME-AAAA-AAAA-AAAA-AAAA", LicenseID: "lic_1", PurchasedAt: time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC)},
			{ProductName: "Acme Lite", Code: "ACME-BBBB-BBBB-BBBB-BBBB", LicenseID: "lic_2", PurchasedAt: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		},
		Trigger: TriggerRecoveryRequest,
	}
}

func TestSendMultiLicenseCodesWebhook(t *testing.T) {
	var gotEvent string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Paycheck-Event")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	p := testProject(true)
	p.EmailWebhookURL = strPtr(srv.URL)

	d := New("sys_key", "licenses@paycheck.dev", false)
	outcome, err := d.SendMultiLicenseCodes(context.Background(), multiCfg(p))
	require.NoError(t, err)
	assert.Equal(t, WebhookCalled, outcome)

	assert.Equal(t, "activation_codes_created", gotEvent)
	assert.Equal(t, "activation_codes_created", gotBody["event"])
	assert.Equal(t, "recovery_request", gotBody["trigger"])

	licenses, ok := gotBody["licenses"].([]any)
	require.True(t, ok)
	require.Len(t, licenses, 2)
	first, ok := licenses[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme Pro", first["product_name"])
	assert.Equal(t, "ACME-AAAA-AAAA-AAAA-AAAA", first["code"])
	assert.Equal(t, "lic_1", first["license_id"])
	assert.Equal(t, float64(time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC).Unix()), first["purchased_at"])
}

func TestSendMultiLicenseCodesResend(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	d := New("sys_key", "licenses@paycheck.dev", false)
	d.resendURL = srv.URL
	outcome, err := d.SendMultiLicenseCodes(context.Background(), multiCfg(testProject(true)))
	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)

	assert.Equal(t, "Your licenses for Acme Tools", gotBody["subject"])
	text, _ := gotBody["text"].(string)
	assert.Contains(t, text, "ACME-AAAA-AAAA-AAAA-AAAA")
	assert.Contains(t, text, "ACME-BBBB-BBBB-BBBB-BBBB")
	assert.Contains(t, text, "Nov 02, 2023")
	html, _ := gotBody["html"].(string)
	assert.Contains(t, html, "Acme Lite")
}

func TestRenderCodeEmailEscapesProductName(t *testing.T) {
	html, text, err := renderCodeEmail(codeEmailData{
		ProductName:      `<script>alert("x")</script>`,
		ProjectName:      "Acme Tools",
		PurchasedDate:    "Jan 15, 2024",
		Code:             "ACME-AAAA-BBBB-CCCC-DDDD",
		ExpiresInMinutes: 30,
	})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.Contains(t, text, `<script>alert("x")</script>`)
}
