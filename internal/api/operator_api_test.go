package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paychecklabs/paycheck/internal/store"
)

type createdOperator struct {
	Operator *store.OperatorWithUser `json:"operator"`
	APIKey   string                  `json:"api_key"`
}

// createOperator provisions an operator grant through the API and returns
// it with its one-time key.
func (env *testEnv) createOperator(email, name, role string) createdOperator {
	env.t.Helper()

	w := env.do(http.MethodPost, "/operators", env.operatorKey, map[string]string{
		"email": email,
		"name":  name,
		"role":  role,
	})
	require.Equal(env.t, http.StatusCreated, w.Code, w.Body.String())

	var created createdOperator
	decode(env.t, w, &created)
	require.NotEmpty(env.t, created.APIKey)
	return created
}

// sealOrgConfig pushes plaintext provider credentials through the operator
// update endpoint, exercising the envelope encryption path.
func (env *testEnv) sealOrgConfig(body map[string]any) {
	env.t.Helper()
	w := env.do(http.MethodPut, "/operators/organizations/"+env.org.ID, env.operatorKey, body)
	require.Equal(env.t, http.StatusOK, w.Code, w.Body.String())
}

// postWebhook delivers a raw payload so signature headers can be computed
// over the exact bytes sent.
func (env *testEnv) postWebhook(path string, payload []byte, headers map[string]string) *httptest.ResponseRecorder {
	env.t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func lsSign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestOperatorSurfaceGuards(t *testing.T) {
	env := newTestEnv(t)

	// An org owner is not an operator.
	w := env.do(http.MethodGet, "/operators/users", env.ownerKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Operator access required", apiErr.ErrorMessage)

	viewer := env.createOperator("viewer@paycheck.test", "Val Viewer", "view")

	// Operator management is owner-gated.
	w = env.do(http.MethodPost, "/operators", viewer.APIKey, map[string]string{"email": "x@paycheck.test"})
	require.Equal(t, http.StatusForbidden, w.Code)
	decode(t, w, &apiErr)
	assert.Equal(t, "Operator owner role required", apiErr.ErrorMessage)

	// Users and organizations need at least admin.
	w = env.do(http.MethodPost, "/operators/users", viewer.APIKey, map[string]string{"email": "x@paycheck.test"})
	require.Equal(t, http.StatusForbidden, w.Code)
	decode(t, w, &apiErr)
	assert.Equal(t, "Operator admin role required", apiErr.ErrorMessage)

	// The audit trail is open to any operator role.
	w = env.do(http.MethodGet, "/operators/audit-logs", viewer.APIKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperatorLifecycle(t *testing.T) {
	env := newTestEnv(t)

	created := env.createOperator("helper@paycheck.test", "Harper Helper", "view")
	assert.Equal(t, store.OperatorRoleView, created.Operator.Role)
	assert.Equal(t, "helper@paycheck.test", created.Operator.User.Email)

	// View operators cannot touch users yet.
	w := env.do(http.MethodPost, "/operators/users", created.APIKey, map[string]string{"email": "new@paycheck.test"})
	require.Equal(t, http.StatusForbidden, w.Code)

	// Promote to admin.
	w = env.do(http.MethodPut, "/operators/"+created.Operator.ID, env.operatorKey, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated store.OperatorWithUser
	decode(t, w, &updated)
	assert.Equal(t, store.OperatorRoleAdmin, updated.Role)

	event := env.waitForAudit("update_operator")
	assert.Equal(t, "helper@paycheck.test", event.ResourceName)

	w = env.do(http.MethodPost, "/operators/users", created.APIKey, map[string]string{"email": "new@paycheck.test"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Revoking the grant locks the key out of the operator surface.
	w = env.do(http.MethodDelete, "/operators/"+created.Operator.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var deleted map[string]bool
	decode(t, w, &deleted)
	assert.True(t, deleted["deleted"])

	w = env.do(http.MethodGet, "/operators/users", created.APIKey, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Operator access required", apiErr.ErrorMessage)
}

func TestOperatorSelfGuards(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/operators/"+env.operator.ID, env.operatorKey, map[string]string{"role": "view"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Cannot change your own role", apiErr.ErrorMessage)

	w = env.do(http.MethodDelete, "/operators/"+env.operator.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &apiErr)
	assert.Equal(t, "Cannot delete yourself", apiErr.ErrorMessage)
}

func TestUserManagement(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/operators/users", env.operatorKey, map[string]string{
		"email": "casey@example.com",
		"name":  "Casey Customer",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var user store.User
	decode(t, w, &user)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "casey@example.com", user.Email)

	// Emails are unique.
	w = env.do(http.MethodPost, "/operators/users", env.operatorKey, map[string]string{"email": "casey@example.com"})
	require.Equal(t, http.StatusConflict, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Email already exists", apiErr.ErrorMessage)

	var listing struct {
		Users []*store.User `json:"users"`
		Total int           `json:"total"`
	}
	w = env.do(http.MethodGet, "/operators/users?email=casey%40example", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &listing)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, user.ID, listing.Users[0].ID)

	// Partial update: only the name changes.
	w = env.do(http.MethodPut, "/operators/users/"+user.ID, env.operatorKey, map[string]string{"name": "Casey Q. Customer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var renamed store.User
	decode(t, w, &renamed)
	assert.Equal(t, "Casey Q. Customer", renamed.Name)
	assert.Equal(t, "casey@example.com", renamed.Email)

	w = env.do(http.MethodPut, "/operators/users/"+user.ID, env.operatorKey, map[string]string{"email": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &apiErr)
	assert.Equal(t, "Email cannot be empty", apiErr.ErrorMessage)

	w = env.do(http.MethodDelete, "/operators/users/"+user.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result map[string]bool
	decode(t, w, &result)
	assert.True(t, result["success"])

	w = env.do(http.MethodGet, "/operators/users/"+user.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	decode(t, w, &apiErr)
	assert.Equal(t, "User not found", apiErr.ErrorMessage)
}

func TestDeleteUserSelfRejected(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/operators/users/"+env.operatorUser.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Cannot delete yourself", apiErr.ErrorMessage)
}

func TestCreateOrganizationBootstrap(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/operators/organizations", env.operatorKey, map[string]string{
		"name":        "Beta Industries",
		"owner_email": "founder@beta.test",
		"owner_name":  "Blake Founder",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Organization *store.Organization `json:"organization"`
		OwnerAPIKey  string              `json:"owner_api_key"`
	}
	decode(t, w, &created)
	require.NotNil(t, created.Organization)
	assert.Equal(t, "Beta Industries", created.Organization.Name)
	require.NotEmpty(t, created.OwnerAPIKey)

	// The bootstrapped key is a working org owner key.
	w = env.do(http.MethodGet, "/orgs/"+created.Organization.ID+"/members", created.OwnerAPIKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var members struct {
		Members []*store.OrgMemberWithUser `json:"members"`
		Total   int                        `json:"total"`
	}
	decode(t, w, &members)
	require.Equal(t, 1, members.Total)
	assert.Equal(t, "founder@beta.test", members.Members[0].User.Email)
	assert.Equal(t, store.OrgRoleOwner, members.Members[0].Role)

	event := env.waitForAudit("create_organization")
	assert.Equal(t, created.Organization.ID, event.OrgID)
	assert.Equal(t, "Beta Industries", event.ResourceName)

	// Without an owner email the response carries no key.
	w = env.do(http.MethodPost, "/operators/organizations", env.operatorKey, map[string]string{"name": "Shell Org"})
	require.Equal(t, http.StatusCreated, w.Code)
	created.OwnerAPIKey = ""
	decode(t, w, &created)
	assert.Empty(t, created.OwnerAPIKey)
}

func TestOrganizationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var listing struct {
		Organizations []*store.Organization `json:"organizations"`
		Total         int                   `json:"total"`
	}
	w := env.do(http.MethodGet, "/operators/organizations", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &listing)
	assert.Equal(t, 1, listing.Total)

	// Deleting the org cascades to memberships: the owner key loses access.
	w = env.do(http.MethodDelete, "/operators/organizations/"+env.org.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/operators/organizations/"+env.org.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/orgs/"+env.org.ID+"/projects", env.ownerKey, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	// Restore brings the members, projects and products back with it.
	w = env.do(http.MethodPost, "/operators/organizations/"+env.org.ID+"/restore", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var restored store.Organization
	decode(t, w, &restored)
	assert.Equal(t, "Acme Software", restored.Name)

	w = env.do(http.MethodGet, "/orgs/"+env.org.ID+"/projects/"+env.project.ID, env.ownerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.waitForAudit("restore_organization")
}

func TestUpdateOrganizationSealsConfigs(t *testing.T) {
	env := newTestEnv(t)

	env.sealOrgConfig(map[string]any{
		"stripe_config": map[string]string{
			"secret_key":     "sk_test_abc123",
			"webhook_secret": "whsec_xyz789",
		},
		"ls_config": map[string]string{
			"api_key":        "lsk_test_456",
			"store_id":       "store-42",
			"webhook_secret": "ls_whsec_test",
		},
		"resend_api_key": "re_secret_789",
	})

	// Ciphertexts never serialize on the org resource itself.
	w := env.do(http.MethodGet, "/operators/organizations/"+env.org.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk_test_abc123")
	assert.NotContains(t, w.Body.String(), "ciphertext")

	// The support view decrypts them, and doing so is audited.
	var support struct {
		OrgID        string                    `json:"org_id"`
		OrgName      string                    `json:"org_name"`
		StripeConfig *store.StripeConfig       `json:"stripe_config"`
		LSConfig     *store.LemonSqueezyConfig `json:"ls_config"`
	}
	w = env.do(http.MethodGet, "/operators/organizations/"+env.org.ID+"/payment-config", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &support)
	assert.Equal(t, env.org.ID, support.OrgID)
	require.NotNil(t, support.StripeConfig)
	assert.Equal(t, "sk_test_abc123", support.StripeConfig.SecretKey)
	assert.Equal(t, "whsec_xyz789", support.StripeConfig.WebhookSecret)
	require.NotNil(t, support.LSConfig)
	assert.Equal(t, "store-42", support.LSConfig.StoreID)

	event := env.waitForAudit("view_payment_config")
	assert.Equal(t, env.org.ID, event.OrgID)

	// An explicit null clears one credential without touching the other.
	env.sealOrgConfig(map[string]any{"stripe_config": nil})

	w = env.do(http.MethodGet, "/operators/organizations/"+env.org.ID+"/payment-config", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	support.StripeConfig = nil
	support.LSConfig = nil
	decode(t, w, &support)
	assert.Nil(t, support.StripeConfig)
	require.NotNil(t, support.LSConfig)
	assert.Equal(t, "lsk_test_456", support.LSConfig.APIKey)
}

func TestOperatorAuditLogFiltering(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/operators/users", env.operatorKey, map[string]string{"email": "trail@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(http.MethodPost, "/operators/organizations", env.operatorKey, map[string]string{"name": "Gamma LLC"})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Organization *store.Organization `json:"organization"`
	}
	decode(t, w, &created)

	env.waitForAudit("create_user")
	orgEvent := env.waitForAudit("create_organization")
	require.Equal(t, created.Organization.ID, orgEvent.OrgID)

	var page struct {
		Events []json.RawMessage `json:"events"`
		Total  int               `json:"total"`
	}
	w = env.do(http.MethodGet, "/operators/audit-logs?action=create_user", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	require.Equal(t, 1, page.Total)
	assert.Contains(t, string(page.Events[0]), "trail@example.com")

	w = env.do(http.MethodGet, "/operators/audit-logs?org_id="+created.Organization.ID, env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	require.Equal(t, 1, page.Total)
	assert.Contains(t, string(page.Events[0]), "create_organization")
}

func TestOperatorAuditLogExport(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/operators/users", env.operatorKey, map[string]string{"email": "export@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	env.waitForAudit("create_user")

	w = env.do(http.MethodGet, "/operators/audit-logs/export?format=csv", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	disposition := w.Header().Get("Content-Disposition")
	assert.Contains(t, disposition, "attachment")
	assert.Contains(t, disposition, "audit-log-")
	assert.Contains(t, disposition, ".csv")
	assert.True(t, strings.HasPrefix(w.Body.String(), "ID,"), "CSV must start with the header row")
	assert.Contains(t, w.Body.String(), "create_user")

	// The export leaves its own trail entry.
	env.waitForAudit("export_audit_logs")

	w = env.do(http.MethodGet, "/operators/audit-logs/export?format=pdf", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "%PDF"), "output must be a PDF document")
}

func TestAuditStreamUnavailableWithoutHub(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/operators/audit-logs/stream", env.operatorKey, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Audit stream is not available", apiErr.ErrorMessage)
}

func TestDiagnostics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/operators/system", env.operatorKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var diag struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Databases map[string]struct {
			Path      string `json:"path"`
			SizeBytes int64  `json:"size_bytes"`
		} `json:"databases"`
		DBPool     map[string]int `json:"db_pool"`
		GoVersion  string         `json:"go_version"`
		Goroutines int            `json:"goroutines"`
	}
	decode(t, w, &diag)
	assert.Equal(t, "ok", diag.Status)
	assert.Equal(t, "test", diag.Version)
	assert.NotEmpty(t, diag.GoVersion)
	assert.Greater(t, diag.Goroutines, 0)

	require.Contains(t, diag.Databases, "main")
	require.Contains(t, diag.Databases, "audit")
	assert.Greater(t, diag.Databases["main"].SizeBytes, int64(0))
	assert.Equal(t, env.cfg.DatabasePath, diag.Databases["main"].Path)

	assert.GreaterOrEqual(t, diag.DBPool["open_connections"], 1)
}

func TestStripeWebhookSignatureGate(t *testing.T) {
	env := newTestEnv(t)

	env.sealOrgConfig(map[string]any{
		"stripe_config": map[string]string{
			"secret_key":     "sk_test_abc123",
			"webhook_secret": "whsec_test_123",
		},
	})

	// Unparseable payloads are a caller error, not a signature failure.
	w := env.postWebhook("/webhooks/stripe", []byte("{not json"), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Invalid JSON payload", apiErr.ErrorMessage)

	// A well-formed checkout event with a bogus signature is rejected once
	// the org's webhook secret has been located.
	payload, err := json.Marshal(map[string]any{
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_test_1",
				"payment_status": "paid",
				"metadata": map[string]string{
					"paycheck_session_id": "ps_bogus",
					"project_id":          env.project.ID,
				},
			},
		},
	})
	require.NoError(t, err)

	w = env.postWebhook("/webhooks/stripe", payload, map[string]string{
		"Stripe-Signature": "t=1700000000,v1=deadbeef",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	decode(t, w, &apiErr)
	assert.Equal(t, "Invalid signature", apiErr.ErrorMessage)

	// Event types outside the reconciler are acknowledged and dropped.
	payload, err = json.Marshal(map[string]any{
		"type": "payment_intent.created",
		"data": map[string]any{"object": map[string]any{}},
	})
	require.NoError(t, err)

	w = env.postWebhook("/webhooks/stripe", payload, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Received bool   `json:"received"`
		Status   string `json:"status"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Received)
	assert.Equal(t, "ignored", resp.Status)

	reg := env.router.metrics.Registry()
	assert.Equal(t, float64(1), counterValue(t, reg, "paycheck_webhook_events_total", map[string]string{
		"provider": "stripe", "outcome": "rejected",
	}))
	assert.Equal(t, float64(1), counterValue(t, reg, "paycheck_webhook_events_total", map[string]string{
		"provider": "stripe", "outcome": "error",
	}))
	assert.Equal(t, float64(1), counterValue(t, reg, "paycheck_webhook_events_total", map[string]string{
		"provider": "stripe", "outcome": "ignored",
	}))
}

// TestLemonSqueezyWebhookFlow drives a real order through the reconciler:
// the webhook secret is sealed via the operator API, the delivery is signed
// the way the provider signs it, and a license comes out the other side.
func TestLemonSqueezyWebhookFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const secret = "ls_whsec_test"

	env.sealOrgConfig(map[string]any{
		"ls_config": map[string]string{
			"api_key":        "lsk_test_456",
			"store_id":       "store-42",
			"webhook_secret": secret,
		},
	})

	session := &store.PaymentSession{
		ProductID: env.product.ID,
		Provider:  store.ProviderLemonSqueezy,
	}
	require.NoError(t, env.store.CreatePaymentSession(ctx, session))

	payload, err := json.Marshal(map[string]any{
		"meta": map[string]any{
			"event_name": "order_created",
			"custom_data": map[string]string{
				"paycheck_session_id": session.ID,
				"project_id":          env.project.ID,
				"product_id":          env.product.ID,
			},
		},
		"data": map[string]any{
			"id": "998877",
			"attributes": map[string]any{
				"status":      "paid",
				"user_email":  "buyer@example.com",
				"customer_id": 424242,
			},
		},
	})
	require.NoError(t, err)

	w := env.postWebhook("/webhooks/lemonsqueezy", payload, map[string]string{
		"X-Signature": lsSign(payload, secret),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Received bool   `json:"received"`
		Status   string `json:"status"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Received)
	assert.Equal(t, "processed", resp.Status)

	// The session is claimed and linked to the issued license.
	claimed, err := env.store.GetPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, claimed.Completed)
	require.NotNil(t, claimed.LicenseID)

	license, err := env.store.GetLicense(ctx, *claimed.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, env.product.ID, license.ProductID)
	require.NotNil(t, license.PaymentProvider)
	assert.Equal(t, store.ProviderLemonSqueezy, *license.PaymentProvider)
	require.NotNil(t, license.PaymentOrderID)
	assert.Equal(t, "998877", *license.PaymentOrderID)

	// The buyer's email is findable through the management filter.
	w = env.do(http.MethodGet, env.projectPath("licenses")+"?email=buyer%40example.com", env.ownerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Total int `json:"total"`
	}
	decode(t, w, &listing)
	assert.Equal(t, 1, listing.Total)

	// Redelivery of the same event is deduplicated, not double-issued.
	w = env.postWebhook("/webhooks/lemonsqueezy", payload, map[string]string{
		"X-Signature": lsSign(payload, secret),
	})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "duplicate", resp.Status)

	// Tampered payloads fail verification.
	tampered := append([]byte{}, payload...)
	tampered = append(tampered, ' ')
	w = env.postWebhook("/webhooks/lemonsqueezy", tampered, map[string]string{
		"X-Signature": lsSign(payload, secret),
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var apiErr APIError
	decode(t, w, &apiErr)
	assert.Equal(t, "Invalid signature", apiErr.ErrorMessage)

	// A missing signature header never reaches verification.
	w = env.postWebhook("/webhooks/lemonsqueezy", payload, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &apiErr)
	assert.Equal(t, "Missing x-signature header", apiErr.ErrorMessage)

	reg := env.router.metrics.Registry()
	assert.Equal(t, float64(1), counterValue(t, reg, "paycheck_webhook_events_total", map[string]string{
		"provider": "lemonsqueezy", "outcome": "processed",
	}))
	assert.Equal(t, float64(1), counterValue(t, reg, "paycheck_webhook_events_total", map[string]string{
		"provider": "lemonsqueezy", "outcome": "duplicate",
	}))
	assert.Equal(t, float64(1), counterValue(t, reg, "paycheck_webhook_events_total", map[string]string{
		"provider": "lemonsqueezy", "outcome": "rejected",
	}))
}
