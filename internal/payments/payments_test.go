package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/notify"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/token"
)

type env struct {
	svc   *Service
	store *store.Store
	vault *crypto.Vault
	lic   *licensing.Service
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "paycheck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	encoded, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	vault, err := crypto.NewVaultFromBase64(encoded)
	require.NoError(t, err)

	lic := licensing.New(s, vault, token.NewMinter(s, vault))
	notifier := notify.New("", "licenses@paycheck.dev", false)
	return &env{svc: New(s, vault, lic, notifier), store: s, vault: vault, lic: lic}
}

func (e *env) createOrg(t *testing.T) *store.Organization {
	t.Helper()
	org, err := e.store.CreateOrganization(context.Background(), "Acme Software")
	require.NoError(t, err)
	return org
}

func (e *env) configureStripe(t *testing.T, orgID, secretKey, webhookSecret string) *store.Organization {
	t.Helper()
	raw, err := json.Marshal(store.StripeConfig{SecretKey: secretKey, WebhookSecret: webhookSecret})
	require.NoError(t, err)
	sealed, err := e.vault.EncryptString(orgID, string(raw))
	require.NoError(t, err)
	org, err := e.store.UpdateOrganization(context.Background(), orgID, store.OrgUpdate{
		StripeConfigCiphertext: store.SetTo(sealed),
	})
	require.NoError(t, err)
	return org
}

func (e *env) configureLemonSqueezy(t *testing.T, orgID, apiKey, storeID, webhookSecret string) *store.Organization {
	t.Helper()
	raw, err := json.Marshal(store.LemonSqueezyConfig{APIKey: apiKey, StoreID: storeID, WebhookSecret: webhookSecret})
	require.NoError(t, err)
	sealed, err := e.vault.EncryptString(orgID, string(raw))
	require.NoError(t, err)
	org, err := e.store.UpdateOrganization(context.Background(), orgID, store.OrgUpdate{
		LSConfigCiphertext: store.SetTo(sealed),
	})
	require.NoError(t, err)
	return org
}

func (e *env) createProject(t *testing.T, orgID, prefix string) *store.Project {
	t.Helper()
	material, err := token.Generate(store.SigningAlgEd25519)
	require.NoError(t, err)

	p := &store.Project{
		OrgID:            orgID,
		Name:             "Desktop App",
		LicenseKeyPrefix: prefix,
		SigningAlg:       material.Alg,
		PublicKeyPEM:     material.PublicKeyPEM,
		KeyID:            material.KeyID,
	}
	p.ID = store.NewID()
	sealed, err := e.vault.EncryptString(p.ID, material.PrivateKeyPEM)
	require.NoError(t, err)
	p.PrivateKeyCiphertext = sealed
	require.NoError(t, e.store.CreateProject(context.Background(), p))
	return p
}

func (e *env) createProduct(t *testing.T, projectID string, licenseExpDays, updatesExpDays *int) *store.Product {
	t.Helper()
	p := &store.Product{
		ProjectID:      projectID,
		Name:           "Pro",
		Tier:           "pro",
		DeviceLimit:    3,
		LicenseExpDays: licenseExpDays,
		UpdatesExpDays: updatesExpDays,
		Features:       []string{"export", "sync"},
	}
	require.NoError(t, e.store.CreateProduct(context.Background(), p))
	return p
}

func (e *env) createSession(t *testing.T, productID string, provider store.Provider, customerID *string) *store.PaymentSession {
	t.Helper()
	ps := &store.PaymentSession{ProductID: productID, Provider: provider, CustomerID: customerID}
	require.NoError(t, e.store.CreatePaymentSession(context.Background(), ps))
	return ps
}

func (e *env) countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB().QueryRow(query, args...).Scan(&n))
	return n
}

// stripeSig builds a Stripe-Signature header the way Stripe signs
// deliveries: HMAC-SHA256 over "<timestamp>.<payload>".
func stripeSig(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func lsSig(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func stripeCheckoutPayload(t *testing.T, eventID, sessionID, projectID, email, paymentStatus string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_test_789",
			"payment_status": paymentStatus,
			"customer":       "cus_42",
			"subscription":   "sub_42",
			"customer_email": email,
			"metadata": map[string]string{
				"paycheck_session_id": sessionID,
				"project_id":          projectID,
			},
		}},
	})
	require.NoError(t, err)
	return b
}

func stripeInvoicePayload(t *testing.T, eventID, billingReason, subscriptionID, status string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "invoice.paid",
		"data": map[string]any{"object": map[string]any{
			"billing_reason": billingReason,
			"subscription":   subscriptionID,
			"status":         status,
		}},
	})
	require.NoError(t, err)
	return b
}

func lsOrderPayload(t *testing.T, sessionID, projectID, orderID, email, status string, subscriptionID int64) []byte {
	t.Helper()
	attrs := map[string]any{
		"status":      status,
		"user_email":  email,
		"customer_id": 777,
	}
	if subscriptionID != 0 {
		attrs["first_order_item"] = map[string]any{"subscription_id": subscriptionID}
	}
	b, err := json.Marshal(map[string]any{
		"meta": map[string]any{
			"event_name": "order_created",
			"custom_data": map[string]string{
				"paycheck_session_id": sessionID,
				"project_id":          projectID,
			},
		},
		"data": map[string]any{"id": orderID, "attributes": attrs},
	})
	require.NoError(t, err)
	return b
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func strPtr(s string) *string { return &s }

func TestResolveProvider(t *testing.T) {
	ct := "ciphertext"
	def := store.ProviderLemonSqueezy

	t.Run("explicit stripe", func(t *testing.T) {
		p, err := ResolveProvider("stripe", &store.Organization{})
		require.NoError(t, err)
		assert.Equal(t, store.ProviderStripe, p)
	})

	t.Run("ls alias", func(t *testing.T) {
		p, err := ResolveProvider("ls", &store.Organization{})
		require.NoError(t, err)
		assert.Equal(t, store.ProviderLemonSqueezy, p)
	})

	t.Run("explicit invalid", func(t *testing.T) {
		_, err := ResolveProvider("paypal", &store.Organization{})
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("org default wins over single config", func(t *testing.T) {
		org := &store.Organization{PaymentProviderDefault: &def, StripeConfigCiphertext: &ct}
		p, err := ResolveProvider("", org)
		require.NoError(t, err)
		assert.Equal(t, store.ProviderLemonSqueezy, p)
	})

	t.Run("single configured provider", func(t *testing.T) {
		p, err := ResolveProvider("", &store.Organization{StripeConfigCiphertext: &ct})
		require.NoError(t, err)
		assert.Equal(t, store.ProviderStripe, p)

		p, err = ResolveProvider("", &store.Organization{LSConfigCiphertext: &ct})
		require.NoError(t, err)
		assert.Equal(t, store.ProviderLemonSqueezy, p)
	})

	t.Run("both configured is ambiguous", func(t *testing.T) {
		org := &store.Organization{StripeConfigCiphertext: &ct, LSConfigCiphertext: &ct}
		_, err := ResolveProvider("", org)
		require.True(t, errors.IsValidation(err))
		assert.Contains(t, err.Error(), "Multiple payment providers")
	})

	t.Run("none configured", func(t *testing.T) {
		_, err := ResolveProvider("", &store.Organization{})
		require.True(t, errors.IsValidation(err))
		assert.Contains(t, err.Error(), "No payment provider")
	})
}

func TestStripeCheckoutOneTimePrice(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	org = e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(365), nil)
	require.NoError(t, e.store.CreatePaymentConfig(ctx, &store.PaymentConfig{
		ProductID:  product.ID,
		Provider:   store.ProviderStripe,
		PriceCents: int64Ptr(1900),
		Currency:   strPtr("eur"),
	}))
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_123","url":"https://checkout.stripe.com/c/pay/cs_test_123"}`)
	}))
	defer srv.Close()
	e.svc.stripeAPIURL = srv.URL

	checkoutURL, err := e.svc.Checkout(ctx, org, project, product, session,
		"https://pay.example.com/callback?session="+session.ID, "https://pay.example.com/cancel")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_123", checkoutURL)

	assert.Equal(t, session.ID, form.Get("metadata[paycheck_session_id]"))
	assert.Equal(t, project.ID, form.Get("metadata[project_id]"))
	assert.Equal(t, product.ID, form.Get("metadata[product_id]"))
	assert.Equal(t, session.ID, form.Get("client_reference_id"))
	assert.Equal(t, "https://pay.example.com/callback?session="+session.ID, form.Get("success_url"))
	assert.Equal(t, "https://pay.example.com/cancel", form.Get("cancel_url"))
	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "1900", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "eur", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "Pro", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "1", form.Get("line_items[0][quantity]"))
}

func TestStripeCheckoutPriceIDUsesSubscriptionMode(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	org = e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(30), nil)
	require.NoError(t, e.store.CreatePaymentConfig(ctx, &store.PaymentConfig{
		ProductID:     product.ID,
		Provider:      store.ProviderStripe,
		StripePriceID: strPtr("price_123"),
	}))
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_456","url":"https://checkout.stripe.com/c/pay/cs_test_456"}`)
	}))
	defer srv.Close()
	e.svc.stripeAPIURL = srv.URL

	_, err := e.svc.Checkout(ctx, org, project, product, session,
		"https://pay.example.com/callback", "https://pay.example.com/cancel")
	require.NoError(t, err)

	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "price_123", form.Get("line_items[0][price]"))
	assert.Empty(t, form.Get("line_items[0][price_data][unit_amount]"))
}

func TestCheckoutValidationFailures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	// No Stripe credentials on the org.
	_, err := e.svc.Checkout(ctx, org, project, product, session, "https://x/cb", "https://x/cancel")
	require.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "Stripe is not configured")

	// Credentials but no payment config on the product.
	org = e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	_, err = e.svc.Checkout(ctx, org, project, product, session, "https://x/cb", "https://x/cancel")
	require.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "no Stripe payment config")

	// Config exists but carries neither a price id nor an amount.
	require.NoError(t, e.store.CreatePaymentConfig(ctx, &store.PaymentConfig{
		ProductID: product.ID,
		Provider:  store.ProviderStripe,
	}))
	_, err = e.svc.Checkout(ctx, org, project, product, session, "https://x/cb", "https://x/cancel")
	require.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "no Stripe price configured")
}

func TestLemonSqueezyCheckout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	org = e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(365), nil)
	require.NoError(t, e.store.CreatePaymentConfig(ctx, &store.PaymentConfig{
		ProductID:   product.ID,
		Provider:    store.ProviderLemonSqueezy,
		LSVariantID: strPtr("98765"),
	}))
	session := e.createSession(t, product.ID, store.ProviderLemonSqueezy, nil)

	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkouts", r.URL.Path)
		assert.Equal(t, "Bearer ls_key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.api+json", r.Header.Get("Accept"))
		assert.Equal(t, "application/vnd.api+json", r.Header.Get("Content-Type"))
		var err error
		body, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/vnd.api+json")
		fmt.Fprint(w, `{"data":{"id":"chk_1","attributes":{"url":"https://acme.lemonsqueezy.com/checkout/buy/abc"}}}`)
	}))
	defer srv.Close()
	e.svc.lsAPIURL = srv.URL

	checkoutURL, err := e.svc.Checkout(ctx, org, project, product, session,
		"https://pay.example.com/callback?session="+session.ID, "https://pay.example.com/cancel")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.lemonsqueezy.com/checkout/buy/abc", checkoutURL)

	var envlp lsCheckoutEnvelope
	require.NoError(t, json.Unmarshal(body, &envlp))
	assert.Equal(t, "checkouts", envlp.Data.Type)
	assert.Equal(t, session.ID, envlp.Data.Attributes.CheckoutData.Custom.PaycheckSessionID)
	assert.Equal(t, project.ID, envlp.Data.Attributes.CheckoutData.Custom.ProjectID)
	assert.Equal(t, product.ID, envlp.Data.Attributes.CheckoutData.Custom.ProductID)
	assert.Equal(t, "https://pay.example.com/callback?session="+session.ID, envlp.Data.Attributes.ProductOptions.RedirectURL)
	assert.Equal(t, "stores", envlp.Data.Relationships.Store.Data.Type)
	assert.Equal(t, "12345", envlp.Data.Relationships.Store.Data.ID)
	assert.Equal(t, "variants", envlp.Data.Relationships.Variant.Data.Type)
	assert.Equal(t, "98765", envlp.Data.Relationships.Variant.Data.ID)
	// The variant's own price applies; custom_price must be the literal null.
	assert.Contains(t, string(body), `"custom_price":null`)
}

func TestLemonSqueezyCheckoutRequiresVariant(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	org = e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	require.NoError(t, e.store.CreatePaymentConfig(ctx, &store.PaymentConfig{
		ProductID: product.ID,
		Provider:  store.ProviderLemonSqueezy,
	}))
	session := e.createSession(t, product.ID, store.ProviderLemonSqueezy, nil)

	_, err := e.svc.Checkout(ctx, org, project, product, session, "https://x/cb", "https://x/cancel")
	require.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "ls_variant_id")
}

func TestHandleStripeCheckoutCompleted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(365), intPtr(365))
	session := e.createSession(t, product.ID, store.ProviderStripe, strPtr("cust-7"))

	payload := stripeCheckoutPayload(t, "evt_1", session.ID, project.ID, "Buyer@Example.COM", "paid")
	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	require.NotEmpty(t, res.LicenseID)

	license, err := e.store.GetLicense(ctx, res.LicenseID)
	require.NoError(t, err)
	require.NotNil(t, license.EmailHash)
	assert.Equal(t, crypto.HashEmail("buyer@example.com"), *license.EmailHash)
	require.NotNil(t, license.PaymentProvider)
	assert.Equal(t, store.ProviderStripe, *license.PaymentProvider)
	require.NotNil(t, license.PaymentCustomerID)
	assert.Equal(t, "cus_42", *license.PaymentCustomerID)
	require.NotNil(t, license.PaymentSubscriptionID)
	assert.Equal(t, "sub_42", *license.PaymentSubscriptionID)
	require.NotNil(t, license.PaymentOrderID)
	assert.Equal(t, "cs_test_789", *license.PaymentOrderID)
	require.NotNil(t, license.CustomerID)
	assert.Equal(t, "cust-7", *license.CustomerID)
	require.NotNil(t, license.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), *license.ExpiresAt, time.Minute)

	refetched, err := e.store.GetPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, refetched.Completed)
	require.NotNil(t, refetched.LicenseID)
	assert.Equal(t, license.ID, *refetched.LicenseID)

	// The activation code is minted before the webhook returns, even
	// though delivery runs in the background.
	n := e.countRows(t, `SELECT COUNT(*) FROM activation_codes WHERE license_id = ?`, license.ID)
	assert.Equal(t, 1, n)
}

func TestHandleStripeDuplicateDelivery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	payload := stripeCheckoutPayload(t, "evt_dup", session.ID, project.ID, "buyer@example.com", "paid")
	sig := stripeSig(payload, "whsec_test")

	first, err := e.svc.HandleStripe(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "processed", first.Status)

	second, err := e.svc.HandleStripe(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", second.Status)
	assert.Empty(t, second.LicenseID)

	n := e.countRows(t, `SELECT COUNT(*) FROM licenses WHERE project_id = ?`, project.ID)
	assert.Equal(t, 1, n)
}

func TestHandleStripeBadSignature(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	payload := stripeCheckoutPayload(t, "evt_forged", session.ID, project.ID, "buyer@example.com", "paid")
	_, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_wrong"))
	require.Error(t, err)
	assert.Equal(t, errors.KindUnauthenticated, errors.KindOf(err))

	// A rejected delivery leaves no trace: no dedup row, session unclaimed.
	assert.Equal(t, 0, e.countRows(t, `SELECT COUNT(*) FROM webhook_events`))
	refetched, err := e.store.GetPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, refetched.Completed)
	assert.Equal(t, 0, e.countRows(t, `SELECT COUNT(*) FROM licenses WHERE project_id = ?`, project.ID))
}

func TestHandleStripeUnpaidIgnored(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	payload := stripeCheckoutPayload(t, "evt_unpaid", session.ID, project.ID, "buyer@example.com", "unpaid")
	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "Payment not completed", res.Detail)

	refetched, err := e.store.GetPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, refetched.Completed)
}

func TestHandleStripeUnknownSessionIgnored(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	e.createProduct(t, project.ID, nil, nil)

	payload := stripeCheckoutPayload(t, "evt_orphan", "ps_does_not_exist", project.ID, "buyer@example.com", "paid")
	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "Payment session not found", res.Detail)
}

func TestHandleStripeUnhandledEventType(t *testing.T) {
	e := newTestEnv(t)

	payload := []byte(`{"id":"evt_x","type":"payment_intent.succeeded","data":{"object":{}}}`)
	// Unhandled types never reach signature verification.
	res, err := e.svc.HandleStripe(context.Background(), payload, "t=1,v1=garbage")
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
}

func TestHandleStripeLostClaimIsDuplicate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	// Another delivery already claimed the session.
	claimed, err := e.store.TryClaimPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	payload := stripeCheckoutPayload(t, "evt_race", session.ID, project.ID, "buyer@example.com", "paid")
	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "duplicate", res.Status)
	assert.Equal(t, 0, e.countRows(t, `SELECT COUNT(*) FROM licenses WHERE project_id = ?`, project.ID))
}

func TestHandleStripeInvoicePaidRenews(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(30), intPtr(14))

	provider := store.ProviderStripe
	license, _, err := e.lic.IssueLicense(ctx, licensing.IssueParams{
		Project:               project,
		Product:               product,
		Email:                 "buyer@example.com",
		Provider:              &provider,
		PaymentSubscriptionID: strPtr("sub_99"),
	})
	require.NoError(t, err)

	// Age the license so the renewal is observable.
	stale := time.Now().Add(-5 * 24 * time.Hour).Unix()
	_, err = e.store.DB().Exec(`UPDATE licenses SET expires_at = ?, updates_expires_at = ? WHERE id = ?`, stale, stale, license.ID)
	require.NoError(t, err)

	payload := stripeInvoicePayload(t, "evt_renew", "subscription_cycle", "sub_99", "paid")
	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	assert.Equal(t, "License renewed", res.Detail)
	assert.Equal(t, license.ID, res.LicenseID)

	renewed, err := e.store.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	require.NotNil(t, renewed.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *renewed.ExpiresAt, time.Minute)
	require.NotNil(t, renewed.UpdatesExpiresAt)
	assert.WithinDuration(t, time.Now().Add(14*24*time.Hour), *renewed.UpdatesExpiresAt, time.Minute)
}

func TestHandleStripeInitialInvoiceIgnored(t *testing.T) {
	e := newTestEnv(t)

	payload := stripeInvoicePayload(t, "evt_first", "subscription_create", "sub_99", "paid")
	res, err := e.svc.HandleStripe(context.Background(), payload, "t=1,v1=unchecked")
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "Initial subscription handled by checkout", res.Detail)
}

func TestHandleStripeSubscriptionDeleted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(30), nil)

	provider := store.ProviderStripe
	license, _, err := e.lic.IssueLicense(ctx, licensing.IssueParams{
		Project:               project,
		Product:               product,
		Provider:              &provider,
		PaymentSubscriptionID: strPtr("sub_gone"),
	})
	require.NoError(t, err)
	require.NotNil(t, license.ExpiresAt)
	originalExpiry := *license.ExpiresAt

	payload, err := json.Marshal(map[string]any{
		"id":   "evt_cancel",
		"type": "customer.subscription.deleted",
		"data": map[string]any{"object": map[string]any{"id": "sub_gone"}},
	})
	require.NoError(t, err)

	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	assert.Contains(t, res.Detail, "expires naturally")

	// Cancellation is informational: the paid-for period stands.
	after, err := e.store.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.False(t, after.Revoked)
	require.NotNil(t, after.ExpiresAt)
	assert.WithinDuration(t, originalExpiry, *after.ExpiresAt, time.Second)
}

func TestHandleLemonSqueezyOrderCreated(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(365), nil)
	session := e.createSession(t, product.ID, store.ProviderLemonSqueezy, nil)

	payload := lsOrderPayload(t, session.ID, project.ID, "ord_1", "buyer@example.com", "paid", 4242)
	res, err := e.svc.HandleLemonSqueezy(ctx, payload, lsSig(payload, "ls_secret"))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	require.NotEmpty(t, res.LicenseID)

	license, err := e.store.GetLicense(ctx, res.LicenseID)
	require.NoError(t, err)
	require.NotNil(t, license.EmailHash)
	assert.Equal(t, crypto.HashEmail("buyer@example.com"), *license.EmailHash)
	require.NotNil(t, license.PaymentProvider)
	assert.Equal(t, store.ProviderLemonSqueezy, *license.PaymentProvider)
	require.NotNil(t, license.PaymentCustomerID)
	assert.Equal(t, "777", *license.PaymentCustomerID)
	require.NotNil(t, license.PaymentSubscriptionID)
	assert.Equal(t, "4242", *license.PaymentSubscriptionID)
	require.NotNil(t, license.PaymentOrderID)
	assert.Equal(t, "ord_1", *license.PaymentOrderID)

	refetched, err := e.store.GetPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, refetched.Completed)

	// Same delivery again: the name+id dedup key catches it.
	dup, err := e.svc.HandleLemonSqueezy(ctx, payload, lsSig(payload, "ls_secret"))
	require.NoError(t, err)
	assert.Equal(t, "duplicate", dup.Status)
}

func TestHandleLemonSqueezySignature(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderLemonSqueezy, nil)

	payload := lsOrderPayload(t, session.ID, project.ID, "ord_2", "buyer@example.com", "paid", 0)

	_, err := e.svc.HandleLemonSqueezy(ctx, payload, "")
	require.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "x-signature")

	_, err = e.svc.HandleLemonSqueezy(ctx, payload, lsSig(payload, "wrong_secret"))
	require.Error(t, err)
	assert.Equal(t, errors.KindUnauthenticated, errors.KindOf(err))

	assert.Equal(t, 0, e.countRows(t, `SELECT COUNT(*) FROM webhook_events`))
	refetched, err := e.store.GetPaymentSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, refetched.Completed)
}

func TestHandleLemonSqueezyUnpaidOrderIgnored(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, nil, nil)
	session := e.createSession(t, product.ID, store.ProviderLemonSqueezy, nil)

	payload := lsOrderPayload(t, session.ID, project.ID, "ord_3", "buyer@example.com", "pending", 0)
	res, err := e.svc.HandleLemonSqueezy(ctx, payload, lsSig(payload, "ls_secret"))
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "Order not paid", res.Detail)
}

func TestHandleLemonSqueezySubscriptionPayment(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(30), nil)

	provider := store.ProviderLemonSqueezy
	license, _, err := e.lic.IssueLicense(ctx, licensing.IssueParams{
		Project:               project,
		Product:               product,
		Provider:              &provider,
		PaymentSubscriptionID: strPtr("4242"),
	})
	require.NoError(t, err)

	stale := time.Now().Add(-10 * 24 * time.Hour).Unix()
	_, err = e.store.DB().Exec(`UPDATE licenses SET expires_at = ? WHERE id = ?`, stale, license.ID)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": "subscription_payment_success"},
		"data": map[string]any{
			"id":         "inv_1",
			"attributes": map[string]any{"subscription_id": 4242, "status": "paid"},
		},
	})
	require.NoError(t, err)

	res, err := e.svc.HandleLemonSqueezy(ctx, payload, lsSig(payload, "ls_secret"))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	assert.Equal(t, "License renewed", res.Detail)

	renewed, err := e.store.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	require.NotNil(t, renewed.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *renewed.ExpiresAt, time.Minute)
}

func TestHandleLemonSqueezySubscriptionCancelled(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureLemonSqueezy(t, org.ID, "ls_key", "12345", "ls_secret")
	project := e.createProject(t, org.ID, "ACME")
	product := e.createProduct(t, project.ID, intPtr(30), nil)

	provider := store.ProviderLemonSqueezy
	license, _, err := e.lic.IssueLicense(ctx, licensing.IssueParams{
		Project:               project,
		Product:               product,
		Provider:              &provider,
		PaymentSubscriptionID: strPtr("5151"),
	})
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": "subscription_cancelled"},
		"data": map[string]any{"id": "5151", "attributes": map[string]any{}},
	})
	require.NoError(t, err)

	res, err := e.svc.HandleLemonSqueezy(ctx, payload, lsSig(payload, "ls_secret"))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	assert.Contains(t, res.Detail, "expires naturally")

	after, err := e.store.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.False(t, after.Revoked)
}

func TestHandleLemonSqueezyUnhandledEvent(t *testing.T) {
	e := newTestEnv(t)

	payload := []byte(`{"meta":{"event_name":"subscription_resumed"},"data":{"id":"1","attributes":{}}}`)
	res, err := e.svc.HandleLemonSqueezy(context.Background(), payload, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
}

func TestPurchaseCodeDelivery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	org := e.createOrg(t)
	e.configureStripe(t, org.ID, "sk_test_key", "whsec_test")

	received := make(chan map[string]any, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		payload["_event_header"] = r.Header.Get("X-Paycheck-Event")
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	project := e.createProject(t, org.ID, "ACME")
	_, err := e.store.UpdateProject(ctx, project.ID, store.ProjectUpdate{
		EmailEnabled:    store.SetTo(true),
		EmailWebhookURL: store.SetTo(hook.URL),
	})
	require.NoError(t, err)

	product := e.createProduct(t, project.ID, intPtr(365), nil)
	session := e.createSession(t, product.ID, store.ProviderStripe, nil)

	payload := stripeCheckoutPayload(t, "evt_notify", session.ID, project.ID, "buyer@example.com", "paid")
	res, err := e.svc.HandleStripe(ctx, payload, stripeSig(payload, "whsec_test"))
	require.NoError(t, err)
	require.Equal(t, "processed", res.Status)

	select {
	case got := <-received:
		assert.Equal(t, "activation_code_created", got["_event_header"])
		assert.Equal(t, "activation_code_created", got["event"])
		assert.Equal(t, "buyer@example.com", got["email"])
		assert.Equal(t, "purchase", got["trigger"])
		assert.Equal(t, res.LicenseID, got["license_id"])
		code, _ := got["code"].(string)
		assert.True(t, strings.HasPrefix(code, "ACME-"), "code %q should carry the project prefix", code)
	case <-time.After(3 * time.Second):
		t.Fatal("activation code webhook was not delivered")
	}
}
