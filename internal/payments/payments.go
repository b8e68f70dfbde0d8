// Package payments creates provider checkout sessions and reconciles the
// webhooks they send back into licenses. Stripe goes through stripe-go;
// LemonSqueezy has no Go SDK and is spoken to directly.
package payments

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/notify"
	"github.com/paychecklabs/paycheck/internal/outbound"
	"github.com/paychecklabs/paycheck/internal/store"
)

// Service owns checkout creation and webhook reconciliation for both
// providers.
type Service struct {
	store     *store.Store
	vault     *crypto.Vault
	licensing *licensing.Service
	notifier  *notify.Dispatcher

	client *http.Client

	// Provider endpoints are fixed in production; tests point them at
	// local servers.
	stripeAPIURL string
	lsAPIURL     string
}

// New wires the reconciler. The licensing service mints the licenses and
// codes; the notifier delivers them.
func New(st *store.Store, vault *crypto.Vault, lic *licensing.Service, notifier *notify.Dispatcher) *Service {
	return &Service{
		store:     st,
		vault:     vault,
		licensing: lic,
		notifier:  notifier,
		client:    outbound.NewClient(30 * time.Second),
		lsAPIURL:  lemonSqueezyAPIURL,
	}
}

// ResolveProvider picks the checkout provider for a purchase: the explicit
// request wins, then the organization default, then the only configured
// one. Both or neither configured without an explicit choice is a caller
// error.
func ResolveProvider(requested string, org *store.Organization) (store.Provider, error) {
	if requested != "" {
		p := store.Provider(requested)
		if requested == "ls" {
			p = store.ProviderLemonSqueezy
		}
		if !p.Valid() {
			return "", errors.Validationf("Invalid provider %q", requested)
		}
		return p, nil
	}

	if org.PaymentProviderDefault != nil {
		if !org.PaymentProviderDefault.Valid() {
			return "", errors.Validation("Invalid default payment provider on organization")
		}
		return *org.PaymentProviderDefault, nil
	}

	hasStripe := org.StripeConfigCiphertext != nil
	hasLS := org.LSConfigCiphertext != nil
	switch {
	case hasStripe && !hasLS:
		return store.ProviderStripe, nil
	case hasLS && !hasStripe:
		return store.ProviderLemonSqueezy, nil
	case hasStripe && hasLS:
		return "", errors.Validation("Multiple payment providers configured. Specify 'provider' (stripe or lemonsqueezy).")
	default:
		return "", errors.Validation("No payment provider configured")
	}
}

// Checkout creates the provider-side checkout for an already persisted
// payment session and returns the URL the customer is sent to.
func (s *Service) Checkout(ctx context.Context, org *store.Organization, project *store.Project, product *store.Product, session *store.PaymentSession, callbackURL, cancelURL string) (string, error) {
	switch session.Provider {
	case store.ProviderStripe:
		cfg, err := org.StripeConfig(s.vault)
		if err != nil {
			return "", err
		}
		if cfg == nil {
			return "", errors.Validation("Stripe is not configured for this organization")
		}
		pc, err := s.store.GetPaymentConfig(ctx, product.ID, store.ProviderStripe)
		if err != nil {
			if errors.IsNotFound(err) {
				return "", errors.Validation("Product has no Stripe payment config")
			}
			return "", err
		}
		return s.stripeCheckout(ctx, cfg, project, product, pc, session, callbackURL, cancelURL)

	case store.ProviderLemonSqueezy:
		cfg, err := org.LemonSqueezyConfig(s.vault)
		if err != nil {
			return "", err
		}
		if cfg == nil {
			return "", errors.Validation("LemonSqueezy is not configured for this organization")
		}
		pc, err := s.store.GetPaymentConfig(ctx, product.ID, store.ProviderLemonSqueezy)
		if err != nil {
			if errors.IsNotFound(err) {
				return "", errors.Validation("Product has no LemonSqueezy payment config")
			}
			return "", err
		}
		if pc.LSVariantID == nil || *pc.LSVariantID == "" {
			return "", errors.Validation("Product has no ls_variant_id configured. Set it in the payment config.")
		}
		return s.lemonSqueezyCheckout(ctx, cfg, project, product, *pc.LSVariantID, session, callbackURL)

	default:
		return "", errors.Validationf("Invalid payment provider %q", session.Provider)
	}
}

// Result is a webhook delivery's resolution. Every non-error outcome
// answers HTTP 200 so the provider stops retrying.
type Result struct {
	Status    string `json:"status"` // processed | duplicate | ignored
	Detail    string `json:"detail,omitempty"`
	LicenseID string `json:"-"`
}

func processed(licenseID, detail string) *Result {
	return &Result{Status: "processed", Detail: detail, LicenseID: licenseID}
}

func duplicate() *Result {
	return &Result{Status: "duplicate", Detail: "Already processed"}
}

func ignored(detail string) *Result {
	return &Result{Status: "ignored", Detail: detail}
}

// completeCheckout is the shared success path for a paid checkout/order:
// claim the session exactly once, issue the license, mint an activation
// code and hand delivery to the background.
type checkoutFacts struct {
	provider       store.Provider
	sessionID      string
	email          string // plaintext from the provider event, may be ""
	customerID     *string
	subscriptionID *string
	orderID        *string
}

func (s *Service) completeCheckout(ctx context.Context, org *store.Organization, project *store.Project, facts checkoutFacts) (*Result, error) {
	ps, err := s.store.GetPaymentSession(ctx, facts.sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return ignored("Payment session not found"), nil
		}
		return nil, err
	}

	// Claim before issue: a double-issued license is worse than a claim
	// lost to a crashed handler.
	claimed, err := s.store.TryClaimPaymentSession(ctx, facts.sessionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return duplicate(), nil
	}

	product, err := s.store.GetProduct(ctx, ps.ProductID)
	if err != nil {
		return nil, err
	}

	license, _, err := s.licensing.IssueLicense(ctx, licensing.IssueParams{
		Project:               project,
		Product:               product,
		Email:                 facts.email,
		CustomerID:            ps.CustomerID,
		Provider:              &facts.provider,
		PaymentCustomerID:     facts.customerID,
		PaymentSubscriptionID: facts.subscriptionID,
		PaymentOrderID:        facts.orderID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.SetPaymentSessionLicense(ctx, facts.sessionID, license.ID); err != nil {
		return nil, err
	}

	s.deliverPurchaseCode(ctx, org, project, product, license, facts.email)

	log.Info().
		Str("provider", string(facts.provider)).
		Str("sessionId", facts.sessionID).
		Str("licenseId", license.ID).
		Msg("Checkout completed, license issued")
	return processed(license.ID, ""), nil
}

// deliverPurchaseCode mints the activation code synchronously (it must
// exist before the provider gets its 200) and backgrounds the delivery.
func (s *Service) deliverPurchaseCode(ctx context.Context, org *store.Organization, project *store.Project, product *store.Product, license *store.License, email string) {
	if email == "" {
		log.Debug().Str("licenseId", license.ID).Msg("No customer email on checkout, skipping activation code delivery")
		return
	}

	code, ac, err := s.licensing.NewActivationCode(ctx, project, license.ID)
	if err != nil {
		log.Error().Err(err).Str("licenseId", license.ID).Msg("Failed to mint purchase activation code")
		return
	}

	orgKey, err := org.ResendAPIKey(s.vault)
	if err != nil {
		log.Error().Err(err).Str("orgId", org.ID).Msg("Failed to decrypt org Resend key, falling back to system key")
		orgKey = ""
	}

	cfg := notify.SendConfig{
		To:          email,
		Code:        code,
		ExpiresAt:   ac.ExpiresAt,
		ProductName: product.Name,
		LicenseID:   license.ID,
		PurchasedAt: license.CreatedAt,
		Project:     project,
		OrgKey:      orgKey,
		Trigger:     notify.TriggerPurchase,
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		outcome, err := s.notifier.SendActivationCode(sendCtx, cfg)
		if err != nil {
			log.Error().Err(err).Str("licenseId", license.ID).Msg("Failed to deliver purchase activation code")
			return
		}
		log.Debug().Str("licenseId", license.ID).Str("outcome", string(outcome)).Msg("Purchase activation code dispatched")
	}()
}

// renewLicense recomputes both expiration windows from the product's day
// settings, anchored at the renewal instant.
func (s *Service) renewLicense(ctx context.Context, license *store.License, product *store.Product) error {
	now := time.Now().UTC()
	return s.store.ExtendLicenseExpiration(ctx, license.ID,
		unixFromDays(product.LicenseExpDays, now),
		unixFromDays(product.UpdatesExpDays, now))
}

// licenseChain loads product, project and org for a license, the reverse
// walk renewal webhooks need to find the org's webhook secret.
func (s *Service) licenseChain(ctx context.Context, license *store.License) (*store.Product, *store.Project, *store.Organization, error) {
	product, err := s.store.GetProduct(ctx, license.ProductID)
	if err != nil {
		return nil, nil, nil, err
	}
	project, err := s.store.GetProject(ctx, product.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	org, err := s.store.GetOrganization(ctx, project.OrgID)
	if err != nil {
		return nil, nil, nil, err
	}
	return product, project, org, nil
}

func unixFromDays(days *int, from time.Time) *int64 {
	if days == nil {
		return nil
	}
	v := from.Add(time.Duration(*days) * 24 * time.Hour).Unix()
	return &v
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int64Str(v int64) string {
	return strconv.FormatInt(v, 10)
}
