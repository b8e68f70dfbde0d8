package payments

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
)

// stripeClient builds a per-call API client. Keys are per-organization, so
// the package-global stripe.Key is never touched.
func (s *Service) stripeClient(secretKey string) *client.API {
	backends := stripe.NewBackends(s.client)
	if s.stripeAPIURL != "" {
		backends.API = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:        stripe.String(s.stripeAPIURL),
			HTTPClient: s.client,
		})
	}
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return sc
}

func (s *Service) stripeCheckout(ctx context.Context, cfg *store.StripeConfig, project *store.Project, product *store.Product, pc *store.PaymentConfig, session *store.PaymentSession, callbackURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(callbackURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(session.ID),
	}
	params.Context = ctx
	params.AddMetadata("paycheck_session_id", session.ID)
	params.AddMetadata("project_id", project.ID)
	params.AddMetadata("product_id", product.ID)

	switch {
	case pc.StripePriceID != nil && *pc.StripePriceID != "":
		// A configured price id is how subscription products are sold;
		// the price's own recurrence drives the renewal webhooks.
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(*pc.StripePriceID),
			Quantity: stripe.Int64(1),
		}}
	case pc.PriceCents != nil:
		currency := "usd"
		if pc.Currency != nil && *pc.Currency != "" {
			currency = *pc.Currency
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(*pc.PriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(product.Name),
				},
			},
			Quantity: stripe.Int64(1),
		}}
	default:
		return "", errors.Validation("Product has no Stripe price configured. Set stripe_price_id or price_cents in the payment config.")
	}

	out, err := s.stripeClient(cfg.SecretKey).CheckoutSessions.New(params)
	if err != nil {
		return "", errors.Internal("payments.stripeCheckout", err)
	}
	return out.URL, nil
}

// Local event shapes: only the fields reconciliation reads, decoded from
// the raw payload so provider API-version churn cannot break parsing.
type stripeCheckoutSession struct {
	ID              string `json:"id"`
	PaymentStatus   string `json:"payment_status"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	Status        string `json:"status"`
}

type stripeSubscription struct {
	ID string `json:"id"`
}

// HandleStripe reconciles one Stripe webhook delivery. The payload is
// parsed before verification only to find which organization's secret
// verifies it; nothing is persisted until the signature holds.
func (s *Service) HandleStripe(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	var peek struct {
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return nil, errors.Validation("Invalid JSON payload")
	}

	switch peek.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(peek.Data.Object, &session); err != nil {
			return nil, errors.Validation("Invalid checkout session")
		}
		return s.stripeCheckoutCompleted(ctx, payload, sigHeader, &session)
	case "invoice.paid":
		var invoice stripeInvoice
		if err := json.Unmarshal(peek.Data.Object, &invoice); err != nil {
			return nil, errors.Validation("Invalid invoice")
		}
		return s.stripeInvoicePaid(ctx, payload, sigHeader, &invoice)
	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(peek.Data.Object, &sub); err != nil {
			return nil, errors.Validation("Invalid subscription")
		}
		return s.stripeSubscriptionDeleted(ctx, payload, sigHeader, &sub)
	default:
		log.Debug().Str("type", peek.Type).Msg("Stripe webhook ignored (unhandled type)")
		return ignored("Event ignored"), nil
	}
}

func verifyStripe(payload []byte, sigHeader, secret string) (*stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Unauthenticated("Invalid signature")
	}
	return &event, nil
}

func (s *Service) stripeCheckoutCompleted(ctx context.Context, payload []byte, sigHeader string, session *stripeCheckoutSession) (*Result, error) {
	sessionID := session.Metadata["paycheck_session_id"]
	if sessionID == "" {
		return ignored("No paycheck session ID"), nil
	}
	projectID := session.Metadata["project_id"]
	if projectID == "" {
		return ignored("No project ID"), nil
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return ignored("Project not found"), nil
		}
		return nil, err
	}
	org, err := s.store.GetOrganization(ctx, project.OrgID)
	if err != nil {
		return nil, err
	}
	cfg, err := org.StripeConfig(s.vault)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ignored("Stripe not configured"), nil
	}

	event, err := verifyStripe(payload, sigHeader, cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, store.ProviderStripe, event.ID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return duplicate(), nil
	}

	if session.PaymentStatus != "paid" {
		return ignored("Payment not completed"), nil
	}

	email := session.CustomerEmail
	if email == "" {
		email = session.CustomerDetails.Email
	}

	return s.completeCheckout(ctx, org, project, checkoutFacts{
		provider:       store.ProviderStripe,
		sessionID:      sessionID,
		email:          email,
		customerID:     optStr(session.Customer),
		subscriptionID: optStr(session.Subscription),
		orderID:        optStr(session.ID),
	})
}

func (s *Service) stripeInvoicePaid(ctx context.Context, payload []byte, sigHeader string, invoice *stripeInvoice) (*Result, error) {
	switch invoice.BillingReason {
	case "subscription_cycle", "subscription_update":
	case "subscription_create":
		// The first invoice rides checkout.session.completed.
		return ignored("Initial subscription handled by checkout"), nil
	default:
		return ignored("Not a subscription renewal"), nil
	}

	if invoice.Subscription == "" {
		return ignored("No subscription ID"), nil
	}

	license, err := s.store.GetLicenseBySubscription(ctx, store.ProviderStripe, invoice.Subscription)
	if err != nil {
		return nil, err
	}
	if license == nil {
		log.Warn().Str("subscriptionId", invoice.Subscription).Msg("No license for Stripe subscription")
		return ignored("License not found for subscription"), nil
	}

	product, project, org, err := s.licenseChain(ctx, license)
	if err != nil {
		if errors.IsNotFound(err) {
			return ignored("License owner chain not found"), nil
		}
		return nil, err
	}
	cfg, err := org.StripeConfig(s.vault)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ignored("Stripe not configured"), nil
	}

	event, err := verifyStripe(payload, sigHeader, cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, store.ProviderStripe, event.ID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return duplicate(), nil
	}

	if invoice.Status != "paid" {
		return ignored("Invoice not paid"), nil
	}

	if err := s.renewLicense(ctx, license, product); err != nil {
		return nil, err
	}

	log.Info().
		Str("subscriptionId", invoice.Subscription).
		Str("licenseId", license.ID).
		Str("projectId", project.ID).
		Msg("Stripe subscription renewed")
	return processed(license.ID, "License renewed"), nil
}

func (s *Service) stripeSubscriptionDeleted(ctx context.Context, payload []byte, sigHeader string, sub *stripeSubscription) (*Result, error) {
	if sub.ID == "" {
		return ignored("No subscription ID"), nil
	}

	license, err := s.store.GetLicenseBySubscription(ctx, store.ProviderStripe, sub.ID)
	if err != nil {
		return nil, err
	}
	if license == nil {
		log.Warn().Str("subscriptionId", sub.ID).Msg("No license for Stripe subscription")
		return ignored("License not found for subscription"), nil
	}

	_, _, org, err := s.licenseChain(ctx, license)
	if err != nil {
		if errors.IsNotFound(err) {
			return ignored("License owner chain not found"), nil
		}
		return nil, err
	}
	cfg, err := org.StripeConfig(s.vault)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ignored("Stripe not configured"), nil
	}

	event, err := verifyStripe(payload, sigHeader, cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, store.ProviderStripe, event.ID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return duplicate(), nil
	}

	// The customer paid for the current period; the license keeps its
	// expires_at and runs out naturally.
	log.Info().
		Str("subscriptionId", sub.ID).
		Str("licenseId", license.ID).
		Msg("Stripe subscription cancelled, license will expire naturally")
	return processed(license.ID, "Subscription cancelled; license expires naturally"), nil
}
