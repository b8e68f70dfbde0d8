package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
)

const lemonSqueezyAPIURL = "https://api.lemonsqueezy.com"

// LemonSqueezy checkout envelope (JSON:API). custom_price stays null; the
// variant's own price applies.
type lsCheckoutEnvelope struct {
	Data lsCheckoutObject `json:"data"`
}

type lsCheckoutObject struct {
	Type          string              `json:"type"`
	Attributes    lsCheckoutAttrs     `json:"attributes"`
	Relationships lsCheckoutRelations `json:"relationships"`
}

type lsCheckoutAttrs struct {
	CustomPrice     *int64            `json:"custom_price"`
	ProductOptions  lsProductOptions  `json:"product_options"`
	CheckoutOptions lsCheckoutOptions `json:"checkout_options"`
	CheckoutData    lsCheckoutCustom  `json:"checkout_data"`
}

type lsProductOptions struct {
	RedirectURL string `json:"redirect_url"`
}

type lsCheckoutOptions struct {
	ButtonColor string `json:"button_color"`
}

type lsCheckoutCustom struct {
	Custom lsCustomData `json:"custom"`
}

// lsCustomData rides the checkout and comes back in webhook meta so the
// event can be tied to the session that started it.
type lsCustomData struct {
	PaycheckSessionID string `json:"paycheck_session_id"`
	ProjectID         string `json:"project_id"`
	ProductID         string `json:"product_id"`
}

type lsRelationship struct {
	Data lsRelationshipID `json:"data"`
}

type lsRelationshipID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type lsCheckoutRelations struct {
	Store   lsRelationship `json:"store"`
	Variant lsRelationship `json:"variant"`
}

type lsCheckoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

func (s *Service) lemonSqueezyCheckout(ctx context.Context, cfg *store.LemonSqueezyConfig, project *store.Project, product *store.Product, variantID string, session *store.PaymentSession, callbackURL string) (string, error) {
	envelope := lsCheckoutEnvelope{
		Data: lsCheckoutObject{
			Type: "checkouts",
			Attributes: lsCheckoutAttrs{
				ProductOptions:  lsProductOptions{RedirectURL: callbackURL},
				CheckoutOptions: lsCheckoutOptions{ButtonColor: "#7c3aed"},
				CheckoutData: lsCheckoutCustom{
					Custom: lsCustomData{
						PaycheckSessionID: session.ID,
						ProjectID:         project.ID,
						ProductID:         product.ID,
					},
				},
			},
			Relationships: lsCheckoutRelations{
				Store:   lsRelationship{Data: lsRelationshipID{Type: "stores", ID: cfg.StoreID}},
				Variant: lsRelationship{Data: lsRelationshipID{Type: "variants", ID: variantID}},
			},
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Internal("payments.lemonSqueezyCheckout", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.lsAPIURL+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return "", errors.Internal("payments.lemonSqueezyCheckout", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "application/vnd.api+json")
	req.Header.Set("Content-Type", "application/vnd.api+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Internal("payments.lemonSqueezyCheckout", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Internal("payments.lemonSqueezyCheckout",
			fmt.Errorf("lemonsqueezy API error (HTTP %d): %s", resp.StatusCode, respBody))
	}

	var checkout lsCheckoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkout); err != nil {
		return "", errors.Internal("payments.lemonSqueezyCheckout", err)
	}
	return checkout.Data.Attributes.URL, nil
}

// verifyLemonSqueezy checks the hex HMAC-SHA256 x-signature over the raw
// payload in constant time.
func verifyLemonSqueezy(payload []byte, signature, secret string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.Unauthenticated("Invalid signature")
	}
	return nil
}

type lsWebhookEvent struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			PaycheckSessionID string `json:"paycheck_session_id"`
			ProjectID         string `json:"project_id"`
			ProductID         string `json:"product_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type lsOrderAttributes struct {
	Status         string `json:"status"`
	UserEmail      string `json:"user_email"`
	CustomerID     int64  `json:"customer_id"`
	FirstOrderItem *struct {
		SubscriptionID *int64 `json:"subscription_id"`
	} `json:"first_order_item"`
}

type lsSubscriptionInvoiceAttributes struct {
	SubscriptionID int64  `json:"subscription_id"`
	Status         string `json:"status"`
}

// HandleLemonSqueezy reconciles one LemonSqueezy webhook delivery.
// LemonSqueezy sends no event id, so dedup keys on event name + object id,
// which retries of the same delivery share.
func (s *Service) HandleLemonSqueezy(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if signature == "" {
		return nil, errors.Validation("Missing x-signature header")
	}

	var event lsWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Validation("Invalid JSON payload")
	}

	switch event.Meta.EventName {
	case "order_created":
		return s.lsOrderCreated(ctx, payload, signature, &event)
	case "subscription_payment_success":
		return s.lsSubscriptionPayment(ctx, payload, signature, &event)
	case "subscription_cancelled":
		return s.lsSubscriptionCancelled(ctx, payload, signature, &event)
	default:
		log.Debug().Str("event", event.Meta.EventName).Msg("LemonSqueezy webhook ignored (unhandled type)")
		return ignored("Event ignored"), nil
	}
}

func (s *Service) lsOrderCreated(ctx context.Context, payload []byte, signature string, event *lsWebhookEvent) (*Result, error) {
	var order lsOrderAttributes
	if err := json.Unmarshal(event.Data.Attributes, &order); err != nil {
		return nil, errors.Validation("Invalid order attributes")
	}

	sessionID := event.Meta.CustomData.PaycheckSessionID
	if sessionID == "" {
		return ignored("No paycheck session ID"), nil
	}
	projectID := event.Meta.CustomData.ProjectID
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
	cfg, err := org.LemonSqueezyConfig(s.vault)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ignored("LemonSqueezy not configured"), nil
	}

	if err := verifyLemonSqueezy(payload, signature, cfg.WebhookSecret); err != nil {
		return nil, err
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, store.ProviderLemonSqueezy, "order_created:"+event.Data.ID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return duplicate(), nil
	}

	if order.Status != "paid" {
		return ignored("Order not paid"), nil
	}

	var subscriptionID *string
	if order.FirstOrderItem != nil && order.FirstOrderItem.SubscriptionID != nil {
		id := int64Str(*order.FirstOrderItem.SubscriptionID)
		subscriptionID = &id
	}
	var customerID *string
	if order.CustomerID != 0 {
		id := int64Str(order.CustomerID)
		customerID = &id
	}

	return s.completeCheckout(ctx, org, project, checkoutFacts{
		provider:       store.ProviderLemonSqueezy,
		sessionID:      sessionID,
		email:          order.UserEmail,
		customerID:     customerID,
		subscriptionID: subscriptionID,
		orderID:        optStr(event.Data.ID),
	})
}

func (s *Service) lsSubscriptionPayment(ctx context.Context, payload []byte, signature string, event *lsWebhookEvent) (*Result, error) {
	var invoice lsSubscriptionInvoiceAttributes
	if err := json.Unmarshal(event.Data.Attributes, &invoice); err != nil {
		return nil, errors.Validation("Invalid subscription invoice")
	}
	if invoice.SubscriptionID == 0 {
		return ignored("No subscription ID"), nil
	}
	subscriptionID := int64Str(invoice.SubscriptionID)

	license, err := s.store.GetLicenseBySubscription(ctx, store.ProviderLemonSqueezy, subscriptionID)
	if err != nil {
		return nil, err
	}
	if license == nil {
		log.Warn().Str("subscriptionId", subscriptionID).Msg("No license for LemonSqueezy subscription")
		return ignored("License not found for subscription"), nil
	}

	product, project, org, err := s.licenseChain(ctx, license)
	if err != nil {
		if errors.IsNotFound(err) {
			return ignored("License owner chain not found"), nil
		}
		return nil, err
	}
	cfg, err := org.LemonSqueezyConfig(s.vault)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ignored("LemonSqueezy not configured"), nil
	}

	if err := verifyLemonSqueezy(payload, signature, cfg.WebhookSecret); err != nil {
		return nil, err
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, store.ProviderLemonSqueezy, "subscription_payment_success:"+event.Data.ID)
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
		Str("subscriptionId", subscriptionID).
		Str("licenseId", license.ID).
		Str("projectId", project.ID).
		Msg("LemonSqueezy subscription renewed")
	return processed(license.ID, "License renewed"), nil
}

func (s *Service) lsSubscriptionCancelled(ctx context.Context, payload []byte, signature string, event *lsWebhookEvent) (*Result, error) {
	// For subscription events, data.id is the subscription id.
	subscriptionID := event.Data.ID
	if subscriptionID == "" {
		return ignored("No subscription ID"), nil
	}

	license, err := s.store.GetLicenseBySubscription(ctx, store.ProviderLemonSqueezy, subscriptionID)
	if err != nil {
		return nil, err
	}
	if license == nil {
		log.Warn().Str("subscriptionId", subscriptionID).Msg("No license for LemonSqueezy subscription")
		return ignored("License not found for subscription"), nil
	}

	_, _, org, err := s.licenseChain(ctx, license)
	if err != nil {
		if errors.IsNotFound(err) {
			return ignored("License owner chain not found"), nil
		}
		return nil, err
	}
	cfg, err := org.LemonSqueezyConfig(s.vault)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ignored("LemonSqueezy not configured"), nil
	}

	if err := verifyLemonSqueezy(payload, signature, cfg.WebhookSecret); err != nil {
		return nil, err
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, store.ProviderLemonSqueezy, "subscription_cancelled:"+event.Data.ID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return duplicate(), nil
	}

	log.Info().
		Str("subscriptionId", subscriptionID).
		Str("licenseId", license.ID).
		Msg("LemonSqueezy subscription cancelled, license will expire naturally")
	return processed(license.ID, "Subscription cancelled; license expires naturally"), nil
}
