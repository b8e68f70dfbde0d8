package api

import (
	"io"
	"net/http"

	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/payments"
)

// WebhookHandlers receives provider payment events. Authentication is the
// provider's payload signature, never an API key.
type WebhookHandlers struct {
	payments *payments.Service
	metrics  *Metrics
}

func NewWebhookHandlers(p *payments.Service, m *Metrics) *WebhookHandlers {
	return &WebhookHandlers{payments: p, metrics: m}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// Stripe handles checkout.session.completed and subscription lifecycle
// events. Signature failures are 401 so Stripe retries nothing.
func (h *WebhookHandlers) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := readWebhookBody(w, r)
	if err != nil {
		h.metrics.RecordWebhook("stripe", "rejected")
		writeError(w, r, err)
		return
	}

	result, err := h.payments.HandleStripe(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.metrics.RecordWebhook("stripe", webhookErrorOutcome(err))
		writeError(w, r, err)
		return
	}

	h.metrics.RecordWebhook("stripe", result.Status)
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: result.Status})
}

// LemonSqueezy handles order_created and subscription lifecycle events.
func (h *WebhookHandlers) LemonSqueezy(w http.ResponseWriter, r *http.Request) {
	payload, err := readWebhookBody(w, r)
	if err != nil {
		h.metrics.RecordWebhook("lemonsqueezy", "rejected")
		writeError(w, r, err)
		return
	}

	result, err := h.payments.HandleLemonSqueezy(r.Context(), payload, r.Header.Get("X-Signature"))
	if err != nil {
		h.metrics.RecordWebhook("lemonsqueezy", webhookErrorOutcome(err))
		writeError(w, r, err)
		return
	}

	h.metrics.RecordWebhook("lemonsqueezy", result.Status)
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: result.Status})
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Validation("Failed to read request body")
	}
	return payload, nil
}

func webhookErrorOutcome(err error) string {
	if errors.KindOf(err) == errors.KindUnauthenticated {
		return "rejected"
	}
	return "error"
}
