// Package notify delivers activation codes to customers. Per project the
// dispatcher either does nothing, POSTs to the developer's own webhook, or
// sends a transactional email through Resend.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/outbound"
	"github.com/paychecklabs/paycheck/internal/store"
)

const resendAPIURL = "https://api.resend.com/emails"

// codeExpiryMinutes is quoted in emails and webhook payloads.
var codeExpiryMinutes = int(store.ActivationCodeTTL.Minutes())

// Outcome reports how a notification was resolved.
type Outcome string

const (
	// Sent means the email went out through Resend.
	Sent Outcome = "sent"
	// WebhookCalled means the payload was handed to the project's webhook.
	WebhookCalled Outcome = "webhook_called"
	// Disabled means the project opted out of delivery entirely.
	Disabled Outcome = "disabled"
	// NoAPIKey means email is enabled but neither the org nor the system
	// has a provider key.
	NoAPIKey Outcome = "no_api_key"
)

// Trigger tells the recipient why the message arrived.
type Trigger string

const (
	TriggerPurchase        Trigger = "purchase"
	TriggerRecoveryRequest Trigger = "recovery_request"
	TriggerAdminGenerated  Trigger = "admin_generated"
)

// SendConfig describes one activation-code delivery.
type SendConfig struct {
	To          string
	Code        string
	ExpiresAt   time.Time
	ProductName string
	LicenseID   string
	PurchasedAt time.Time
	Project     *store.Project
	// OrgKey is the organization's decrypted Resend key; it overrides the
	// system key when set.
	OrgKey  string
	Trigger Trigger
}

// CodeInfo is one license's entry in a multi-license delivery.
type CodeInfo struct {
	ProductName string
	Code        string
	LicenseID   string
	PurchasedAt time.Time
}

// MultiConfig batches codes for several licenses of the same email into
// one message, one code per product.
type MultiConfig struct {
	To        string
	ExpiresAt time.Time
	Project   *store.Project
	Licenses  []CodeInfo
	OrgKey    string
	Trigger   Trigger
}

// Dispatcher resolves where an activation code goes and delivers it.
type Dispatcher struct {
	systemKey   string
	defaultFrom string
	client      *http.Client
	devMode     bool

	// resendURL is fixed in production; tests point it at a local server.
	resendURL string
}

// New creates a dispatcher. systemKey may be empty; projects backed by an
// org-level key still deliver, everything else resolves to NoAPIKey.
func New(systemKey, defaultFrom string, devMode bool) *Dispatcher {
	return &Dispatcher{
		systemKey:   systemKey,
		defaultFrom: defaultFrom,
		client:      outbound.NewClient(10 * time.Second),
		devMode:     devMode,
		resendURL:   resendAPIURL,
	}
}

// SendActivationCode delivers one code following the per-project order:
// disabled, developer webhook, Resend (org key over system key).
func (d *Dispatcher) SendActivationCode(ctx context.Context, cfg SendConfig) (Outcome, error) {
	if !cfg.Project.EmailEnabled {
		log.Debug().Str("projectId", cfg.Project.ID).Msg("Email disabled for project, skipping activation code")
		return Disabled, nil
	}

	if cfg.Project.EmailWebhookURL != nil {
		payload := webhookPayload{
			Event:            "activation_code_created",
			Email:            cfg.To,
			Code:             cfg.Code,
			ExpiresAt:        cfg.ExpiresAt.Unix(),
			ExpiresInMinutes: codeExpiryMinutes,
			ProductName:      cfg.ProductName,
			ProjectID:        cfg.Project.ID,
			ProjectName:      cfg.Project.Name,
			LicenseID:        cfg.LicenseID,
			Trigger:          cfg.Trigger,
		}
		return d.postWebhook(ctx, *cfg.Project.EmailWebhookURL, payload.Event, payload, cfg.Project.ID)
	}

	key := cfg.OrgKey
	if key == "" {
		key = d.systemKey
	}
	if key == "" {
		return d.noAPIKey(cfg.Project.ID, cfg.To, cfg.Code), nil
	}

	subject := fmt.Sprintf("Your %s license for %s", cfg.ProductName, cfg.Project.Name)
	html, text, err := renderCodeEmail(codeEmailData{
		ProductName:      cfg.ProductName,
		ProjectName:      cfg.Project.Name,
		PurchasedDate:    formatDate(cfg.PurchasedAt),
		Code:             cfg.Code,
		ExpiresInMinutes: codeExpiryMinutes,
	})
	if err != nil {
		return "", errors.Internal("notify.SendActivationCode", err)
	}

	if err := d.sendViaResend(ctx, key, Message{
		From:    d.fromFor(cfg.Project),
		To:      cfg.To,
		Subject: subject,
		HTML:    html,
		Text:    text,
	}); err != nil {
		return "", err
	}
	log.Info().Str("to", cfg.To).Str("projectId", cfg.Project.ID).Msg("Activation code email sent")
	return Sent, nil
}

// SendMultiLicenseCodes delivers one message carrying codes for several
// licenses, same resolution order as the single variant.
func (d *Dispatcher) SendMultiLicenseCodes(ctx context.Context, cfg MultiConfig) (Outcome, error) {
	if !cfg.Project.EmailEnabled {
		log.Debug().Str("projectId", cfg.Project.ID).Msg("Email disabled for project, skipping activation codes")
		return Disabled, nil
	}

	if cfg.Project.EmailWebhookURL != nil {
		infos := make([]webhookCodeInfo, 0, len(cfg.Licenses))
		for _, l := range cfg.Licenses {
			infos = append(infos, webhookCodeInfo{
				ProductName: l.ProductName,
				Code:        l.Code,
				LicenseID:   l.LicenseID,
				PurchasedAt: l.PurchasedAt.Unix(),
			})
		}
		payload := multiWebhookPayload{
			Event:            "activation_codes_created",
			Email:            cfg.To,
			ExpiresAt:        cfg.ExpiresAt.Unix(),
			ExpiresInMinutes: codeExpiryMinutes,
			ProjectID:        cfg.Project.ID,
			ProjectName:      cfg.Project.Name,
			Licenses:         infos,
			Trigger:          cfg.Trigger,
		}
		return d.postWebhook(ctx, *cfg.Project.EmailWebhookURL, payload.Event, payload, cfg.Project.ID)
	}

	key := cfg.OrgKey
	if key == "" {
		key = d.systemKey
	}
	if key == "" {
		return d.noAPIKey(cfg.Project.ID, cfg.To, ""), nil
	}

	entries := make([]codeEmailEntry, 0, len(cfg.Licenses))
	for _, l := range cfg.Licenses {
		entries = append(entries, codeEmailEntry{
			ProductName:   l.ProductName,
			PurchasedDate: formatDate(l.PurchasedAt),
			Code:          l.Code,
		})
	}
	html, text, err := renderMultiCodeEmail(multiCodeEmailData{
		ProjectName:      cfg.Project.Name,
		Licenses:         entries,
		ExpiresInMinutes: codeExpiryMinutes,
	})
	if err != nil {
		return "", errors.Internal("notify.SendMultiLicenseCodes", err)
	}

	if err := d.sendViaResend(ctx, key, Message{
		From:    d.fromFor(cfg.Project),
		To:      cfg.To,
		Subject: fmt.Sprintf("Your licenses for %s", cfg.Project.Name),
		HTML:    html,
		Text:    text,
	}); err != nil {
		return "", err
	}
	log.Info().Str("to", cfg.To).Str("projectId", cfg.Project.ID).
		Int("licenseCount", len(cfg.Licenses)).Msg("Multi-license activation code email sent")
	return Sent, nil
}

func (d *Dispatcher) fromFor(p *store.Project) string {
	if p.EmailFrom != nil && *p.EmailFrom != "" {
		return *p.EmailFrom
	}
	return d.defaultFrom
}

func (d *Dispatcher) noAPIKey(projectID, to, code string) Outcome {
	log.Warn().Str("projectId", projectID).Msg("No Resend API key available (system or org level), cannot send email")
	if d.devMode && code != "" {
		// Local setups run without a mail provider; the code still has to
		// reach the developer somehow.
		log.Info().Str("to", to).Str("code", code).Msg("Dev mode: activation code logged instead of emailed")
	}
	return NoAPIKey
}

// postWebhook hands the payload to the developer's endpoint. A non-2xx
// answer is the developer's problem, not the customer's: it logs and still
// counts as delivered.
func (d *Dispatcher) postWebhook(ctx context.Context, url, event string, payload any, projectID string) (Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Internal("notify.postWebhook", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Internal("notify.postWebhook", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paycheck-Event", event)

	resp, err := d.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("webhookUrl", url).Msg("Failed to call activation webhook")
		return "", errors.Network("notify.postWebhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Error().Int("status", resp.StatusCode).Str("webhookUrl", url).
			Str("body", string(respBody)).Msg("Activation webhook returned error")
		return WebhookCalled, nil
	}

	log.Info().Str("webhookUrl", url).Str("projectId", projectID).Msg("Activation webhook called")
	return WebhookCalled, nil
}

// Message is one rendered email ready for the provider.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

func (d *Dispatcher) sendViaResend(ctx context.Context, apiKey string, msg Message) error {
	body, err := json.Marshal(resendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err != nil {
		return errors.Internal("notify.sendViaResend", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.resendURL, bytes.NewReader(body))
	if err != nil {
		return errors.Internal("notify.sendViaResend", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send request to Resend API")
		return errors.Internal("notify.sendViaResend", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Error().Int("status", resp.StatusCode).Str("body", string(respBody)).Msg("Resend API returned error")
		return errors.Internal("notify.sendViaResend",
			fmt.Errorf("resend error (HTTP %d): %s", resp.StatusCode, respBody))
	}
	return nil
}

type webhookPayload struct {
	Event            string  `json:"event"`
	Email            string  `json:"email"`
	Code             string  `json:"code"`
	ExpiresAt        int64   `json:"expires_at"`
	ExpiresInMinutes int     `json:"expires_in_minutes"`
	ProductName      string  `json:"product_name"`
	ProjectID        string  `json:"project_id"`
	ProjectName      string  `json:"project_name"`
	LicenseID        string  `json:"license_id"`
	Trigger          Trigger `json:"trigger"`
}

type webhookCodeInfo struct {
	ProductName string `json:"product_name"`
	Code        string `json:"code"`
	LicenseID   string `json:"license_id"`
	PurchasedAt int64  `json:"purchased_at"`
}

type multiWebhookPayload struct {
	Event            string            `json:"event"`
	Email            string            `json:"email"`
	ExpiresAt        int64             `json:"expires_at"`
	ExpiresInMinutes int               `json:"expires_in_minutes"`
	ProjectID        string            `json:"project_id"`
	ProjectName      string            `json:"project_name"`
	Licenses         []webhookCodeInfo `json:"licenses"`
	Trigger          Trigger           `json:"trigger"`
}
