package store

import (
	"encoding/json"
	"time"

	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
)

// OperatorRole grants system-wide access.
type OperatorRole string

const (
	OperatorRoleOwner OperatorRole = "owner"
	OperatorRoleAdmin OperatorRole = "admin"
	OperatorRoleView  OperatorRole = "view"
)

func (r OperatorRole) Valid() bool {
	switch r {
	case OperatorRoleOwner, OperatorRoleAdmin, OperatorRoleView:
		return true
	}
	return false
}

// AtLeastAdmin reports whether the role may act on tenant data.
func (r OperatorRole) AtLeastAdmin() bool {
	return r == OperatorRoleOwner || r == OperatorRoleAdmin
}

// OrgRole scopes a user inside one organization.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
)

func (r OrgRole) Valid() bool {
	switch r {
	case OrgRoleOwner, OrgRoleAdmin, OrgRoleMember:
		return true
	}
	return false
}

// CanManageMembers is restricted to owners.
func (r OrgRole) CanManageMembers() bool {
	return r == OrgRoleOwner
}

// AtLeastAdmin reports whether the role may mutate org resources.
func (r OrgRole) AtLeastAdmin() bool {
	return r == OrgRoleOwner || r == OrgRoleAdmin
}

// HasImplicitProjectAccess reports whether the role sees every project in
// the org without a ProjectMember grant.
func (r OrgRole) HasImplicitProjectAccess() bool {
	return r == OrgRoleOwner || r == OrgRoleAdmin
}

// ProjectRole scopes an org member inside one project.
type ProjectRole string

const (
	ProjectRoleAdmin ProjectRole = "admin"
	ProjectRoleView  ProjectRole = "view"
)

func (r ProjectRole) Valid() bool {
	return r == ProjectRoleAdmin || r == ProjectRoleView
}

// AccessLevel is the grant carried by an API key scope.
type AccessLevel string

const (
	AccessView  AccessLevel = "view"
	AccessAdmin AccessLevel = "admin"
)

func (a AccessLevel) Valid() bool {
	return a == AccessView || a == AccessAdmin
}

// Covers reports whether the level satisfies a required one; admin implies
// view.
func (a AccessLevel) Covers(required AccessLevel) bool {
	if a == AccessAdmin {
		return true
	}
	return a == required
}

// DeviceType distinguishes caller-generated installation ids from
// hardware-derived machine ids.
type DeviceType string

const (
	DeviceTypeUUID    DeviceType = "uuid"
	DeviceTypeMachine DeviceType = "machine"
)

func (d DeviceType) Valid() bool {
	return d == DeviceTypeUUID || d == DeviceTypeMachine
}

// Provider identifies a payment provider.
type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
)

func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderLemonSqueezy
}

// SigningAlg selects the per-project token signature algorithm.
type SigningAlg string

const (
	SigningAlgEd25519 SigningAlg = "ed25519"
	SigningAlgES256   SigningAlg = "es256"
)

func (a SigningAlg) Valid() bool {
	return a == SigningAlgEd25519 || a == SigningAlgES256
}

// User is the global principal.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Operator grants a user system-wide access. At most one per user.
type Operator struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Role      OperatorRole `json:"role"`
	CreatedAt time.Time    `json:"created_at"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
}

// OperatorWithUser joins the operator row with its user for list views.
type OperatorWithUser struct {
	Operator
	User User `json:"user"`
}

// Organization is the tenant boundary. Secret payloads are envelope
// ciphertexts bound to the organization id and never serialized.
type Organization struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	PaymentProviderDefault *Provider  `json:"payment_provider_default,omitempty"`
	StripeConfigCiphertext *string    `json:"-"`
	LSConfigCiphertext     *string    `json:"-"`
	ResendKeyCiphertext    *string    `json:"-"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	DeletedAt              *time.Time `json:"deleted_at,omitempty"`
}

// StripeConfig is the decrypted Stripe credential payload.
type StripeConfig struct {
	SecretKey     string `json:"secret_key"`
	WebhookSecret string `json:"webhook_secret"`
}

// LemonSqueezyConfig is the decrypted LemonSqueezy credential payload.
type LemonSqueezyConfig struct {
	APIKey        string `json:"api_key"`
	StoreID       string `json:"store_id"`
	WebhookSecret string `json:"webhook_secret"`
}

// StripeConfig decrypts the organization's Stripe credentials, or returns
// nil when none are configured.
func (o *Organization) StripeConfig(vault *crypto.Vault) (*StripeConfig, error) {
	if o.StripeConfigCiphertext == nil {
		return nil, nil
	}
	raw, err := vault.DecryptString(o.ID, *o.StripeConfigCiphertext)
	if err != nil {
		return nil, err
	}
	var cfg StripeConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errors.Internal("store.StripeConfig", err)
	}
	return &cfg, nil
}

// LemonSqueezyConfig decrypts the organization's LemonSqueezy credentials,
// or returns nil when none are configured.
func (o *Organization) LemonSqueezyConfig(vault *crypto.Vault) (*LemonSqueezyConfig, error) {
	if o.LSConfigCiphertext == nil {
		return nil, nil
	}
	raw, err := vault.DecryptString(o.ID, *o.LSConfigCiphertext)
	if err != nil {
		return nil, err
	}
	var cfg LemonSqueezyConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errors.Internal("store.LemonSqueezyConfig", err)
	}
	return &cfg, nil
}

// ResendAPIKey decrypts the organization's transactional-email key, or ""
// when none is configured.
func (o *Organization) ResendAPIKey(vault *crypto.Vault) (string, error) {
	if o.ResendKeyCiphertext == nil {
		return "", nil
	}
	return vault.DecryptString(o.ID, *o.ResendKeyCiphertext)
}

// OrgMember maps a user into an organization.
type OrgMember struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	OrgID     string     `json:"org_id"`
	Role      OrgRole    `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// OrgMemberWithUser joins the membership with its user for list views.
type OrgMemberWithUser struct {
	OrgMember
	User User `json:"user"`
}

// RetiredKey is a rotated-out signing key kept in the JWKS for a grace
// period so devices mid-rotation still validate.
type RetiredKey struct {
	KeyID        string     `json:"kid"`
	PublicKeyPEM string     `json:"public_key"`
	Alg          SigningAlg `json:"alg"`
	RetiredAt    time.Time  `json:"retired_at"`
}

// Project owns products, the token signing keypair, and the notification
// settings. The private key is an envelope ciphertext bound to the project
// id.
type Project struct {
	ID                   string       `json:"id"`
	OrgID                string       `json:"org_id"`
	Name                 string       `json:"name"`
	LicenseKeyPrefix     string       `json:"license_key_prefix"`
	SigningAlg           SigningAlg   `json:"signing_alg"`
	PrivateKeyCiphertext string       `json:"-"`
	PublicKeyPEM         string       `json:"public_key"`
	KeyID                string       `json:"key_id"`
	RetiredKeys          []RetiredKey `json:"-"`
	RedirectURL          *string      `json:"redirect_url,omitempty"`
	AllowedRedirectURLs  []string     `json:"allowed_redirect_urls"`
	EmailEnabled         bool         `json:"email_enabled"`
	EmailWebhookURL      *string      `json:"email_webhook_url,omitempty"`
	EmailFrom            *string      `json:"email_from,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	DeletedAt            *time.Time   `json:"deleted_at,omitempty"`
}

// ProjectMember grants one org member access to one project.
type ProjectMember struct {
	ID          string      `json:"id"`
	OrgMemberID string      `json:"org_member_id"`
	ProjectID   string      `json:"project_id"`
	Role        ProjectRole `json:"role"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Product is a sellable SKU. Nil *_exp_days means perpetual; a limit of
// zero (or below) means unlimited.
type Product struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Name            string     `json:"name"`
	Tier            string     `json:"tier"`
	LicenseExpDays  *int       `json:"license_exp_days"`
	UpdatesExpDays  *int       `json:"updates_exp_days"`
	ActivationLimit int        `json:"activation_limit"`
	DeviceLimit     int        `json:"device_limit"`
	Features        []string   `json:"features"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// LicenseExpiresAt computes expires_at for a license issued at ts.
func (p *Product) LicenseExpiresAt(ts time.Time) *time.Time {
	if p.LicenseExpDays == nil {
		return nil
	}
	t := ts.Add(time.Duration(*p.LicenseExpDays) * 24 * time.Hour)
	return &t
}

// UpdatesExpiresAt computes updates_expires_at for a license issued at ts.
func (p *Product) UpdatesExpiresAt(ts time.Time) *time.Time {
	if p.UpdatesExpDays == nil {
		return nil
	}
	t := ts.Add(time.Duration(*p.UpdatesExpDays) * 24 * time.Hour)
	return &t
}

// PaymentConfig holds per-provider pricing for one product.
type PaymentConfig struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Provider      Provider  `json:"provider"`
	StripePriceID *string   `json:"stripe_price_id,omitempty"`
	PriceCents    *int64    `json:"price_cents,omitempty"`
	Currency      *string   `json:"currency,omitempty"`
	LSVariantID   *string   `json:"ls_variant_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// License is a customer's entitlement to a product. The key exists in two
// forms: a hash for lookup and an envelope ciphertext (context = project
// id) so the success page can hand the plaintext back exactly once more.
type License struct {
	ID                    string     `json:"id"`
	ProjectID             string     `json:"project_id"`
	ProductID             string     `json:"product_id"`
	EmailHash             *string    `json:"email_hash,omitempty"`
	CustomerID            *string    `json:"customer_id,omitempty"`
	KeyHash               string     `json:"-"`
	KeyCiphertext         string     `json:"-"`
	ActivationCount       int        `json:"activation_count"`
	Revoked               bool       `json:"revoked"`
	RevokedJTIs           []string   `json:"-"`
	ExpiresAt             *time.Time `json:"expires_at"`
	UpdatesExpiresAt      *time.Time `json:"updates_expires_at"`
	PaymentProvider       *Provider  `json:"payment_provider,omitempty"`
	PaymentCustomerID     *string    `json:"payment_provider_customer_id,omitempty"`
	PaymentSubscriptionID *string    `json:"payment_provider_subscription_id,omitempty"`
	PaymentOrderID        *string    `json:"payment_provider_order_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	DeletedAt             *time.Time `json:"deleted_at,omitempty"`
}

// Status reports the lifecycle state: active, expired or revoked.
func (l *License) Status(at time.Time) string {
	if l.Revoked {
		return "revoked"
	}
	if l.ExpiresAt != nil && !l.ExpiresAt.After(at) {
		return "expired"
	}
	return "active"
}

// Usable returns nil when the license may mint tokens, or the business
// error explaining why not.
func (l *License) Usable(at time.Time) error {
	if l.Revoked {
		return errors.LicenseRevoked()
	}
	if l.ExpiresAt != nil && !l.ExpiresAt.After(at) {
		return errors.LicenseExpired()
	}
	return nil
}

// JTIRevoked reports whether a token id was individually revoked.
func (l *License) JTIRevoked(jti string) bool {
	for _, revoked := range l.RevokedJTIs {
		if revoked == jti {
			return true
		}
	}
	return false
}

// ActivationCode is a one-shot, 30-minute credential, stored as a hash.
type ActivationCode struct {
	ID        string    `json:"id"`
	CodeHash  string    `json:"-"`
	LicenseID string    `json:"license_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// Device records one installation of a customer application.
type Device struct {
	ID          string     `json:"id"`
	LicenseID   string     `json:"license_id"`
	DeviceID    string     `json:"device_id"`
	DeviceType  DeviceType `json:"device_type"`
	Name        *string    `json:"name,omitempty"`
	JTI         string     `json:"-"`
	ActivatedAt time.Time  `json:"activated_at"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// PaymentSession maps a provider checkout to a future license.
type PaymentSession struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	Provider    Provider   `json:"provider"`
	CustomerID  *string    `json:"customer_id,omitempty"`
	RedirectURL *string    `json:"redirect_url,omitempty"`
	Completed   bool       `json:"completed"`
	LicenseID   *string    `json:"license_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WebhookEvent is the idempotency anchor for provider event processing.
type WebhookEvent struct {
	ID        string    `json:"id"`
	Provider  Provider  `json:"provider"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey authenticates management calls. The raw key is shown once at
// creation; only the hash and display prefix are stored.
type APIKey struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	KeyHash        string     `json:"-"`
	UserManageable bool       `json:"user_manageable"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key may authenticate at the given time.
func (k *APIKey) Active(at time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(at) {
		return false
	}
	return true
}

// APIKeyScope restricts a key to an (org, project?, access) triple.
// A nil ProjectID covers every project in the org.
type APIKeyScope struct {
	APIKeyID  string      `json:"api_key_id"`
	OrgID     string      `json:"org_id"`
	ProjectID *string     `json:"project_id,omitempty"`
	Access    AccessLevel `json:"access"`
}
