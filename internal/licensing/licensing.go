// Package licensing orchestrates the customer-facing license lifecycle:
// issuing keys, minting one-shot activation codes, redeeming either
// credential into a device activation with a signed token, and answering
// validation pings from installed applications.
package licensing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/token"
)

// Service ties the store, the key vault and the token minter together
// behind the redemption and validation flows shared by the public API,
// the payment reconciler and the management surface.
type Service struct {
	store  *store.Store
	vault  *crypto.Vault
	minter *token.Minter
}

// New creates the licensing service.
func New(st *store.Store, vault *crypto.Vault, minter *token.Minter) *Service {
	return &Service{store: st, vault: vault, minter: minter}
}

// IssueParams describes one license to create. The expiration overrides
// are three-state: absent uses the product default, null makes the
// license perpetual, a value counts days from issuance.
type IssueParams struct {
	Project    *store.Project
	Product    *store.Product
	Email      string
	CustomerID *string

	LicenseExpDays store.Field[int]
	UpdatesExpDays store.Field[int]

	Provider              *store.Provider
	PaymentCustomerID     *string
	PaymentSubscriptionID *string
	PaymentOrderID        *string
}

// IssueLicense generates a key, seals it for later recovery and inserts
// the license row. The plaintext key is returned to the caller exactly
// once; afterwards only the hash and the ciphertext exist.
func (s *Service) IssueLicense(ctx context.Context, p IssueParams) (*store.License, string, error) {
	if p.Product.ProjectID != p.Project.ID {
		return nil, "", errors.NotFound("Product not found in this project")
	}

	key, err := GenerateKey(p.Project.LicenseKeyPrefix)
	if err != nil {
		return nil, "", errors.Internal("licensing.IssueLicense", err)
	}
	sealed, err := s.vault.EncryptString(p.Project.ID, key)
	if err != nil {
		return nil, "", err
	}

	ts := time.Now().UTC()
	expiresAt := p.Product.LicenseExpiresAt(ts)
	if !p.LicenseExpDays.Unchanged() {
		expiresAt = expiryFromDays(p.LicenseExpDays.Ptr(), ts)
	}
	updatesExpiresAt := p.Product.UpdatesExpiresAt(ts)
	if !p.UpdatesExpDays.Unchanged() {
		updatesExpiresAt = expiryFromDays(p.UpdatesExpDays.Ptr(), ts)
	}

	var emailHash *string
	if p.Email != "" {
		h := crypto.HashEmail(p.Email)
		emailHash = &h
	}

	license := &store.License{
		ProjectID:             p.Project.ID,
		ProductID:             p.Product.ID,
		EmailHash:             emailHash,
		CustomerID:            p.CustomerID,
		KeyHash:               crypto.HashSecret(key),
		KeyCiphertext:         sealed,
		ExpiresAt:             expiresAt,
		UpdatesExpiresAt:      updatesExpiresAt,
		PaymentProvider:       p.Provider,
		PaymentCustomerID:     p.PaymentCustomerID,
		PaymentSubscriptionID: p.PaymentSubscriptionID,
		PaymentOrderID:        p.PaymentOrderID,
	}
	if err := s.store.CreateLicense(ctx, license); err != nil {
		return nil, "", err
	}
	return license, key, nil
}

// NewActivationCode mints a 30-minute one-shot code for a license. The
// plaintext goes to the caller for delivery; only its hash is stored.
func (s *Service) NewActivationCode(ctx context.Context, project *store.Project, licenseID string) (string, *store.ActivationCode, error) {
	code, err := GenerateKey(project.LicenseKeyPrefix)
	if err != nil {
		return "", nil, errors.Internal("licensing.NewActivationCode", err)
	}
	ac, err := s.store.CreateActivationCode(ctx, licenseID, crypto.HashSecret(code))
	if err != nil {
		return "", nil, err
	}
	return code, ac, nil
}

// RedeemRequest is the tagged credential input for a device activation:
// exactly one of Code or LicenseKey must be set.
type RedeemRequest struct {
	Code       string
	LicenseKey string
	DeviceID   string
	DeviceType store.DeviceType
	Name       *string
}

// RedeemResult carries everything the handler needs for the response and
// the audit record.
type RedeemResult struct {
	Token   string
	Claims  *token.Claims
	License *store.License
	Product *store.Product
	Device  *store.Device
	Created bool
}

// Redeem exchanges an activation code or a license key for a signed token,
// activating the device under the product's limits. The code path burns
// the code before touching device state, so a code observed in transit
// cannot be replayed even when the activation itself fails.
func (s *Service) Redeem(ctx context.Context, project *store.Project, req RedeemRequest) (*RedeemResult, error) {
	if (req.Code == "") == (req.LicenseKey == "") {
		return nil, errors.Validation("Provide exactly one of code or license_key")
	}
	if req.DeviceID == "" {
		return nil, errors.Validation("device_id is required")
	}
	if !req.DeviceType.Valid() {
		return nil, errors.Validationf("Invalid device type %q. Must be 'uuid' or 'machine'", req.DeviceType)
	}

	var license *store.License
	var code *store.ActivationCode
	var err error
	if req.Code != "" {
		code, license, err = s.licenseForCode(ctx, project, req.Code)
	} else {
		license, err = s.LicenseByKey(ctx, project.ID, req.LicenseKey)
	}
	if err != nil {
		return nil, err
	}
	if err := license.Usable(time.Now().UTC()); err != nil {
		return nil, err
	}

	if code != nil {
		ok, err := s.store.ConsumeActivationCode(ctx, code.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.InvalidCode()
		}
	}

	product, err := s.store.GetProduct(ctx, license.ProductID)
	if err != nil {
		return nil, err
	}

	jti := store.NewID()
	device, created, err := s.store.AcquireDevice(ctx, license.ID, req.DeviceID,
		req.DeviceType, jti, req.Name, product.DeviceLimit, product.ActivationLimit)
	if err != nil {
		return nil, err
	}

	signed, claims, err := s.minter.Mint(project, license, product, req.DeviceID, req.DeviceType, jti)
	if err != nil {
		return nil, err
	}
	return &RedeemResult{
		Token:   signed,
		Claims:  claims,
		License: license,
		Product: product,
		Device:  device,
		Created: created,
	}, nil
}

// licenseForCode resolves an activation code to its license without
// consuming it. Misses, expiries, burned codes and cross-project codes all
// collapse to InvalidCode.
func (s *Service) licenseForCode(ctx context.Context, project *store.Project, code string) (*store.ActivationCode, *store.License, error) {
	ac, err := s.store.GetActivationCodeByHash(ctx, crypto.HashSecret(code))
	if err != nil {
		return nil, nil, err
	}
	if ac == nil || ac.Used || !ac.ExpiresAt.After(time.Now().UTC()) {
		return nil, nil, errors.InvalidCode()
	}
	license, err := s.store.GetLicense(ctx, ac.LicenseID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, errors.InvalidCode()
		}
		return nil, nil, err
	}
	if license.ProjectID != project.ID {
		return nil, nil, errors.InvalidCode()
	}
	return ac, license, nil
}

// LicenseByKey authenticates a bearer license key within a project.
// Unknown keys and keys belonging to another project are indistinguishable
// to the caller. Lifecycle state is not checked here: the self-service
// device endpoints accept expired licenses on purpose, so customers can
// still free up seats.
func (s *Service) LicenseByKey(ctx context.Context, projectID, key string) (*store.License, error) {
	license, err := s.store.GetLicenseByKeyHash(ctx, crypto.HashSecret(key))
	if err != nil {
		return nil, err
	}
	if license == nil || license.ProjectID != projectID {
		return nil, errors.InvalidLicenseKey()
	}
	return license, nil
}

// KeyPlaintext unseals a license key for the one place allowed to show it
// again: the default success page after checkout.
func (s *Service) KeyPlaintext(license *store.License) (string, error) {
	return s.vault.DecryptString(license.ProjectID, license.KeyCiphertext)
}

// ValidationResult is the uniform answer for token validation. Failures
// carry Valid=false and nothing else, so a forged token is
// indistinguishable from a revoked one.
type ValidationResult struct {
	Valid      bool
	LicenseExp *int64
	UpdatesExp *int64
}

// Validate checks a bearer token end to end: issuer lookup, signature
// against the project's current or grace-period keys, then the live device
// and license state behind the jti. Every check failure collapses to the
// invalid result; an error is returned only for storage faults.
func (s *Service) Validate(ctx context.Context, tokenString string) (*ValidationResult, error) {
	now := time.Now().UTC()

	issuer, err := token.PeekIssuer(tokenString)
	if err != nil || issuer == "" {
		return &ValidationResult{}, nil
	}
	project, err := s.store.GetProject(ctx, issuer)
	if err != nil {
		if errors.IsNotFound(err) {
			return &ValidationResult{}, nil
		}
		return nil, err
	}

	claims, err := s.minter.Verify(project, tokenString, now)
	if err != nil {
		return &ValidationResult{}, nil
	}

	device, err := s.store.GetDeviceByJTI(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		// The jti was rotated away by a newer activation or revoked with
		// its device.
		return &ValidationResult{}, nil
	}

	license, err := s.store.GetLicense(ctx, device.LicenseID)
	if err != nil {
		if errors.IsNotFound(err) {
			return &ValidationResult{}, nil
		}
		return nil, err
	}
	if license.JTIRevoked(claims.ID) || license.Usable(now) != nil || license.ProjectID != project.ID {
		return &ValidationResult{}, nil
	}

	// Best effort; a missed touch must not fail the validation ping.
	if err := s.store.TouchDevice(ctx, device.ID); err != nil {
		log.Debug().Err(err).Str("deviceId", device.ID).Msg("Failed to update device last_seen_at")
	}

	return &ValidationResult{
		Valid:      true,
		LicenseExp: unixPtr(license.ExpiresAt),
		UpdatesExp: unixPtr(license.UpdatesExpiresAt),
	}, nil
}

// RecoveredCode pairs one usable license with a fresh activation code for
// delivery.
type RecoveredCode struct {
	License   *store.License
	Product   *store.Product
	Code      string
	ExpiresAt time.Time
}

// Recover mints an activation code for every usable license held by an
// email address in the project. An empty result is not an error; the
// endpoint answers identically either way so it cannot be used to probe
// which emails hold licenses.
func (s *Service) Recover(ctx context.Context, project *store.Project, email string) ([]RecoveredCode, error) {
	licenses, err := s.store.ListActiveLicensesByEmail(ctx, project.ID, crypto.HashEmail(email))
	if err != nil {
		return nil, err
	}

	recovered := make([]RecoveredCode, 0, len(licenses))
	for _, license := range licenses {
		product, err := s.store.GetProduct(ctx, license.ProductID)
		if err != nil {
			return nil, err
		}
		code, ac, err := s.NewActivationCode(ctx, project, license.ID)
		if err != nil {
			return nil, err
		}
		recovered = append(recovered, RecoveredCode{
			License:   license,
			Product:   product,
			Code:      code,
			ExpiresAt: ac.ExpiresAt,
		})
	}
	return recovered, nil
}

func expiryFromDays(days *int, from time.Time) *time.Time {
	if days == nil {
		return nil
	}
	t := from.Add(time.Duration(*days) * 24 * time.Hour)
	return &t
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}
