// Package token mints and verifies the signed license tokens handed to
// customer applications. Every project signs with its own keypair; the
// decrypted private key lives only inside this package's signer cache.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/store"
)

// TTL bounds a token's lifetime. Devices re-mint on demand, so a revoked
// jti can only keep validating offline until this window lapses.
const TTL = 30 * 24 * time.Hour

// maxSigners bounds the decrypted private-key cache.
const maxSigners = 128

// Claims is the license token payload. iss carries the project id, sub
// the license id, jti the per-device token identifier.
type Claims struct {
	DeviceID   string   `json:"device_id"`
	DeviceType string   `json:"device_type"`
	Tier       string   `json:"tier"`
	Features   []string `json:"features"`
	LicenseExp *int64   `json:"license_exp,omitempty"`
	UpdatesExp *int64   `json:"updates_exp,omitempty"`
	jwt.RegisteredClaims
}

type signerEntry struct {
	keyID    string
	method   jwt.SigningMethod
	key      any
	loadedAt time.Time
}

// Minter signs tokens with per-project keys. Decrypted signers are cached
// up to maxSigners entries; concurrent loads of the same project collapse
// through singleflight.
type Minter struct {
	store *store.Store
	vault *crypto.Vault

	mu      sync.Mutex
	signers map[string]*signerEntry
	group   singleflight.Group
}

// NewMinter creates a minter over the given store and vault.
func NewMinter(st *store.Store, vault *crypto.Vault) *Minter {
	return &Minter{
		store:   st,
		vault:   vault,
		signers: make(map[string]*signerEntry),
	}
}

// Mint signs a fresh token for one device activation. exp is iat + TTL,
// clamped to the license expiry when that is sooner.
func (m *Minter) Mint(project *store.Project, license *store.License, product *store.Product,
	deviceID string, deviceType store.DeviceType, jti string) (string, *Claims, error) {

	entry, err := m.signer(project)
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	exp := now.Add(TTL)
	if license.ExpiresAt != nil && license.ExpiresAt.Before(exp) {
		exp = *license.ExpiresAt
	}

	features := product.Features
	if features == nil {
		features = []string{}
	}

	claims := &Claims{
		DeviceID:   deviceID,
		DeviceType: string(deviceType),
		Tier:       product.Tier,
		Features:   features,
		LicenseExp: unixPtr(license.ExpiresAt),
		UpdatesExp: unixPtr(license.UpdatesExpiresAt),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    project.ID,
			Subject:   license.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	tok := jwt.NewWithClaims(entry.method, claims)
	tok.Header["kid"] = entry.keyID
	signed, err := tok.SignedString(entry.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token against the project's current key,
// falling back to retired keys still inside the grace window.
func (m *Minter) Verify(project *store.Project, tokenString string, at time.Time) (*Claims, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			pemStr, alg := publicKeyForKid(project, kid, at)
			if pemStr == "" {
				return nil, fmt.Errorf("unknown key id %q", kid)
			}
			if t.Method.Alg() != methodForAlg(alg).Alg() {
				return nil, fmt.Errorf("unexpected signing method %s for key %q", t.Method.Alg(), kid)
			}
			return ParsePublicKeyPEM(pemStr)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(project.ID),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	return claims, nil
}

// PeekIssuer extracts the unverified iss claim so the caller can load the
// project whose keys verify the token. Nothing about the token is trusted
// until Verify has run.
func PeekIssuer(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "", err
	}
	return claims.Issuer, nil
}

// Rotate generates a fresh keypair, retires the old public key with a
// timestamp and drops the cached signer. Retired keys already past the
// grace window are pruned on the way.
func (m *Minter) Rotate(ctx context.Context, project *store.Project, alg store.SigningAlg) (*store.Project, error) {
	if alg == "" {
		alg = project.SigningAlg
	}
	material, err := Generate(alg)
	if err != nil {
		return nil, err
	}
	encrypted, err := m.vault.EncryptString(project.ID, material.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("encrypt signing key: %w", err)
	}

	now := time.Now().UTC()
	retired := make([]store.RetiredKey, 0, len(project.RetiredKeys)+1)
	for _, key := range project.RetiredKeys {
		if now.Sub(key.RetiredAt) <= DefaultGrace {
			retired = append(retired, key)
		}
	}
	retired = append(retired, store.RetiredKey{
		KeyID:        project.KeyID,
		PublicKeyPEM: project.PublicKeyPEM,
		Alg:          project.SigningAlg,
		RetiredAt:    now,
	})

	if err := m.store.RotateProjectKey(ctx, project.ID, alg, encrypted, material.PublicKeyPEM, material.KeyID, retired); err != nil {
		return nil, err
	}
	m.Invalidate(project.ID)
	return m.store.GetProject(ctx, project.ID)
}

// Invalidate drops a project's cached signer. Called after key rotation
// and whenever a project row changes.
func (m *Minter) Invalidate(projectID string) {
	m.mu.Lock()
	delete(m.signers, projectID)
	m.mu.Unlock()
}

func (m *Minter) signer(p *store.Project) (*signerEntry, error) {
	m.mu.Lock()
	entry, ok := m.signers[p.ID]
	m.mu.Unlock()
	if ok && entry.keyID == p.KeyID {
		return entry, nil
	}

	v, err, _ := m.group.Do(p.ID+":"+p.KeyID, func() (any, error) {
		pemStr, err := m.vault.DecryptString(p.ID, p.PrivateKeyCiphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt signing key for project %s: %w", p.ID, err)
		}
		key, err := ParsePrivateKeyPEM(pemStr)
		if err != nil {
			return nil, err
		}
		entry := &signerEntry{
			keyID:    p.KeyID,
			method:   methodForAlg(p.SigningAlg),
			key:      key,
			loadedAt: time.Now(),
		}
		m.mu.Lock()
		m.insertLocked(p.ID, entry)
		m.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*signerEntry), nil
}

// insertLocked adds a cache entry, evicting the oldest one at capacity.
// Caller holds m.mu.
func (m *Minter) insertLocked(projectID string, entry *signerEntry) {
	if len(m.signers) >= maxSigners {
		oldestID := ""
		var oldest time.Time
		for id, e := range m.signers {
			if oldestID == "" || e.loadedAt.Before(oldest) {
				oldestID, oldest = id, e.loadedAt
			}
		}
		delete(m.signers, oldestID)
	}
	m.signers[projectID] = entry
}

// publicKeyForKid resolves a kid to its PEM public key: the current key,
// or a retired one still inside the grace window.
func publicKeyForKid(p *store.Project, kid string, at time.Time) (string, store.SigningAlg) {
	if kid == "" || kid == p.KeyID {
		return p.PublicKeyPEM, p.SigningAlg
	}
	for _, retired := range p.RetiredKeys {
		if retired.KeyID == kid && at.Sub(retired.RetiredAt) <= DefaultGrace {
			return retired.PublicKeyPEM, retired.Alg
		}
	}
	return "", ""
}

func methodForAlg(alg store.SigningAlg) jwt.SigningMethod {
	if alg == store.SigningAlgES256 {
		return jwt.SigningMethodES256
	}
	return jwt.SigningMethodEdDSA
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
