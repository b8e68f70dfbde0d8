package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/paychecklabs/paycheck/internal/errors"
)

// MasterKeySize is the required master key length (AES-256).
const MasterKeySize = 32

// auditKeyInfo binds the derived audit-signing key to its purpose.
// Changing it invalidates every existing audit signature.
const auditKeyInfo = "paycheck-audit-signing-v1"

// ErrDecrypt is returned for every decryption failure: wrong master key,
// mismatched context, truncated blob. Callers get no further detail.
var ErrDecrypt = errors.New(errors.KindValidation, "decryption failed")

// Vault envelope-encrypts tenant secrets under the process master key.
// Each ciphertext is bound to a context string (the owning row's id), so a
// blob copied onto another row fails to decrypt.
type Vault struct {
	key []byte
}

// NewVault creates a vault from a raw 32-byte master key.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &Vault{key: key}, nil
}

// NewVaultFromBase64 decodes a MASTER_KEY environment value and creates a
// vault from it.
func NewVaultFromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return NewVault(key)
}

// GenerateMasterKey returns a fresh random master key encoded for the
// MASTER_KEY environment variable.
func GenerateMasterKey() (string, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh nonce. The nonce
// is prepended to the returned blob; context becomes the AAD.
func (v *Vault) Encrypt(context string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, []byte(context)), nil
}

// Decrypt opens a blob produced by Encrypt with the same context.
func (v *Vault) Decrypt(context string, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrDecrypt
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(context))
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// EncryptString encrypts a string and returns base64 for TEXT columns.
func (v *Vault) EncryptString(context, plaintext string) (string, error) {
	encrypted, err := v.Encrypt(context, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString decrypts a base64 blob produced by EncryptString.
func (v *Vault) DecryptString(context, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}

	decrypted, err := v.Decrypt(context, data)
	if err != nil {
		return "", err
	}

	return string(decrypted), nil
}

// Reencrypt re-seals a blob under next while keeping the context binding.
// Used by master-key rotation.
func (v *Vault) Reencrypt(next *Vault, context string, ciphertext []byte) ([]byte, error) {
	plaintext, err := v.Decrypt(context, ciphertext)
	if err != nil {
		return nil, err
	}
	return next.Encrypt(context, plaintext)
}

// ReencryptString is Reencrypt for base64 TEXT blobs.
func (v *Vault) ReencryptString(next *Vault, context, ciphertext string) (string, error) {
	plaintext, err := v.DecryptString(context, ciphertext)
	if err != nil {
		return "", err
	}
	return next.EncryptString(context, plaintext)
}

// AuditSigningKey derives the 32-byte HMAC key that signs audit events.
// Deterministic for a given master key, so rotation re-keys the audit trail.
func (v *Vault) AuditSigningKey() ([]byte, error) {
	r := hkdf.New(sha256.New, v.key, nil, []byte(auditKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive audit signing key: %w", err)
	}
	return key, nil
}
