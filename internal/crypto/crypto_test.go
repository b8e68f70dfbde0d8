package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := NewVault(key)
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	plaintext := []byte(`{"secret_key":"sk_live_abc123"}`)
	sealed, err := v.Encrypt("org-1", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := v.Decrypt("org-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestDecryptRejectsWrongContext(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Encrypt("org-1", []byte("secret"))
	require.NoError(t, err)

	_, err = v.Decrypt("org-2", sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	sealed, err := v1.Encrypt("org-1", []byte("secret"))
	require.NoError(t, err)

	_, err = v2.Decrypt("org-1", sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsTruncatedBlob(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Decrypt("org-1", []byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNonceIsFreshPerCall(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("ctx", []byte("same plaintext"))
	require.NoError(t, err)
	b, err := v.Encrypt("ctx", []byte("same plaintext"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "two encryptions of the same plaintext must differ")
}

func TestEncryptStringRoundTrip(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.EncryptString("proj-1", "whsec_test")
	require.NoError(t, err)

	opened, err := v.DecryptString("proj-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsec_test", opened)
}

func TestDecryptStringRejectsGarbageBase64(t *testing.T) {
	v := newTestVault(t)
	_, err := v.DecryptString("ctx", "not base64!!!")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestReencrypt(t *testing.T) {
	oldVault := newTestVault(t)
	newVault := newTestVault(t)

	sealed, err := oldVault.EncryptString("license-9", "PC-AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)

	rotated, err := oldVault.ReencryptString(newVault, "license-9", sealed)
	require.NoError(t, err)

	// Old vault can no longer open the rotated blob.
	_, err = oldVault.DecryptString("license-9", rotated)
	assert.ErrorIs(t, err, ErrDecrypt)

	opened, err := newVault.DecryptString("license-9", rotated)
	require.NoError(t, err)
	assert.Equal(t, "PC-AAAA-BBBB-CCCC-DDDD", opened)
}

func TestNewVaultRejectsBadKeyLength(t *testing.T) {
	_, err := NewVault(make([]byte, 16))
	assert.Error(t, err)
}

func TestNewVaultFromBase64(t *testing.T) {
	encoded, err := GenerateMasterKey()
	require.NoError(t, err)

	v, err := NewVaultFromBase64(encoded)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = NewVaultFromBase64("%%%")
	assert.Error(t, err)
}

func TestAuditSigningKeyDeterministic(t *testing.T) {
	key := make([]byte, MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	v1, err := NewVault(key)
	require.NoError(t, err)
	v2, err := NewVault(key)
	require.NoError(t, err)

	k1, err := v1.AuditSigningKey()
	require.NoError(t, err)
	k2, err := v2.AuditSigningKey()
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
	assert.NotEqual(t, key, k1, "derived key must differ from the master key")
}

func TestHashEmailNormalizes(t *testing.T) {
	a := HashEmail("  User@Example.COM ")
	b := HashEmail("user@example.com")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashEmailDomainSeparated(t *testing.T) {
	// The fingerprint must not equal a plain sha256 of the address.
	assert.NotEqual(t, HashSecret("user@example.com"), HashEmail("user@example.com"))
}

func TestHashSecret(t *testing.T) {
	h := HashSecret("pc_0123456789abcdef0123456789abcdef")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashSecret("pc_0123456789abcdef0123456789abcdef"))
	assert.NotEqual(t, h, HashSecret("pc_0123456789abcdef0123456789abcdee"))
}
