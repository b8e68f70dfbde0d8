package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Signer computes HMAC-SHA256 signatures over an event's canonical form.
// The key comes out of the vault's HKDF derivation, so the audit trail
// re-keys together with the master key.
type Signer struct {
	key []byte
}

// NewSigner wraps a 32-byte HMAC key. A nil key disables signing: Sign
// returns "" and Verify reports false for every event.
func NewSigner(key []byte) (*Signer, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("audit signing key must be 32 bytes, got %d", len(key))
	}
	return &Signer{key: key}, nil
}

// Enabled reports whether the signer holds a key.
func (s *Signer) Enabled() bool { return s.key != nil }

// Sign returns the hex HMAC-SHA256 of the event's canonical form, or ""
// when signing is disabled.
func (s *Signer) Sign(e Event) string {
	if s.key == nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonicalForm(e)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the event's signature matches its content in
// constant time.
func (s *Signer) Verify(e Event) bool {
	if s.key == nil || e.Signature == "" {
		return false
	}
	expected := s.Sign(e)
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}

// canonicalForm serializes every persisted column except the signature
// itself, pipe-joined in schema order. Editing any stored field breaks
// verification.
func canonicalForm(e Event) string {
	imp := ""
	if e.Impersonator != nil {
		b, _ := json.Marshal(e.Impersonator)
		imp = string(b)
	}
	return e.ID + "|" +
		strconv.FormatInt(e.Timestamp.Unix(), 10) + "|" +
		string(e.ActorType) + "|" +
		e.UserID + "|" +
		e.UserEmail + "|" +
		e.UserName + "|" +
		e.Action + "|" +
		e.ResourceType + "|" +
		e.ResourceID + "|" +
		e.ResourceName + "|" +
		string(e.Details) + "|" +
		e.OrgID + "|" +
		e.OrgName + "|" +
		e.ProjectID + "|" +
		e.ProjectName + "|" +
		e.IPAddress + "|" +
		e.UserAgent + "|" +
		imp
}
