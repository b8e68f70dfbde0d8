package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEvent() Event {
	return Event{
		ID:           "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Timestamp:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		ActorType:    ActorOrgMember,
		UserID:       "user-1",
		UserEmail:    "dev@acme.test",
		UserName:     "Dev One",
		Action:       "revoke_license",
		ResourceType: "license",
		ResourceID:   "lic-1",
		ResourceName: "ACME-XXXX",
		Details:      JSON(map[string]string{"reason": "chargeback"}),
		OrgID:        "org-1",
		OrgName:      "Acme Software",
		ProjectID:    "proj-1",
		ProjectName:  "Acme App",
		IPAddress:    "203.0.113.7",
		UserAgent:    "curl/8.5",
		Impersonator: &Impersonator{OperatorID: "op-1", OperatorEmail: "root@paycheck.test"},
	}
}

func TestNewSignerKeyLength(t *testing.T) {
	_, err := NewSigner(make([]byte, 16))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	s, err := NewSigner(testKey())
	require.NoError(t, err)
	assert.True(t, s.Enabled())

	disabled, err := NewSigner(nil)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled())
}

func TestSignDeterministic(t *testing.T) {
	s, err := NewSigner(testKey())
	require.NoError(t, err)

	e := signedEvent()
	assert.Equal(t, s.Sign(e), s.Sign(e))
	assert.Len(t, s.Sign(e), 64, "hex SHA-256")
}

func TestSignatureCoversEveryField(t *testing.T) {
	s, err := NewSigner(testKey())
	require.NoError(t, err)
	orig := s.Sign(signedEvent())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"id", func(e *Event) { e.ID = "01BX5ZZKBKACTAV9WEVGEMMVRY" }},
		{"timestamp", func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"actor type", func(e *Event) { e.ActorType = ActorOperator }},
		{"user id", func(e *Event) { e.UserID = "user-2" }},
		{"user email", func(e *Event) { e.UserEmail = "other@acme.test" }},
		{"user name", func(e *Event) { e.UserName = "Dev Two" }},
		{"action", func(e *Event) { e.Action = "create_license" }},
		{"resource type", func(e *Event) { e.ResourceType = "product" }},
		{"resource id", func(e *Event) { e.ResourceID = "lic-2" }},
		{"resource name", func(e *Event) { e.ResourceName = "ACME-YYYY" }},
		{"details", func(e *Event) { e.Details = JSON(map[string]string{"reason": "fraud"}) }},
		{"org id", func(e *Event) { e.OrgID = "org-2" }},
		{"org name", func(e *Event) { e.OrgName = "Other Corp" }},
		{"project id", func(e *Event) { e.ProjectID = "proj-2" }},
		{"project name", func(e *Event) { e.ProjectName = "Other App" }},
		{"ip address", func(e *Event) { e.IPAddress = "198.51.100.1" }},
		{"user agent", func(e *Event) { e.UserAgent = "curl/7.0" }},
		{"impersonator", func(e *Event) { e.Impersonator = &Impersonator{OperatorID: "op-2"} }},
		{"impersonator cleared", func(e *Event) { e.Impersonator = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := signedEvent()
			tc.mutate(&e)
			assert.NotEqual(t, orig, s.Sign(e))
		})
	}
}

func TestVerify(t *testing.T) {
	s, err := NewSigner(testKey())
	require.NoError(t, err)

	e := signedEvent()
	e.Signature = s.Sign(e)
	assert.True(t, s.Verify(e))

	tampered := e
	tampered.Action = "forged"
	assert.False(t, s.Verify(tampered))

	otherKey := make([]byte, 32)
	copy(otherKey, testKey())
	otherKey[0] ^= 0xff
	other, err := NewSigner(otherKey)
	require.NoError(t, err)
	assert.False(t, other.Verify(e), "a different key must reject the signature")

	unsigned := e
	unsigned.Signature = ""
	assert.False(t, s.Verify(unsigned))
}

func TestDisabledSigner(t *testing.T) {
	s, err := NewSigner(nil)
	require.NoError(t, err)

	e := signedEvent()
	assert.Empty(t, s.Sign(e))
	e.Signature = "deadbeef"
	assert.False(t, s.Verify(e))
}
