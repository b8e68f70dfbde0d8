package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func newRecorder(t *testing.T, cfg Config) *Recorder {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "audit.db")
	}
	r, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// waitForCount blocks until the filter matches exactly want rows, giving
// the drain worker time to persist queued events.
func waitForCount(t *testing.T, r *Recorder, f Filter, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := r.Count(context.Background(), f)
		return err == nil && n == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{SigningKey: testKey(), Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestRecordAssignsIDAndSignature(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true})

	e := r.Record(Event{
		ActorType:    ActorOrgMember,
		UserID:       "user-1",
		Action:       "create_license",
		ResourceType: "license",
		ResourceID:   "lic-1",
	})

	assert.Len(t, e.ID, 26, "ids are ULIDs")
	assert.False(t, e.Timestamp.IsZero())
	assert.NotEmpty(t, e.Signature)
	assert.True(t, r.VerifySignature(e))
	assert.True(t, r.SigningEnabled())
}

func TestRecordKeepsExplicitIDAndTimestamp(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true})

	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	e := r.Record(Event{
		ID:           "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Timestamp:    ts,
		ActorType:    ActorSystem,
		Action:       "purge_audit_logs",
		ResourceType: "audit_log",
		ResourceID:   "retention",
	})

	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", e.ID)
	assert.True(t, e.Timestamp.Equal(ts))
}

func TestRecordAndQuery(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true})
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	r.Record(Event{
		Timestamp:    base.Add(-2 * time.Hour),
		ActorType:    ActorPublic,
		Action:       "redeem_code",
		ResourceType: "license",
		ResourceID:   "lic-1",
		ProjectID:    "proj-1",
		ProjectName:  "Acme App",
		IPAddress:    "203.0.113.7",
	})
	r.Record(Event{
		Timestamp:    base.Add(-time.Hour),
		ActorType:    ActorOrgMember,
		UserID:       "user-1",
		UserEmail:    "dev@acme.test",
		UserName:     "Dev One",
		Action:       "create_license",
		ResourceType: "license",
		ResourceID:   "lic-2",
		OrgID:        "org-1",
		OrgName:      "Acme Software",
		ProjectID:    "proj-1",
		ProjectName:  "Acme App",
		Details:      JSON(map[string]string{"tier": "pro"}),
	})
	r.Record(Event{
		Timestamp:    base,
		ActorType:    ActorOperator,
		UserID:       "op-1",
		UserEmail:    "root@paycheck.test",
		Action:       "delete_organization",
		ResourceType: "organization",
		ResourceID:   "org-2",
		ResourceName: "Shuttered Inc",
	})
	waitForCount(t, r, Filter{}, 3)

	t.Run("newest first", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "delete_organization", events[0].Action)
		assert.Equal(t, "create_license", events[1].Action)
		assert.Equal(t, "redeem_code", events[2].Action)
	})

	t.Run("round trip", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{Action: "create_license"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		e := events[0]
		assert.Equal(t, ActorOrgMember, e.ActorType)
		assert.Equal(t, "user-1", e.UserID)
		assert.Equal(t, "dev@acme.test", e.UserEmail)
		assert.Equal(t, "Dev One", e.UserName)
		assert.Equal(t, "org-1", e.OrgID)
		assert.Equal(t, "Acme Software", e.OrgName)
		assert.Equal(t, "proj-1", e.ProjectID)
		assert.Equal(t, "Acme App", e.ProjectName)
		assert.JSONEq(t, `{"tier":"pro"}`, string(e.Details))
		assert.True(t, e.Timestamp.Equal(base.Add(-time.Hour)))
		assert.True(t, r.VerifySignature(e), "persisted event must verify")
	})

	t.Run("by actor type", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{ActorType: ActorPublic})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "redeem_code", events[0].Action)
	})

	t.Run("by user", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{UserID: "op-1"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "delete_organization", events[0].Action)
	})

	t.Run("by org", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{OrgID: "org-1"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "create_license", events[0].Action)
	})

	t.Run("by project", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{ProjectID: "proj-1"})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("by resource", func(t *testing.T) {
		events, err := r.Query(ctx, Filter{ResourceType: "organization", ResourceID: "org-2"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "Shuttered Inc", events[0].ResourceName)
	})

	t.Run("time window", func(t *testing.T) {
		from := base.Add(-90 * time.Minute)
		to := base.Add(-30 * time.Minute)
		events, err := r.Query(ctx, Filter{From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "create_license", events[0].Action)
	})

	t.Run("pagination", func(t *testing.T) {
		first, err := r.Query(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)

		rest, err := r.Query(ctx, Filter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "redeem_code", rest[0].Action)
	})

	t.Run("count ignores pagination", func(t *testing.T) {
		n, err := r.Count(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestImpersonatorRoundTrip(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true})

	r.Record(Event{
		ActorType:    ActorOrgMember,
		UserID:       "user-1",
		Action:       "revoke_license",
		ResourceType: "license",
		ResourceID:   "lic-1",
		OrgID:        "org-1",
		Impersonator: &Impersonator{OperatorID: "op-1", OperatorEmail: "root@paycheck.test"},
	})
	waitForCount(t, r, Filter{}, 1)

	events, err := r.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Impersonator)
	assert.Equal(t, "op-1", events[0].Impersonator.OperatorID)
	assert.Equal(t, "root@paycheck.test", events[0].Impersonator.OperatorEmail)
	assert.True(t, r.VerifySignature(events[0]), "impersonator is part of the signed form")
}

func TestDisabledRecorderSkipsInsert(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: false})

	e := r.Record(Event{
		ActorType:    ActorOperator,
		UserID:       "op-1",
		Action:       "create_organization",
		ResourceType: "organization",
		ResourceID:   "org-1",
	})

	// The returned event is still fully formed so callers can log it.
	assert.Len(t, e.ID, 26)
	assert.NotEmpty(t, e.Signature)
	assert.True(t, r.VerifySignature(e))

	time.Sleep(50 * time.Millisecond)
	n, err := r.Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroadcastAfterPersist(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true})

	got := make(chan Event, 1)
	r.SetBroadcast(func(e Event) { got <- e })

	rec := r.Record(Event{
		ActorType:    ActorOrgMember,
		UserID:       "user-1",
		Action:       "create_product",
		ResourceType: "product",
		ResourceID:   "prod-1",
	})

	select {
	case e := <-got:
		assert.Equal(t, rec.ID, e.ID)
		assert.Equal(t, "create_product", e.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestDisabledRecorderNeverBroadcasts(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: false})

	got := make(chan Event, 1)
	r.SetBroadcast(func(e Event) { got <- e })
	r.Record(Event{
		ActorType:    ActorOrgMember,
		Action:       "create_product",
		ResourceType: "product",
		ResourceID:   "prod-1",
	})

	select {
	case <-got:
		t.Fatal("disabled recorder must not broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTamperDetection(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true})
	ctx := context.Background()

	rec := r.Record(Event{
		ActorType:    ActorOperator,
		UserID:       "op-1",
		Action:       "update_operator",
		ResourceType: "operator",
		ResourceID:   "op-2",
	})
	waitForCount(t, r, Filter{}, 1)

	events, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, r.VerifySignature(events[0]))

	_, err = r.db.Exec(`UPDATE audit_events SET action = 'forged' WHERE id = ?`, rec.ID)
	require.NoError(t, err)

	events, err = r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "forged", events[0].Action)
	assert.False(t, r.VerifySignature(events[0]), "edited rows must fail verification")
}

func TestRetentionPurgesOnlyPublicActors(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true, RetentionDays: 90})
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -120)
	r.Record(Event{
		Timestamp:    old,
		ActorType:    ActorPublic,
		Action:       "validate_token",
		ResourceType: "license",
		ResourceID:   "lic-old",
	})
	r.Record(Event{
		Timestamp:    old,
		ActorType:    ActorOperator,
		UserID:       "op-1",
		Action:       "delete_organization",
		ResourceType: "organization",
		ResourceID:   "org-old",
	})
	r.Record(Event{
		ActorType:    ActorPublic,
		Action:       "redeem_code",
		ResourceType: "license",
		ResourceID:   "lic-new",
	})
	waitForCount(t, r, Filter{}, 3)

	r.purgeExpired()

	// The purge itself lands in the trail as a signed system event.
	waitForCount(t, r, Filter{Action: "purge_audit_logs"}, 1)

	n, err := r.Count(ctx, Filter{ResourceID: "lic-old"})
	require.NoError(t, err)
	assert.Zero(t, n, "expired public rows are purged")

	n, err = r.Count(ctx, Filter{ResourceID: "org-old"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "internal actors are kept forever")

	n, err = r.Count(ctx, Filter{ResourceID: "lic-new"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "recent public rows survive")

	events, err := r.Query(ctx, Filter{Action: "purge_audit_logs"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActorSystem, events[0].ActorType)
	assert.True(t, r.VerifySignature(events[0]))
}

func TestRetentionDisabledKeepsEverything(t *testing.T) {
	r := newRecorder(t, Config{SigningKey: testKey(), Enabled: true, RetentionDays: 0})

	r.Record(Event{
		Timestamp:    time.Now().UTC().AddDate(-1, 0, 0),
		ActorType:    ActorPublic,
		Action:       "redeem_code",
		ResourceType: "license",
		ResourceID:   "lic-1",
	})
	waitForCount(t, r, Filter{}, 1)

	r.purgeExpired()

	n, err := r.Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJSONHelper(t *testing.T) {
	assert.JSONEq(t, `{"count":2}`, string(JSON(map[string]int{"count": 2})))
	assert.Nil(t, JSON(make(chan int)), "unencodable details degrade to nil")
}
