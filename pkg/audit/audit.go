// Package audit records a tamper-evident trail of privileged and public
// actions in a database separate from the operational store, so an audit
// write can never fail the transaction that triggered it. It lives in
// pkg/ so external tooling can read and verify exported trails.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ActorType classifies who performed an action. Retention treats public
// (end-customer) actors differently from internal ones.
type ActorType string

const (
	ActorPublic    ActorType = "public"
	ActorOrgMember ActorType = "org_member"
	ActorOperator  ActorType = "operator"
	ActorSystem    ActorType = "system"
)

// Impersonator records the operator an org-member action was really
// performed by when X-On-Behalf-Of was in play.
type Impersonator struct {
	OperatorID    string `json:"operator_id"`
	OperatorEmail string `json:"operator_email,omitempty"`
}

// Event is one audit record. Names are denormalized copies frozen at
// write time; renaming a project later never rewrites its history.
type Event struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorType    ActorType       `json:"actor_type"`
	UserID       string          `json:"user_id,omitempty"`
	UserEmail    string          `json:"user_email,omitempty"`
	UserName     string          `json:"user_name,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ResourceName string          `json:"resource_name,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	OrgID        string          `json:"org_id,omitempty"`
	OrgName      string          `json:"org_name,omitempty"`
	ProjectID    string          `json:"project_id,omitempty"`
	ProjectName  string          `json:"project_name,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Impersonator *Impersonator   `json:"impersonator,omitempty"`
	Signature    string          `json:"signature,omitempty"`
}

// JSON encodes event details, returning nil when v cannot be encoded.
// Details are advisory and never worth failing the triggering request.
func JSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode audit details")
		return nil
	}
	return b
}

// Filter narrows Query/Count/Export. Zero fields match everything.
type Filter struct {
	ActorType    ActorType
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	OrgID        string
	ProjectID    string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// Config describes one audit database.
type Config struct {
	Path          string
	SigningKey    []byte // 32-byte HMAC key; nil disables signing
	Enabled       bool   // build-but-skip-insert when false
	RetentionDays int    // purge public rows older than this; 0 keeps forever
}

const queueSize = 256

// Recorder owns the audit database. Record is fire-and-forget through a
// bounded queue; a slow disk drops events rather than stalling handlers.
type Recorder struct {
	db            *sql.DB
	signer        *Signer
	enabled       bool
	retentionDays int

	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup

	mu        sync.RWMutex
	broadcast func(Event)
}

// Open opens (or creates) the audit database and starts the persistence
// and retention workers.
func Open(cfg Config) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	signer, err := NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	dsn := cfg.Path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"cache_size(-64000)",
		},
		"_txlock": []string{"immediate"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Recorder{
		db:            db,
		signer:        signer,
		enabled:       cfg.Enabled,
		retentionDays: cfg.RetentionDays,
		queue:         make(chan Event, queueSize),
		stop:          make(chan struct{}),
	}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.drainWorker()
	go r.retentionWorker()

	log.Info().
		Str("path", cfg.Path).
		Bool("enabled", cfg.Enabled).
		Bool("signing", signer.Enabled()).
		Int("retentionDays", cfg.RetentionDays).
		Msg("Audit recorder ready")
	return r, nil
}

func (r *Recorder) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id            TEXT PRIMARY KEY,
		timestamp     INTEGER NOT NULL,
		actor_type    TEXT NOT NULL,
		user_id       TEXT,
		user_email    TEXT,
		user_name     TEXT,
		action        TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT NOT NULL,
		resource_name TEXT,
		details       TEXT,
		org_id        TEXT,
		org_name      TEXT,
		project_id    TEXT,
		project_name  TEXT,
		ip_address    TEXT,
		user_agent    TEXT,
		impersonator  TEXT,
		signature     TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_actor_type ON audit_events(actor_type);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
	CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_events(org_id) WHERE org_id != '';
	CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_events(project_id) WHERE project_id != '';
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// SetBroadcast registers the live-stream sink. Events reach it after a
// successful insert; the disabled recorder never broadcasts.
func (r *Recorder) SetBroadcast(fn func(Event)) {
	r.mu.Lock()
	r.broadcast = fn
	r.mu.Unlock()
}

// Record signs and enqueues one event without ever blocking the caller.
// The returned copy carries the assigned id, timestamp and signature even
// when recording is disabled.
func (r *Recorder) Record(e Event) Event {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Signature = r.signer.Sign(e)

	if !r.enabled {
		log.Debug().
			Str("action", e.Action).
			Str("resourceType", e.ResourceType).
			Msg("Audit recording disabled, event not persisted")
		return e
	}

	select {
	case r.queue <- e:
	default:
		log.Warn().
			Str("auditId", e.ID).
			Str("action", e.Action).
			Msg("Audit queue full, event dropped")
	}
	return e
}

// VerifySignature reports whether a stored event still matches its
// signature.
func (r *Recorder) VerifySignature(e Event) bool {
	return r.signer.Verify(e)
}

// SigningEnabled reports whether events carry signatures at all.
func (r *Recorder) SigningEnabled() bool {
	return r.signer.Enabled()
}

func (r *Recorder) drainWorker() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.persist(e)
		case <-r.stop:
			// Flush what is already queued before shutdown.
			for {
				select {
				case e := <-r.queue:
					r.persist(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(e Event) {
	if err := r.insert(e); err != nil {
		log.Error().Err(err).
			Str("auditId", e.ID).
			Str("action", e.Action).
			Msg("Failed to persist audit event")
		return
	}
	r.mirror(e)

	r.mu.RLock()
	fn := r.broadcast
	r.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (r *Recorder) insert(e Event) error {
	imp := ""
	if e.Impersonator != nil {
		b, err := json.Marshal(e.Impersonator)
		if err != nil {
			return fmt.Errorf("encode impersonator: %w", err)
		}
		imp = string(b)
	}
	_, err := r.db.Exec(`
		INSERT INTO audit_events (
			id, timestamp, actor_type, user_id, user_email, user_name,
			action, resource_type, resource_id, resource_name, details,
			org_id, org_name, project_id, project_name,
			ip_address, user_agent, impersonator, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Unix(), string(e.ActorType), e.UserID, e.UserEmail, e.UserName,
		e.Action, e.ResourceType, e.ResourceID, e.ResourceName, string(e.Details),
		e.OrgID, e.OrgName, e.ProjectID, e.ProjectName,
		e.IPAddress, e.UserAgent, imp, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// mirror gives the trail real-time visibility in the process log.
func (r *Recorder) mirror(e Event) {
	evt := log.Info().
		Str("auditId", e.ID).
		Str("actorType", string(e.ActorType)).
		Str("action", e.Action).
		Str("resourceType", e.ResourceType).
		Str("resourceId", e.ResourceID)
	if e.UserID != "" {
		evt = evt.Str("userId", e.UserID)
	}
	if e.OrgID != "" {
		evt = evt.Str("orgId", e.OrgID)
	}
	if e.ProjectID != "" {
		evt = evt.Str("projectId", e.ProjectID)
	}
	if e.Impersonator != nil {
		evt = evt.Str("impersonator", e.Impersonator.OperatorID)
	}
	evt.Msg("Audit event")
}

const selectColumns = `
	SELECT id, timestamp, actor_type, user_id, user_email, user_name,
	       action, resource_type, resource_id, resource_name, details,
	       org_id, org_name, project_id, project_name,
	       ip_address, user_agent, impersonator, signature
	FROM audit_events`

func buildWhere(f Filter) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if f.ActorType != "" {
		where += " AND actor_type = ?"
		args = append(args, string(f.ActorType))
	}
	if f.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.ResourceType != "" {
		where += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		where += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if f.OrgID != "" {
		where += " AND org_id = ?"
		args = append(args, f.OrgID)
	}
	if f.ProjectID != "" {
		where += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.From != nil {
		where += " AND timestamp >= ?"
		args = append(args, f.From.Unix())
	}
	if f.To != nil {
		where += " AND timestamp <= ?"
		args = append(args, f.To.Unix())
	}
	return where, args
}

// Query returns matching events, newest first. Limit clamps to [1,100]
// (default 50) like every other paginated read.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return r.query(ctx, f, limit, offset)
}

func (r *Recorder) query(ctx context.Context, f Filter, limit, offset int) ([]Event, error) {
	where, args := buildWhere(f)
	// ULIDs are time-ordered, so the id tiebreak keeps same-second
	// events in insertion order.
	q := selectColumns + where + " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns how many events match the filter, ignoring pagination.
func (r *Recorder) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e         Event
		timestamp int64
		actorType string
		userID    sql.NullString
		userEmail sql.NullString
		userName  sql.NullString
		resName   sql.NullString
		details   sql.NullString
		orgID     sql.NullString
		orgName   sql.NullString
		projID    sql.NullString
		projName  sql.NullString
		ip        sql.NullString
		ua        sql.NullString
		imp       sql.NullString
	)
	err := rows.Scan(&e.ID, &timestamp, &actorType, &userID, &userEmail, &userName,
		&e.Action, &e.ResourceType, &e.ResourceID, &resName, &details,
		&orgID, &orgName, &projID, &projName, &ip, &ua, &imp, &e.Signature)
	if err != nil {
		return Event{}, fmt.Errorf("scan audit event: %w", err)
	}
	e.Timestamp = time.Unix(timestamp, 0).UTC()
	e.ActorType = ActorType(actorType)
	e.UserID = userID.String
	e.UserEmail = userEmail.String
	e.UserName = userName.String
	e.ResourceName = resName.String
	if details.String != "" {
		e.Details = json.RawMessage(details.String)
	}
	e.OrgID = orgID.String
	e.OrgName = orgName.String
	e.ProjectID = projID.String
	e.ProjectName = projName.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	if imp.String != "" {
		var i Impersonator
		if err := json.Unmarshal([]byte(imp.String), &i); err == nil {
			e.Impersonator = &i
		}
	}
	return e, nil
}

// retentionWorker purges on start and every 24 hours after that.
func (r *Recorder) retentionWorker() {
	defer r.wg.Done()

	r.purgeExpired()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.purgeExpired()
		}
	}
}

// purgeExpired deletes public-actor rows past the retention window.
// Internal actors (org_member, operator, system) are kept forever.
func (r *Recorder) purgeExpired() {
	if r.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -r.retentionDays).Unix()
	res, err := r.db.Exec(`DELETE FROM audit_events WHERE actor_type = ? AND timestamp < ?`,
		string(ActorPublic), cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge expired audit events")
		return
	}

	deleted, _ := res.RowsAffected()
	if deleted == 0 {
		return
	}
	log.Info().
		Int64("deleted", deleted).
		Int("retentionDays", r.retentionDays).
		Msg("Purged expired public audit events")

	r.Record(Event{
		ActorType:    ActorSystem,
		Action:       "purge_audit_logs",
		ResourceType: "audit_log",
		ResourceID:   "retention",
		Details:      JSON(map[string]any{"deleted": deleted, "retention_days": r.retentionDays}),
	})
}

// Close flushes the queue, stops the workers and closes the database.
func (r *Recorder) Close() error {
	close(r.stop)
	r.wg.Wait()
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close audit database: %w", err)
	}
	return nil
}
