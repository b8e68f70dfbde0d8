package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// pageFromQuery parses limit/offset and clamps to storage bounds so
// responses echo the values that were actually applied.
func pageFromQuery(r *http.Request) store.Page {
	page := store.Page{Limit: 50}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		page.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		page.Offset = v
	}
	return page.Normalize()
}

// auditFilterFromQuery parses the shared audit-log filter parameters.
// from/to accept unix seconds or RFC 3339.
func auditFilterFromQuery(r *http.Request) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		ActorType:    audit.ActorType(q.Get("actor_type")),
		UserID:       q.Get("user_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		OrgID:        q.Get("org_id"),
		ProjectID:    q.Get("project_id"),
		From:         parseTimeParam(q.Get("from")),
		To:           parseTimeParam(q.Get("to")),
	}
	page := pageFromQuery(r)
	f.Limit = page.Limit
	f.Offset = page.Offset
	return f
}

func parseTimeParam(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		ts := time.Unix(secs, 0).UTC()
		return &ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts
	}
	return nil
}
