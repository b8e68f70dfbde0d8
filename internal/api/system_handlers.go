package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/config"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/websocket"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// SystemHandlers serves the operator-wide concerns: the global audit
// trail, its export and live stream, and runtime diagnostics.
type SystemHandlers struct {
	store     *store.Store
	licensing *licensing.Service
	recorder  *audit.Recorder
	hub       *websocket.Hub
	cfg       *config.Config
	trail     trail
	version   string
	started   time.Time
}

func NewSystemHandlers(d Deps, tr trail) *SystemHandlers {
	return &SystemHandlers{
		store:     d.Store,
		licensing: d.Licensing,
		recorder:  d.Recorder,
		hub:       d.Hub,
		cfg:       d.Config,
		trail:     tr,
		version:   d.Version,
		started:   time.Now(),
	}
}

// AuditLogs queries the global trail. Unlike the org surface, every
// filter dimension is caller-controlled here.
func (h *SystemHandlers) AuditLogs(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	if h.recorder == nil {
		writeError(w, r, errors.New(errors.KindUnavailable, "Audit log is not configured"))
		return
	}

	f := auditFilterFromQuery(r)
	ctx := r.Context()
	events, err := h.recorder.Query(ctx, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := h.recorder.Count(ctx, f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// ExportAuditLogs renders the filtered trail as a CSV or PDF snapshot
// with per-row signature verdicts. The export itself is audited.
func (h *SystemHandlers) ExportAuditLogs(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	if h.recorder == nil {
		writeError(w, r, errors.New(errors.KindUnavailable, "Audit log is not configured"))
		return
	}

	format := audit.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.FormatCSV
	}

	res, err := h.recorder.Export(r.Context(), auditFilterFromQuery(r), format)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Operator(r, oc, audit.Event{
		Action:       "export_audit_logs",
		ResourceType: "audit_log",
		Details:      audit.JSON(map[string]any{"format": format}),
	})

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

// StreamAuditLogs upgrades to a websocket fed by the recorder broadcast.
func (h *SystemHandlers) StreamAuditLogs(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	if h.hub == nil {
		writeError(w, r, errors.New(errors.KindUnavailable, "Audit stream is not available"))
		return
	}
	h.hub.ServeWS(w, r)
}

type dbFileInfo struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

type diagnosticsResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	Host   map[string]any `json:"host,omitempty"`
	Memory map[string]any `json:"memory,omitempty"`
	CPU    map[string]any `json:"cpu,omitempty"`

	Databases map[string]dbFileInfo `json:"databases"`
	DBPool    map[string]int        `json:"db_pool"`

	WebsocketClients int    `json:"websocket_clients"`
	GoVersion        string `json:"go_version"`
	Goroutines       int    `json:"goroutines"`
}

// Diagnostics reports process and host health for support. Each probe is
// best-effort; a failing collector drops its section rather than the
// whole response.
func (h *SystemHandlers) Diagnostics(w http.ResponseWriter, r *http.Request, oc *authz.OperatorContext) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := diagnosticsResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Databases:     map[string]dbFileInfo{},
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if info, err := gohost.InfoWithContext(ctx); err == nil {
		resp.Host = map[string]any{
			"hostname":          info.Hostname,
			"platform":          info.Platform,
			"platform_version":  info.PlatformVersion,
			"kernel_version":    info.KernelVersion,
			"os_uptime_seconds": info.Uptime,
		}
	}
	if vm, err := gomem.VirtualMemoryWithContext(ctx); err == nil {
		resp.Memory = map[string]any{
			"total_bytes":  vm.Total,
			"used_bytes":   vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}
	resp.CPU = map[string]any{}
	if count, err := gocpu.CountsWithContext(ctx, true); err == nil {
		resp.CPU["count"] = count
	}
	if usage, err := gocpu.PercentWithContext(ctx, 0, false); err == nil && len(usage) > 0 {
		resp.CPU["usage_percent"] = usage[0]
	}

	for name, path := range map[string]string{
		"main":  h.cfg.DatabasePath,
		"audit": h.cfg.AuditDatabasePath,
	} {
		if fi, err := os.Stat(path); err == nil {
			resp.Databases[name] = dbFileInfo{Path: path, SizeBytes: fi.Size()}
		}
	}

	stats := h.store.DB().Stats()
	resp.DBPool = map[string]int{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
	}

	if h.hub != nil {
		resp.WebsocketClients = h.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, resp)
}

type devLicenseRequest struct {
	ProductID  string  `json:"product_id"`
	CustomerID *string `json:"customer_id,omitempty"`
	Email      string  `json:"email,omitempty"`
	ExpiresAt  *int64  `json:"expires_at,omitempty"`
}

// CreateDevLicense shortcuts the payment flow for local testing: license
// plus activation code in one call. Registered only in dev mode.
func (h *SystemHandlers) CreateDevLicense(w http.ResponseWriter, r *http.Request) {
	var body devLicenseRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ProductID == "" {
		writeError(w, r, errors.Validation("product_id is required"))
		return
	}

	ctx := r.Context()
	product, err := h.store.GetProduct(ctx, body.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.store.GetProject(ctx, product.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	license, _, err := h.licensing.IssueLicense(ctx, licensing.IssueParams{
		Project:    project,
		Product:    product,
		Email:      body.Email,
		CustomerID: body.CustomerID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if body.ExpiresAt != nil {
		var updatesExp *int64
		if license.UpdatesExpiresAt != nil {
			u := license.UpdatesExpiresAt.Unix()
			updatesExp = &u
		}
		if err := h.store.ExtendLicenseExpiration(ctx, license.ID, body.ExpiresAt, updatesExp); err != nil {
			writeError(w, r, err)
			return
		}
	}

	code, ac, err := h.licensing.NewActivationCode(ctx, project, license.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"license_id":                 license.ID,
		"activation_code":            code,
		"activation_code_expires_at": ac.ExpiresAt,
		"product_id":                 product.ID,
	})
}
