// Package server assembles the paycheck process: configuration, the vault,
// both databases, the service layer and the HTTP surface, plus the
// background workers, all torn down through one graceful shutdown path.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/paychecklabs/paycheck/internal/api"
	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/config"
	"github.com/paychecklabs/paycheck/internal/crypto"
	pcerrors "github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/logging"
	"github.com/paychecklabs/paycheck/internal/notify"
	"github.com/paychecklabs/paycheck/internal/payments"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/token"
	"github.com/paychecklabs/paycheck/internal/websocket"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// Sentinels classifying startup failures so main can map them to exit
// codes: configuration problems exit 1, storage problems exit 2.
var (
	ErrConfig  = errors.New("config")
	ErrStorage = errors.New("storage")
)

const shutdownTimeout = 30 * time.Second

// Run assembles the service from the environment and blocks until ctx is
// canceled or the listener fails. The caller owns signal handling.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{Component: "paycheck"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Component: "paycheck"})

	log.Info().
		Str("version", version).
		Bool("devMode", cfg.DevMode).
		Str("database", cfg.DatabasePath).
		Msg("Starting paycheck")

	vault, err := crypto.NewVault(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Closing store")
		}
	}()

	signingKey, err := vault.AuditSigningKey()
	if err != nil {
		return fmt.Errorf("%w: derive audit signing key: %w", ErrConfig, err)
	}
	rec, err := audit.Open(audit.Config{
		Path:          cfg.AuditDatabasePath,
		SigningKey:    signingKey,
		Enabled:       cfg.AuditLogEnabled,
		RetentionDays: cfg.AuditRetentionDays,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Error().Err(err).Msg("Closing audit recorder")
		}
	}()

	if err := bootstrapOperator(ctx, st, rec, cfg.BootstrapOperatorEmail); err != nil {
		return fmt.Errorf("%w: bootstrap operator: %w", ErrStorage, err)
	}

	minter := token.NewMinter(st, vault)
	lic := licensing.New(st, vault, minter)
	notifier := notify.New(cfg.ResendAPIKey, cfg.EmailFrom, cfg.DevMode)
	authorizer := authz.New(st)

	hub := websocket.NewHub()
	rec.SetBroadcast(func(e audit.Event) {
		hub.Broadcast("audit_event", e)
	})

	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Store:      st,
		Vault:      vault,
		Authorizer: authorizer,
		Licensing:  lic,
		Payments:   payments.New(st, vault, lic, notifier),
		Notifier:   notifier,
		Minter:     minter,
		Recorder:   rec,
		Hub:        hub,
		Version:    version,
	})
	defer router.Close()

	// ReadHeaderTimeout instead of ReadTimeout: a connection deadline would
	// survive the websocket upgrade and kill long-lived audit streams.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		authorizer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		maintenance(gctx, st, cfg)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// bootstrapOperator seeds the first operator account when the operators
// table is empty. The plaintext API key is logged exactly once; there is
// no way to retrieve it afterwards.
func bootstrapOperator(ctx context.Context, st *store.Store, rec *audit.Recorder, email string) error {
	if email == "" {
		return nil
	}
	count, err := st.CountOperators(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	user, err := st.GetUserByEmail(ctx, email)
	if pcerrors.IsNotFound(err) {
		user, err = st.CreateUser(ctx, email, "")
	}
	if err != nil {
		return err
	}

	op, err := st.CreateOperator(ctx, user.ID, store.OperatorRoleOwner)
	if err != nil {
		return err
	}
	_, key, err := st.CreateAPIKey(ctx, user.ID, "Bootstrap operator key", nil, false, nil)
	if err != nil {
		return err
	}

	rec.Record(audit.Event{
		ActorType:    audit.ActorSystem,
		Action:       "bootstrap_operator",
		ResourceType: "operator",
		ResourceID:   op.ID,
		ResourceName: email,
	})

	log.Warn().
		Str("email", email).
		Str("apiKey", key).
		Msg("Bootstrapped first operator account. Store this key now; it is shown only once")
	return nil
}

// maintenance runs the storage janitors: hourly activation-code expiry and
// a daily purge of soft-deleted rows and webhook dedup entries. Audit
// retention runs inside the recorder itself.
func maintenance(ctx context.Context, st *store.Store, cfg *config.Config) {
	hourly := time.NewTicker(time.Hour)
	defer hourly.Stop()
	daily := time.NewTicker(24 * time.Hour)
	defer daily.Stop()

	// Run once at startup so restarts never postpone overdue cleanup.
	cleanupCodes(ctx, st)
	purgeExpired(ctx, st, cfg.PurgeRetentionDays)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hourly.C:
			cleanupCodes(ctx, st)
		case <-daily.C:
			purgeExpired(ctx, st, cfg.PurgeRetentionDays)
		}
	}
}

func cleanupCodes(ctx context.Context, st *store.Store) {
	n, err := st.CleanupActivationCodes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Activation code cleanup failed")
		}
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Removed expired activation codes")
	}
}

func purgeExpired(ctx context.Context, st *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()

	purged, err := st.PurgeSoftDeleted(ctx, cutoff)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Soft delete purge failed")
		}
	case purged > 0:
		log.Info().
			Int64("purged", purged).
			Int("retentionDays", retentionDays).
			Msg("Purged soft-deleted rows")
	}

	dropped, err := st.PurgeWebhookEvents(ctx, retentionDays)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Webhook event purge failed")
		}
	case dropped > 0:
		log.Info().Int64("dropped", dropped).Msg("Purged stale webhook dedup entries")
	}
}
