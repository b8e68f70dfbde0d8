package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

func newBootstrapFixtures(t *testing.T) (*store.Store, *audit.Recorder) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "paycheck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec, err := audit.Open(audit.Config{
		Path:    filepath.Join(dir, "paycheck_audit.db"),
		Enabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	return st, rec
}

func TestBootstrapOperatorFirstRun(t *testing.T) {
	st, rec := newBootstrapFixtures(t)
	ctx := context.Background()

	require.NoError(t, bootstrapOperator(ctx, st, rec, "root@paycheck.test"))

	n, err := st.CountOperators(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	user, err := st.GetUserByEmail(ctx, "root@paycheck.test")
	require.NoError(t, err)
	op, err := st.GetOperatorByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OperatorRoleOwner, op.Role)

	// Once any operator exists the bootstrap is a no-op, even for a
	// different email.
	require.NoError(t, bootstrapOperator(ctx, st, rec, "other@paycheck.test"))
	n, err = st.CountOperators(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBootstrapOperatorSkippedWithoutEmail(t *testing.T) {
	st, rec := newBootstrapFixtures(t)
	ctx := context.Background()

	require.NoError(t, bootstrapOperator(ctx, st, rec, ""))

	n, err := st.CountOperators(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBootstrapOperatorReusesExistingUser(t *testing.T) {
	st, rec := newBootstrapFixtures(t)
	ctx := context.Background()

	existing, err := st.CreateUser(ctx, "root@paycheck.test", "Root")
	require.NoError(t, err)

	require.NoError(t, bootstrapOperator(ctx, st, rec, "root@paycheck.test"))

	op, err := st.GetOperatorByUser(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OperatorRoleOwner, op.Role)
}

func TestMaintenanceHelpersTolerateEmptyStore(t *testing.T) {
	st, _ := newBootstrapFixtures(t)
	ctx := context.Background()

	cleanupCodes(ctx, st)
	purgeExpired(ctx, st, 0)
	purgeExpired(ctx, st, 30)
}
