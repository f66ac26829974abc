package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/sqlite"
	"github.com/xraph/tollgate/store/storetest"
	"github.com/xraph/tollgate/types"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "tollgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Migrate(ctx))

	var n int
	require.NoError(t, sqlitedriver.Unwrap(s.DB()).NewRaw(`SELECT COUNT(*) FROM grove_migrations WHERE "group" = ?`, "tollgate").Scan(ctx, &n))
	assert.Equal(t, len(sqlite.Migrations.Migrations()), n)
}

func TestMigrateCreatesAttemptsIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var n int
	require.NoError(t, sqlitedriver.Unwrap(s.DB()).NewRaw(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, "idx_tollgate_events_attempts").Scan(ctx, &n))
	assert.Equal(t, 1, n)
}

func TestRunInTxSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	inv := &invoice.Invoice{
		Entity:    types.NewEntity(storetest.T0),
		ID:        id.NewInvoiceID(),
		AccountID: id.NewAccountID(),
		Status:    invoice.StatusIssued,
		Currency:  "USD",
		DueAt:     storetest.T0,
	}
	require.NoError(t, s.CreateInvoice(ctx, inv))

	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			return s.RunInTx(ctx, func(ctx context.Context) error {
				cur, err := s.LockInvoice(ctx, inv.ID)
				if err != nil {
					return err
				}
				cur.BalanceDue.Amount++
				return s.UpdateInvoice(ctx, cur)
			})
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.BalanceDue.Amount)
}
