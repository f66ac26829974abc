package extension

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/tollgate/store/sqlite"
)

func TestStoreForPicksDriverStore(t *testing.T) {
	drv := sqlitedriver.New()
	require.NoError(t, drv.Open(t.Context(), filepath.Join(t.TempDir(), "tollgate.db"), driver.WithPoolSize(1)))
	db, err := grove.Open(drv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := storeFor(db)
	assert.IsType(t, &sqlite.Store{}, s)
	require.NoError(t, s.Migrate(t.Context()))
}
