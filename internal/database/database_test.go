package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/config"
)

func TestOpen_Sqlite(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	assert.NoError(t, sqlDB.PingContext(context.Background()))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "cockroach"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestOpen_MissingDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

// Exercise the whole stack against a real in-memory database: open,
// tune, probe, and shut down.
func TestPoolManager_SqliteRoundTrip(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond

	pm, err := NewPoolManager(db, cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pm.Ping(context.Background()))

	// Let the probe fire a few times before shutdown.
	time.Sleep(35 * time.Millisecond)

	stats := pm.GetStats()
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)

	require.NoError(t, pm.Close())
	assert.Error(t, pm.Ping(context.Background()))
}
