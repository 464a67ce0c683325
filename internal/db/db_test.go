package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartvend-client/config"
	"smartvend-client/internal/model"
)

func TestInit_SQLiteMigrates(t *testing.T) {
	cfg := config.Default().Database
	cfg.DSN = filepath.Join(t.TempDir(), "vend.db")

	gormDB, err := Init(&cfg)
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	for _, m := range []any{&model.Identity{}, &model.TransactionRecord{}, &model.PushSubscription{}} {
		assert.True(t, gormDB.Migrator().HasTable(m))
	}
	assert.Equal(t, cfg.MaxOpenConns, sqlDB.Stats().MaxOpenConnections)
}

func TestInit_UnsupportedDriver(t *testing.T) {
	_, err := Init(&config.DatabaseConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported database driver")
}
