package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/gridxlabs/gridx/config"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	// gorm.Open pings the connection once; with ping monitoring enabled the
	// mock must expect it.
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mock, gormDB
}

func TestOpenSQLite(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.Equal(t, "sqlite", db.Dialector.Name())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unknown database driver")
}

func TestNewPoolManagerAppliesLimits(t *testing.T) {
	_, gormDB := setupMockDB(t)

	cfg := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
	pm, err := NewPoolManager(gormDB, cfg, nil)
	require.NoError(t, err)

	assert.Same(t, gormDB, pm.DB())
	assert.Equal(t, 10, pm.Stats().MaxOpenConnections)
}

func TestNewPoolManagerNilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManagerPing(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManagerPingFailure(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, nil)
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pm.Ping(context.Background()))
}

func TestPoolManagerClose(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	assert.NoError(t, pm.Close()) // idempotent

	assert.Error(t, pm.Ping(context.Background()), "ping after close must fail")
}

func TestPoolManagerGetStats(t *testing.T) {
	_, gormDB := setupMockDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, nil)
	require.NoError(t, err)

	stats := pm.GetStats()
	assert.Equal(t, 10, stats.MaxOpenConnections)
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
	})
	assert.Equal(t, 50, pc.MaxOpenConns)
	assert.Equal(t, time.Hour, pc.ConnMaxLifetime)
	// Unset fields fall back to defaults.
	assert.Equal(t, DefaultPoolConfig().MaxIdleConns, pc.MaxIdleConns)
}
