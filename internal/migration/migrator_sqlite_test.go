//go:build cgo

package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMigrator_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sqlite migration test in short mode")
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	m, err := NewMigrator(&Config{
		DatabaseType: DatabaseTypeSQLite,
		DatabaseURL:  BuildDatabaseURL(DatabaseTypeSQLite, "", 0, path, "", "", ""),
	})
	require.NoError(t, err)

	require.NoError(t, m.Up(ctx))
	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(4), info.CurrentVersion)
	assert.Equal(t, 0, info.PendingMigrations)

	// 再次执行 up 没有变化, 不报错
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Close())

	// GORM stores work on the migrated schema without AutoMigrate
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	stores, err := persistence.Open(ctx, persistence.StoreConfig{
		Type:            persistence.StoreTypeDatabase,
		SkipAutoMigrate: true,
	}, db, nil)
	require.NoError(t, err)

	l := ledger.New(stores.Tasks, nil)
	task, err := l.Create(ctx, ledger.NewTask{
		Title: "report", Source: ledger.SourceAgentDelegation, AgentID: "bob", RequesterID: "alice",
	})
	require.NoError(t, err)
	_, err = l.Start(ctx, task.ID)
	require.NoError(t, err)
	got, err := stores.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.Title)
	assert.Equal(t, int64(2), got.Version)
}
