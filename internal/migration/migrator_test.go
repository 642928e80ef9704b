package migration

import (
	"fmt"
	"testing"

	"github.com/BaSui01/agentrelay/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input   string
		want    DatabaseType
		wantErr bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"PostgreSQL", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"oracle", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	tests := []struct {
		name     string
		cfg      database.Config
		wantType DatabaseType
		wantURL  string
	}{
		{
			name:     "postgres fields",
			cfg:      database.Config{Driver: "postgres", Host: "db", Port: 5432, User: "relay", Password: "p@ss", Name: "relay"},
			wantType: DatabaseTypePostgres,
			wantURL:  "postgres://relay:p%40ss@db:5432/relay?sslmode=disable",
		},
		{
			name:     "postgres ssl mode",
			cfg:      database.Config{Driver: "postgres", Host: "db", Port: 5432, User: "relay", Name: "relay", SSLMode: "require"},
			wantType: DatabaseTypePostgres,
			wantURL:  "postgres://relay:@db:5432/relay?sslmode=require",
		},
		{
			name:     "postgres dsn kept",
			cfg:      database.Config{Driver: "postgres", DSN: "postgres://x@y/z"},
			wantType: DatabaseTypePostgres,
			wantURL:  "postgres://x@y/z",
		},
		{
			name:     "mysql fields",
			cfg:      database.Config{Driver: "mysql", Host: "db", Port: 3306, User: "root", Password: "pw", Name: "relay"},
			wantType: DatabaseTypeMySQL,
			wantURL:  "root:pw@tcp(db:3306)/relay?parseTime=true&multiStatements=true",
		},
		{
			name:     "mysql dsn gets multi statements",
			cfg:      database.Config{Driver: "mysql", DSN: "root@tcp(db)/relay?parseTime=true"},
			wantType: DatabaseTypeMySQL,
			wantURL:  "root@tcp(db)/relay?parseTime=true&multiStatements=true",
		},
		{
			name:     "mysql dsn without query",
			cfg:      database.Config{Driver: "mysql", DSN: "root@tcp(db)/relay"},
			wantType: DatabaseTypeMySQL,
			wantURL:  "root@tcp(db)/relay?multiStatements=true",
		},
		{
			name:     "sqlite path",
			cfg:      database.Config{Driver: "sqlite", DSN: "/var/lib/relay.db"},
			wantType: DatabaseTypeSQLite,
			wantURL:  "file:/var/lib/relay.db?mode=rwc",
		},
		{
			name:     "sqlite default file",
			cfg:      database.Config{Driver: "sqlite"},
			wantType: DatabaseTypeSQLite,
			wantURL:  "file:agentrelay.db?mode=rwc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, dbType, err := DatabaseURL(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, dbType)
			assert.Equal(t, tt.wantURL, url)
		})
	}

	_, _, err := DatabaseURL(database.Config{Driver: "mssql"})
	assert.Error(t, err)
}

func TestAvailableMigrations(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dbType), func(t *testing.T) {
			files, err := AvailableMigrations(dbType)
			require.NoError(t, err)
			require.Len(t, files, 4)
			assert.Equal(t, MigrationFile{Version: 1, Name: "create_relay_tasks"}, files[0])
			assert.Equal(t, MigrationFile{Version: 2, Name: "create_relay_agents"}, files[1])
			assert.Equal(t, MigrationFile{Version: 3, Name: "create_relay_approval_requests"}, files[2])
			assert.Equal(t, MigrationFile{Version: 4, Name: "add_relay_task_version"}, files[3])
		})
	}

	_, err := AvailableMigrations("oracle")
	assert.Error(t, err)
}

func TestEveryUpHasDown(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		files, err := AvailableMigrations(dbType)
		require.NoError(t, err)
		for _, f := range files {
			name := sourcePath(dbType) + "/" + fmt.Sprintf("%06d", f.Version) + "_" + f.Name + ".down.sql"
			_, err := migrationsFS.ReadFile(name)
			assert.NoError(t, err, name)
		}
	}
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypePostgres})
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "oracle://x"})
	assert.Error(t, err)
}

func TestMigrateLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := &migrateLogger{logger: zap.New(core)}

	l.Printf("Start buffering %d/u %s\n", 1, "create_relay_tasks")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Start buffering 1/u create_relay_tasks", logs.All()[0].Message)
	assert.False(t, l.Verbose())

	debugCore, _ := observer.New(zap.DebugLevel)
	assert.True(t, (&migrateLogger{logger: zap.New(debugCore)}).Verbose())
}
