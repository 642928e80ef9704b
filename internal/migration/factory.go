package migration

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BaSui01/agentrelay/internal/database"
	"go.uber.org/zap"
)

// NewMigratorFromDatabaseConfig creates a migrator for the relay database.
func NewMigratorFromDatabaseConfig(cfg database.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	dbURL, dbType, err := DatabaseURL(cfg)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		Logger:       logger,
	})
}

// DatabaseURL derives the migration connection string from cfg. A DSN set
// in cfg is used as given, except that MySQL DSNs get multiStatements
// enabled.
func DatabaseURL(cfg database.Config) (string, DatabaseType, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}

	if cfg.DSN != "" {
		switch dbType {
		case DatabaseTypeMySQL:
			return withMultiStatements(cfg.DSN), dbType, nil
		case DatabaseTypeSQLite:
			return BuildDatabaseURL(dbType, "", 0, cfg.DSN, "", "", ""), dbType, nil
		}
		return cfg.DSN, dbType, nil
	}

	switch dbType {
	case DatabaseTypePostgres:
		return BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode), dbType, nil
	case DatabaseTypeMySQL:
		return BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, ""), dbType, nil
	default:
		// 与 database.Config 的 sqlite 默认文件一致
		return BuildDatabaseURL(dbType, "", 0, "agentrelay.db", "", "", ""), dbType, nil
	}
}

// BuildDatabaseURL builds a database URL from components
func BuildDatabaseURL(dbType DatabaseType, host string, port int, name, username, password, sslMode string) string {
	switch dbType {
	case DatabaseTypePostgres:
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(username, password),
			Host:     fmt.Sprintf("%s:%d", host, port),
			Path:     "/" + name,
			RawQuery: "sslmode=" + url.QueryEscape(sslMode),
		}
		return u.String()
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			username, password, host, port, name)
	case DatabaseTypeSQLite:
		if strings.HasPrefix(name, "file:") {
			return name
		}
		return fmt.Sprintf("file:%s?mode=rwc", name)
	default:
		return ""
	}
}

func withMultiStatements(dsn string) string {
	if strings.Contains(dsn, "multiStatements=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&multiStatements=true"
	}
	return dsn + "?multiStatements=true"
}
