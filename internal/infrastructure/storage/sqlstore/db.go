// Package sqlstore plugs database/sql into the transaction coordinator. It is
// used with SQLite (modernc.org/sqlite) for embedded deployments and tests, and
// with MySQL (go-sql-driver/mysql).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config describes a database/sql connection.
type Config struct {
	Driver string
	// DSN is a file path for SQLite and a go-sql-driver DSN for MySQL.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps sql.DB with the driver it was opened with.
type DB struct {
	*sql.DB
	driver string
	path   string
}

// Driver returns the driver name.
func (db *DB) Driver() string { return db.driver }

// DataSource returns the driver name and normalized DSN for cfg.
func DataSource(cfg Config) (string, string, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		if cfg.DSN == ":memory:" {
			return DriverSQLite, "file::memory:?cache=shared&_pragma=foreign_keys(ON)", nil
		}
		return DriverSQLite, fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
			cfg.DSN), nil
	case DriverMySQL:
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		return DriverMySQL, mc.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
}

// Open opens and pings the database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver, dsn, err := DataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case driver == DriverSQLite:
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db, driver: driver, path: cfg.DSN}, nil
}

// Close checkpoints the WAL of a file-based SQLite database and closes it.
func (db *DB) Close() error {
	if db.driver == DriverSQLite && db.path != ":memory:" {
		_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return db.DB.Close()
}
