// Package store provides durable backends for the token registry: a
// database/sql implementation for Postgres and SQLite, and a JSON file
// snapshot for single-node deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

var (
	_ registry.Store = (*SQLStore)(nil)
	_ registry.Store = (*FileStore)(nil)
)

// Open connects to dsn and returns an initialized SQLStore. Postgres URLs
// (postgres:// or postgresql://) select lib/pq; anything else is treated as
// a SQLite path.
func Open(ctx context.Context, dsn string) (*SQLStore, *sql.DB, error) {
	driver, dialect := "sqlite", DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, dialect = "postgres", DialectPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// Serialize writers; SQLite has a single write lock.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, db, nil
}
