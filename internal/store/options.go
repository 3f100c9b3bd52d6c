package store

import (
	"log/slog"
	"strings"
)

// Opts holds configuration for the SQL-backed stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Backend is a Store that also deduplicates inbound messages.
type Backend interface {
	Store
	DedupRepo
}

// Open returns the store matching dsn. An empty DSN yields an in-memory store.
func Open(dsn string) (Backend, error) {
	if dsn == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store; bindings will not survive restart")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		slog.Debug("store.Open: detected PostgreSQL DSN", "dsn_set", true)
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	slog.Debug("store.Open: detected SQLite DSN", "db_path", dsn)
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
