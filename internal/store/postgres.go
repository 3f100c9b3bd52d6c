// Package store provides storage backends for AvitoAssistant.
//
// This file implements a PostgreSQL-backed store for chat bindings and settings.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetChatBinding(chatID string) (*models.ChatBinding, error) {
	var b models.ChatBinding
	err := s.db.QueryRow(`SELECT chat_id, thread_id, created_at FROM threads WHERE chat_id = $1`, chatID).
		Scan(&b.ChatID, &b.ThreadID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetChatBinding failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to query binding for chat %s: %w", chatID, err)
	}
	return &b, nil
}

// SaveChatBinding relies on the primary key to reject a second thread for the
// same chat; RETURNING yields nothing on conflict so the stored row is re-read.
func (s *PostgresStore) SaveChatBinding(b models.ChatBinding) (models.ChatBinding, error) {
	var inserted models.ChatBinding
	err := s.db.QueryRow(`INSERT INTO threads (chat_id, thread_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (chat_id) DO NOTHING RETURNING chat_id, thread_id, created_at`,
		b.ChatID, b.ThreadID, b.CreatedAt).Scan(&inserted.ChatID, &inserted.ThreadID, &inserted.CreatedAt)
	if err == nil {
		slog.Debug("PostgresStore SaveChatBinding inserted", "chat_id", b.ChatID, "thread_id", b.ThreadID)
		return inserted, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("PostgresStore SaveChatBinding failed", "error", err, "chat_id", b.ChatID)
		return models.ChatBinding{}, fmt.Errorf("failed to insert binding for chat %s: %w", b.ChatID, err)
	}

	existing, err := s.GetChatBinding(b.ChatID)
	if err != nil {
		return models.ChatBinding{}, err
	}
	if existing == nil {
		return models.ChatBinding{}, fmt.Errorf("binding for chat %s vanished after conflict", b.ChatID)
	}
	slog.Warn("PostgresStore SaveChatBinding lost race, keeping existing thread", "chat_id", b.ChatID,
		"kept_thread_id", existing.ThreadID, "discarded_thread_id", b.ThreadID)
	return *existing, nil
}

func (s *PostgresStore) GetSetting(key string) (string, bool, error) {
	return s.getValue(tableSettings, key)
}

func (s *PostgresStore) SetSetting(key, value string) error {
	return s.setValue(tableSettings, key, value)
}

func (s *PostgresStore) GetKV(key string) (string, bool, error) {
	return s.getValue(tableKV, key)
}

func (s *PostgresStore) SetKV(key, value string) error {
	return s.setValue(tableKV, key, value)
}

func (s *PostgresStore) getValue(table, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRow(fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, table), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("PostgresStore getValue failed", "error", err, "table", table, "key", key)
		return "", false, fmt.Errorf("failed to read %s.%s: %w", table, key, err)
	}
	return value.String, true, nil
}

func (s *PostgresStore) setValue(table, key, value string) error {
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, table), key, value)
	if err != nil {
		slog.Error("PostgresStore setValue failed", "error", err, "table", table, "key", key)
		return fmt.Errorf("failed to write %s.%s: %w", table, key, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
