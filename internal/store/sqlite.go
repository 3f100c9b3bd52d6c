// Package store provides storage backends for AvitoAssistant.
//
// This file implements an SQLite-backed store for chat bindings and settings.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

// Table names accepted by the generic key-value helpers.
const (
	tableSettings = "settings"
	tableKV       = "kv"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// Writers serialize on the file lock anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetChatBinding(chatID string) (*models.ChatBinding, error) {
	var b models.ChatBinding
	err := s.db.QueryRow(`SELECT chat_id, thread_id, created_at FROM threads WHERE chat_id = ?`, chatID).
		Scan(&b.ChatID, &b.ThreadID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetChatBinding failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to query binding for chat %s: %w", chatID, err)
	}
	return &b, nil
}

func (s *SQLiteStore) SaveChatBinding(b models.ChatBinding) (models.ChatBinding, error) {
	res, err := s.db.Exec(`INSERT INTO threads (chat_id, thread_id, created_at) VALUES (?, ?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		b.ChatID, b.ThreadID, b.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveChatBinding failed", "error", err, "chat_id", b.ChatID)
		return models.ChatBinding{}, fmt.Errorf("failed to insert binding for chat %s: %w", b.ChatID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("SQLiteStore SaveChatBinding inserted", "chat_id", b.ChatID, "thread_id", b.ThreadID)
		return b, nil
	}

	existing, err := s.GetChatBinding(b.ChatID)
	if err != nil {
		return models.ChatBinding{}, err
	}
	if existing == nil {
		return models.ChatBinding{}, fmt.Errorf("binding for chat %s vanished after conflict", b.ChatID)
	}
	slog.Warn("SQLiteStore SaveChatBinding lost race, keeping existing thread", "chat_id", b.ChatID,
		"kept_thread_id", existing.ThreadID, "discarded_thread_id", b.ThreadID)
	return *existing, nil
}

func (s *SQLiteStore) GetSetting(key string) (string, bool, error) {
	return s.getValue(tableSettings, key)
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	return s.setValue(tableSettings, key, value)
}

func (s *SQLiteStore) GetKV(key string) (string, bool, error) {
	return s.getValue(tableKV, key)
}

func (s *SQLiteStore) SetKV(key, value string) error {
	return s.setValue(tableKV, key, value)
}

func (s *SQLiteStore) getValue(table, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRow(fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore getValue failed", "error", err, "table", table, "key", key)
		return "", false, fmt.Errorf("failed to read %s.%s: %w", table, key, err)
	}
	return value.String, true, nil
}

func (s *SQLiteStore) setValue(table, key, value string) error {
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, table), key, value)
	if err != nil {
		slog.Error("SQLiteStore setValue failed", "error", err, "table", table, "key", key)
		return fmt.Errorf("failed to write %s.%s: %w", table, key, err)
	}
	slog.Debug("SQLiteStore setValue succeeded", "table", table, "key", key)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
