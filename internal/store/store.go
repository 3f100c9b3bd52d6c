// Package store provides storage backends for AvitoAssistant.
//
// It keeps the chat-to-thread bindings, the operator settings and a small
// key-value table. An in-memory store is provided for tests; SQLite and
// PostgreSQL back durable deployments.
package store

import (
	"sync"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// Store is the durable key-value persistence used by the conversation core.
type Store interface {
	// GetChatBinding returns the binding for chatID, or nil if none exists.
	GetChatBinding(chatID string) (*models.ChatBinding, error)
	// SaveChatBinding inserts b unless a binding for b.ChatID already exists.
	// It always returns the binding that is stored after the call.
	SaveChatBinding(b models.ChatBinding) (models.ChatBinding, error)

	// GetSetting returns the value for key and whether it was present.
	GetSetting(key string) (string, bool, error)
	// SetSetting upserts a settings value.
	SetSetting(key, value string) error

	// GetKV returns the value for key and whether it was present.
	GetKV(key string) (string, bool, error)
	// SetKV upserts a kv value.
	SetKV(key, value string) error

	Close() error
}

// InMemoryStore is a simple in-memory store used in tests and when no DSN is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]models.ChatBinding
	settings map[string]string
	kv       map[string]string
	dedup    map[string]*DedupRecord
}

// Compile-time checks that InMemoryStore implements Store and DedupRepo.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bindings: make(map[string]models.ChatBinding),
		settings: make(map[string]string),
		kv:       make(map[string]string),
		dedup:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) GetChatBinding(chatID string) (*models.ChatBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[chatID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *InMemoryStore) SaveChatBinding(b models.ChatBinding) (models.ChatBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bindings[b.ChatID]; ok {
		return existing, nil
	}
	s.bindings[b.ChatID] = b
	return b, nil
}

// BindingCount returns the number of stored chat bindings (for tests).
func (s *InMemoryStore) BindingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

func (s *InMemoryStore) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *InMemoryStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) GetKV(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *InMemoryStore) SetKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
