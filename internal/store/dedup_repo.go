// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound webhook message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ChatID      string     `json:"chat_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRetryAfter is how long a recorded but unanswered delivery blocks
// redeliveries. After that a redelivery is handled again.
const DedupRetryAfter = 2 * time.Minute

// dedupNow is the clock used for dedup timestamps.
var dedupNow = func() time.Time { return time.Now().UTC() }

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound records a delivery and reports whether it should be
	// handled. It returns false for a redelivery of a message that was
	// answered, or that was received less than DedupRetryAfter ago.
	RecordInbound(messageID, chatID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}

func (s *InMemoryStore) RecordInbound(messageID, chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := dedupNow()
	if rec, ok := s.dedup[messageID]; ok {
		if rec.ProcessedAt != nil || now.Sub(rec.ReceivedAt) < DedupRetryAfter {
			return false, nil
		}
		rec.ReceivedAt = now
		return true, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ChatID: chatID, ReceivedAt: now}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := dedupNow()
		rec.ProcessedAt = &now
	}
	return nil
}
