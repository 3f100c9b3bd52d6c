package store

import (
	"fmt"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) RecordInbound(messageID, chatID string) (bool, error) {
	// an unanswered record older than DedupRetryAfter is taken over by the redelivery
	now := dedupNow()
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, chat_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at
		WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at < ?`,
		messageID, chatID, now, now.Add(-DedupRetryAfter),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		dedupNow(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
