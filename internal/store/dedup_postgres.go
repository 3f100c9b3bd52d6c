package store

import (
	"fmt"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) RecordInbound(messageID, chatID string) (bool, error) {
	// an unanswered record older than DedupRetryAfter is taken over by the redelivery
	now := dedupNow()
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, chat_id, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET received_at = EXCLUDED.received_at
		WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at < $4`,
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

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		dedupNow(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
