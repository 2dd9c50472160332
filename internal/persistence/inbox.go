package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"minibank/internal/inbox"
)

// InboxStore is the Postgres inbox.Store. The unique event_id column makes
// InsertIfAbsent race-safe across service instances.
type InboxStore struct {
	db *sql.DB
}

func NewInboxStore(db *sql.DB) *InboxStore {
	return &InboxStore{db: db}
}

func (s *InboxStore) InsertIfAbsent(ctx context.Context, r inbox.Record) (bool, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO minibank.inbox_events (id, event_id, event_type, payload, received_at, processed, retry_count, last_error)
		VALUES ($1, $2, $3, $4, NOW(), FALSE, 0, '')
		ON CONFLICT (event_id) DO NOTHING`,
		r.ID, r.EventID, r.EventType, r.Payload,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("insert inbox event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 1, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE minibank.inbox_events SET processed = TRUE, processed_at = NOW() WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	return nil
}

func (s *InboxStore) RecordFailure(ctx context.Context, eventID string, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE minibank.inbox_events SET retry_count = retry_count + 1, last_error = $1 WHERE event_id = $2`,
		lastError, eventID,
	)
	if err != nil {
		return fmt.Errorf("record inbox failure: %w", err)
	}
	return nil
}

func (s *InboxStore) Get(ctx context.Context, eventID string) (inbox.Record, bool, error) {
	var (
		r           inbox.Record
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, event_type, payload, received_at, processed, processed_at, retry_count, last_error
		FROM minibank.inbox_events WHERE event_id = $1`, eventID,
	).Scan(&r.ID, &r.EventID, &r.EventType, &r.Payload, &r.ReceivedAt,
		&r.Processed, &processedAt, &r.RetryCount, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return inbox.Record{}, false, nil
	}
	if err != nil {
		return inbox.Record{}, false, fmt.Errorf("scan inbox record: %w", err)
	}
	if processedAt.Valid {
		r.ProcessedAt = processedAt.Time
	}
	return r, true, nil
}
