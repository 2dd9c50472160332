package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"minibank/internal/outbox"
)

// OutboxStore is the Postgres outbox.Store.
type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Append(ctx context.Context, r outbox.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO minibank.outbox_events (id, event_id, event_type, subject_id, payload, created_at, published, retry_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, 0, '')`,
		r.ID, r.EventID, r.EventType, r.SubjectID, r.Payload, r.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return outbox.ErrDuplicateEvent
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (s *OutboxStore) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, subject_id, payload, created_at, published, published_at, retry_count, last_error
		FROM minibank.outbox_events
		WHERE NOT published
		ORDER BY created_at
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unpublished: %w", err)
	}
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		r, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE minibank.outbox_events SET published = TRUE, published_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("outbox record not found")
	}
	return nil
}

func (s *OutboxStore) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE minibank.outbox_events SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("outbox record not found")
	}
	return nil
}

func (s *OutboxStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM minibank.outbox_events WHERE published AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete published: %w", err)
	}
	return res.RowsAffected()
}

func scanOutboxRecord(row rowScanner) (outbox.Record, error) {
	var (
		r           outbox.Record
		publishedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.EventID, &r.EventType, &r.SubjectID, &r.Payload,
		&r.CreatedAt, &r.Published, &publishedAt, &r.RetryCount, &r.LastError); err != nil {
		return outbox.Record{}, fmt.Errorf("scan outbox record: %w", err)
	}
	if publishedAt.Valid {
		r.PublishedAt = publishedAt.Time
	}
	return r, nil
}
