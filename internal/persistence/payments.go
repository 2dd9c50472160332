package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"minibank/internal/payment"
)

// PaymentStore is the Postgres payment.Store. Create runs the payment row
// insert and the request-id binding in one transaction, so a crash between
// them cannot leave two payments for one request.
type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

const paymentColumns = `id, request_id, from_account_id, to_account_id, amount_minor, currency, status, failure_reason, created_at, updated_at, version`

func (s *PaymentStore) Create(ctx context.Context, p *payment.Payment) (*payment.Payment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO minibank.payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.RequestID, p.FromAccountID, p.ToAccountID, p.AmountMinor,
		p.Currency, p.Status, p.FailureReason, p.CreatedAt, p.UpdatedAt, p.Version,
	); err != nil {
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}

	// The unique request_id row arbitrates concurrent duplicates: exactly
	// one inserter wins, the rest observe the winner's binding.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO minibank.idempotency_records (request_id, payment_id, bound_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (request_id) DO NOTHING`,
		p.RequestID, p.ID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("bind request id: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if inserted == 0 {
		// A binding exists. Take it over only if it expired; otherwise the
		// transaction rolls back, discarding our payment insert.
		res, err := tx.ExecContext(ctx, `
			UPDATE minibank.idempotency_records
			SET payment_id = $1, bound_at = NOW()
			WHERE request_id = $2 AND bound_at < $3`,
			p.ID, p.RequestID, time.Now().UTC().Add(-payment.RequestWindow),
		)
		if err != nil {
			return nil, false, fmt.Errorf("rebind request id: %w", err)
		}
		rebound, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if rebound == 0 {
			var boundID uuid.UUID
			if err := tx.QueryRowContext(ctx, `
				SELECT payment_id FROM minibank.idempotency_records WHERE request_id = $1`,
				p.RequestID,
			).Scan(&boundID); err != nil {
				return nil, false, fmt.Errorf("lookup bound payment: %w", err)
			}
			tx.Rollback()
			existing, err := s.Get(ctx, boundID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return p.Clone(), true, nil
}

func (s *PaymentStore) Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM minibank.payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *PaymentStore) GetByRequestID(ctx context.Context, requestID string) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.request_id, p.from_account_id, p.to_account_id, p.amount_minor,
		       p.currency, p.status, p.failure_reason, p.created_at, p.updated_at, p.version
		FROM minibank.payments p
		JOIN minibank.idempotency_records r ON r.payment_id = p.id
		WHERE r.request_id = $1`, requestID)
	return scanPayment(row)
}

func (s *PaymentStore) Update(ctx context.Context, p *payment.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE minibank.payments
		SET status = $1, failure_reason = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		p.Status, p.FailureReason, p.UpdatedAt, p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from a version conflict.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM minibank.payments WHERE id = $1)`, p.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return payment.ErrNotFound
		}
		return payment.ErrVersionConflict
	}
	p.Version++
	return nil
}

func (s *PaymentStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM minibank.payments
		WHERE status IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at`,
		payment.StatusRequested, payment.StatusDebited, payment.StatusCredited, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stalled payments: %w", err)
	}
	defer rows.Close()

	var stalled []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		stalled = append(stalled, p)
	}
	return stalled, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var p payment.Payment
	err := row.Scan(
		&p.ID, &p.RequestID, &p.FromAccountID, &p.ToAccountID, &p.AmountMinor,
		&p.Currency, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}
