package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"minibank/internal/ledger"
)

// LedgerStore is the Postgres ledger.Store. AppendEntries writes all
// entries in one transaction; the (payment_id, entry_type) unique index
// backs the one-debit-one-credit-per-payment invariant at the schema level.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO minibank.ledger_entries (id, payment_id, account_id, entry_type, amount_minor, currency, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.PaymentID, e.AccountID, e.Type, e.AmountMinor, e.Currency, e.RecordedAt,
		); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: %s leg for payment %s", ledger.ErrDuplicatePayment, e.Type, e.PaymentID)
			}
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *LedgerStore) EntriesForPayment(ctx context.Context, paymentID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, account_id, entry_type, amount_minor, currency, recorded_at
		FROM minibank.ledger_entries
		WHERE payment_id = $1
		ORDER BY entry_type, recorded_at`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.AccountID, &e.Type, &e.AmountMinor, &e.Currency, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
