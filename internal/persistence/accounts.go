package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"minibank/internal/account"
)

// AccountStore is the Postgres account.Store. Balance writes are guarded by
// the version column: an UPDATE that matches zero rows signals a concurrent
// writer, never silently overwrites.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) CreateAccount(ctx context.Context, a *account.Account) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO minibank.accounts (id, number, holder_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Number, a.HolderName, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return account.ErrAlreadyExists
	}
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	var a account.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, holder_name, status, created_at, updated_at
		FROM minibank.accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Number, &a.HolderName, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (s *AccountStore) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status account.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE minibank.accounts SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (s *AccountStore) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (account.Balance, error) {
	var b account.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, currency, available_minor, reserved_minor, version
		FROM minibank.account_balances
		WHERE account_id = $1 AND currency = $2`, accountID, currency,
	).Scan(&b.AccountID, &b.Currency, &b.AvailableMinor, &b.ReservedMinor, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		// No funds in this currency yet; confirm the account itself exists.
		if _, aerr := s.GetAccount(ctx, accountID); aerr != nil {
			return account.Balance{}, aerr
		}
		return account.ZeroBalance(accountID, currency), nil
	}
	if err != nil {
		return account.Balance{}, fmt.Errorf("scan balance: %w", err)
	}
	return b, nil
}

func (s *AccountStore) SaveBalance(ctx context.Context, b account.Balance, expectedVersion int64, operationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin balance write: %w", err)
	}
	defer tx.Rollback()

	if expectedVersion == 0 {
		// First write for this account/currency pair. A conflicting insert
		// means another writer got there first.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO minibank.account_balances (account_id, currency, available_minor, reserved_minor, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (account_id, currency) DO NOTHING`,
			b.AccountID, b.Currency, b.AvailableMinor, b.ReservedMinor,
		)
		if err != nil {
			return fmt.Errorf("insert balance: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return account.ErrConcurrentModification
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE minibank.account_balances
			SET available_minor = $1, reserved_minor = $2, version = version + 1
			WHERE account_id = $3 AND currency = $4 AND version = $5`,
			b.AvailableMinor, b.ReservedMinor, b.AccountID, b.Currency, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return account.ErrConcurrentModification
		}
	}

	// The operation id lands in the same transaction as the balance write,
	// so a replay can never re-apply a mutation that already committed.
	if operationID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO minibank.balance_operations (operation_id, account_id, currency)
			VALUES ($1, $2, $3)
			ON CONFLICT (operation_id) DO NOTHING`,
			operationID, b.AccountID, b.Currency,
		)
		if err != nil {
			return fmt.Errorf("record balance operation: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return account.ErrConcurrentModification
		}
	}

	return tx.Commit()
}

func (s *AccountStore) OperationApplied(ctx context.Context, operationID string) (bool, error) {
	var applied bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM minibank.balance_operations WHERE operation_id = $1)`,
		operationID,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check balance operation: %w", err)
	}
	return applied, nil
}
