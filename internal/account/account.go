package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the account lifecycle state
type Status int32

const (
	StatusActive Status = iota
	StatusSuspended
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotFound          = errors.New("account not found")
	ErrAlreadyExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountInactive   = errors.New("account is not active")
	ErrNegativeAmount    = errors.New("amount must be positive")

	// ErrConcurrentModification indicates the stored balance version moved
	// between read and write. Retryable: re-read and retry the single
	// balance operation, never the whole saga.
	ErrConcurrentModification = errors.New("concurrent balance modification")
)

// Account is the owning entity for per-currency balances.
type Account struct {
	ID         uuid.UUID
	Number     string
	HolderName string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewAccount creates an active account.
func NewAccount(number, holderName string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:         uuid.New(),
		Number:     number,
		HolderName: holderName,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Balance holds per-currency funds in integer minor units.
// Invariant: Total = Available + Reserved, all non-negative.
type Balance struct {
	AccountID      uuid.UUID
	Currency       string
	AvailableMinor int64
	ReservedMinor  int64
	Version        int64
}

// TotalMinor is derived, never stored independently of its components.
func (b Balance) TotalMinor() int64 {
	return b.AvailableMinor + b.ReservedMinor
}

// ZeroBalance returns an empty balance row for an account/currency pair.
func ZeroBalance(accountID uuid.UUID, currency string) Balance {
	return Balance{AccountID: accountID, Currency: currency}
}

// Credit adds amount to available (and thus total).
func (b Balance) Credit(amount int64) (Balance, error) {
	if amount <= 0 {
		return b, ErrNegativeAmount
	}
	b.AvailableMinor += amount
	return b, nil
}

// Debit removes amount from available (and thus total).
func (b Balance) Debit(amount int64) (Balance, error) {
	if amount <= 0 {
		return b, ErrNegativeAmount
	}
	if b.AvailableMinor < amount {
		return b, fmt.Errorf("%w: available=%d, requested=%d", ErrInsufficientFunds, b.AvailableMinor, amount)
	}
	b.AvailableMinor -= amount
	return b, nil
}

// Reserve moves amount from available into reserved. Total unchanged.
func (b Balance) Reserve(amount int64) (Balance, error) {
	if amount <= 0 {
		return b, ErrNegativeAmount
	}
	if b.AvailableMinor < amount {
		return b, fmt.Errorf("%w: available=%d, requested=%d", ErrInsufficientFunds, b.AvailableMinor, amount)
	}
	b.AvailableMinor -= amount
	b.ReservedMinor += amount
	return b, nil
}

// ReleaseReservation moves amount from reserved back to available.
// Total unchanged. Used by compensation of a pure hold.
func (b Balance) ReleaseReservation(amount int64) (Balance, error) {
	if amount <= 0 {
		return b, ErrNegativeAmount
	}
	if b.ReservedMinor < amount {
		return b, fmt.Errorf("insufficient reserved balance: reserved=%d, requested=%d", b.ReservedMinor, amount)
	}
	b.ReservedMinor -= amount
	b.AvailableMinor += amount
	return b, nil
}

// SettleReservation consumes a held amount: reserved and total decrease.
func (b Balance) SettleReservation(amount int64) (Balance, error) {
	if amount <= 0 {
		return b, ErrNegativeAmount
	}
	if b.ReservedMinor < amount {
		return b, fmt.Errorf("insufficient reserved balance: reserved=%d, requested=%d", b.ReservedMinor, amount)
	}
	b.ReservedMinor -= amount
	return b, nil
}
