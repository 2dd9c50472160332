package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the payment lifecycle state
type Status int32

const (
	StatusRequested Status = iota
	StatusDebited
	StatusCredited
	StatusCompleted
	StatusFailedInsufficientFunds
	StatusFailedAccountInactive
	StatusFailedSystemError
	StatusCompensated
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "REQUESTED"
	case StatusDebited:
		return "DEBITED"
	case StatusCredited:
		return "CREDITED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailedInsufficientFunds:
		return "FAILED_INSUFFICIENT_FUNDS"
	case StatusFailedAccountInactive:
		return "FAILED_ACCOUNT_INACTIVE"
	case StatusFailedSystemError:
		return "FAILED_SYSTEM_ERROR"
	case StatusCompensated:
		return "COMPENSATED"
	default:
		return "UNKNOWN"
	}
}

// IsFailure reports whether s is one of the terminal failure statuses.
func (s Status) IsFailure() bool {
	return s == StatusFailedInsufficientFunds ||
		s == StatusFailedAccountInactive ||
		s == StatusFailedSystemError
}

// IsTerminal reports whether s permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s.IsFailure()
}

var (
	// ErrIllegalTransition indicates a transition attempted outside the state
	// machine. This is a programming/ops error, not a business outcome.
	ErrIllegalTransition = errors.New("illegal payment status transition")

	ErrEmptyRequestID  = errors.New("request id must not be empty")
	ErrSameAccount     = errors.New("cannot transfer to the same account")
	ErrNonPositive     = errors.New("amount must be greater than zero")
	ErrUnknownCurrency = errors.New("unknown currency")
)

// Known ISO-4217 currency codes with their minor-unit scale.
var knownCurrencies = map[string]int{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
	"CHF": 2,
}

// KnownCurrency reports whether code is a supported currency.
func KnownCurrency(code string) bool {
	_, ok := knownCurrencies[code]
	return ok
}

// Payment is the saga's subject: a state machine recording which remote
// effects have been applied. Never deleted (audit record); mutated only
// through the version-checked store write path.
type Payment struct {
	ID            uuid.UUID
	RequestID     string // Natural key, drives idempotency
	FromAccountID uuid.UUID
	ToAccountID   uuid.UUID
	AmountMinor   int64 // Integer minor units, strictly positive
	Currency      string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// New validates the transfer request and creates a Payment in REQUESTED.
func New(requestID string, from, to uuid.UUID, amountMinor int64, currency string) (*Payment, error) {
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}
	if from == uuid.Nil || to == uuid.Nil {
		return nil, errors.New("account ids must not be nil")
	}
	if from == to {
		return nil, ErrSameAccount
	}
	if amountMinor <= 0 {
		return nil, ErrNonPositive
	}
	if !KnownCurrency(currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}

	now := time.Now().UTC()
	return &Payment{
		ID:            uuid.New(),
		RequestID:     requestID,
		FromAccountID: from,
		ToAccountID:   to,
		AmountMinor:   amountMinor,
		Currency:      currency,
		Status:        StatusRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       0,
	}, nil
}

// MarkDebited transitions REQUESTED → DEBITED.
func (p *Payment) MarkDebited() error {
	return p.transition(StatusDebited, StatusRequested)
}

// MarkCredited transitions DEBITED → CREDITED.
func (p *Payment) MarkCredited() error {
	return p.transition(StatusCredited, StatusDebited)
}

// MarkCompleted transitions CREDITED → COMPLETED.
func (p *Payment) MarkCompleted() error {
	return p.transition(StatusCompleted, StatusCredited)
}

// MarkCompensated transitions DEBITED → COMPENSATED. Reachable only from
// DEBITED: the credit leg failed irrecoverably and the debit was reversed.
func (p *Payment) MarkCompensated() error {
	return p.transition(StatusCompensated, StatusDebited)
}

// MarkFailed records a terminal failure status with its reason.
func (p *Payment) MarkFailed(status Status, reason string) error {
	if !status.IsFailure() {
		return fmt.Errorf("%w: %s is not a failure status", ErrIllegalTransition, status)
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: payment %s is terminal (%s)", ErrIllegalTransition, p.ID, p.Status)
	}
	p.Status = status
	p.FailureReason = reason
	p.touch()
	return nil
}

// RecordFailureReason attaches an error description without changing status.
// Used when compensation itself fails and the payment must stay DEBITED for
// operator intervention.
func (p *Payment) RecordFailureReason(reason string) {
	p.FailureReason = reason
	p.touch()
}

// CanBeDebited reports whether the debit leg may run.
func (p *Payment) CanBeDebited() bool { return p.Status == StatusRequested }

// CanBeCredited reports whether the credit leg may run.
func (p *Payment) CanBeCredited() bool { return p.Status == StatusDebited }

// RequiresCompensation reports whether a downstream failure has been recorded
// for a payment whose debit already landed.
func (p *Payment) RequiresCompensation() bool {
	return p.Status == StatusDebited && p.FailureReason != ""
}

// IsFinal reports whether the payment reached a terminal status.
func (p *Payment) IsFinal() bool { return p.Status.IsTerminal() }

func (p *Payment) transition(next, requiredCurrent Status) error {
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: payment %s is terminal (%s)", ErrIllegalTransition, p.ID, p.Status)
	}
	if p.Status != requiredCurrent {
		return fmt.Errorf("%w: %s → %s requires current status %s",
			ErrIllegalTransition, p.Status, next, requiredCurrent)
	}
	p.Status = next
	p.touch()
	return nil
}

func (p *Payment) touch() {
	p.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy so callers cannot mutate a stored payment in place.
func (p *Payment) Clone() *Payment {
	cp := *p
	return &cp
}
