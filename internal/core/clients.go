package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"minibank/internal/account"
	"minibank/internal/ledger"
)

// clientTimeout bounds each remote call made by the saga. A call that
// exceeds it is treated as failed and drives the payment into the
// failure/compensation path.
const clientTimeout = 10 * time.Second

// Balance mutation legs. Combined with the payment id they form the
// operation id passed to the balance service, which makes each mutation
// idempotent: re-running a crashed leg never applies its effect twice.
const (
	LegDebit          = "debit"
	LegCredit         = "credit"
	LegCompensate     = "compensate"
	LegDebitReversal  = "debit-reversal"
	LegCreditReversal = "credit-reversal"
)

// LegOperationID returns the idempotency key for one balance mutation of
// a payment saga.
func LegOperationID(paymentID uuid.UUID, leg string) string {
	return paymentID.String() + ":" + leg
}

// AccountClient is the saga's view of the balance service. Debit and
// Credit carry a caller-supplied operation id; a replay of an id that was
// already applied is a no-op returning the current balance.
type AccountClient interface {
	Debit(ctx context.Context, accountID uuid.UUID, amountMinor int64, currency, operationID string) (account.Balance, error)
	Credit(ctx context.Context, accountID uuid.UUID, amountMinor int64, currency, operationID string) (account.Balance, error)
	GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (account.Balance, error)
}

// LedgerClient is the saga's view of the journal.
type LedgerClient interface {
	RecordDebit(ctx context.Context, paymentID, accountID uuid.UUID, amountMinor int64, currency string) error
	RecordCredit(ctx context.Context, paymentID, accountID uuid.UUID, amountMinor int64, currency string) error
	Entries(ctx context.Context, paymentID uuid.UUID) ([]ledger.Entry, error)
}

// LocalAccountClient adapts the in-process balance service, applying the
// saga's per-call timeout.
type LocalAccountClient struct {
	svc *account.Service
}

func NewLocalAccountClient(svc *account.Service) *LocalAccountClient {
	return &LocalAccountClient{svc: svc}
}

func (c *LocalAccountClient) Debit(ctx context.Context, accountID uuid.UUID, amountMinor int64, currency, operationID string) (account.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	return c.svc.PostDebit(ctx, accountID, amountMinor, currency, operationID)
}

func (c *LocalAccountClient) Credit(ctx context.Context, accountID uuid.UUID, amountMinor int64, currency, operationID string) (account.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	return c.svc.PostCredit(ctx, accountID, amountMinor, currency, operationID)
}

func (c *LocalAccountClient) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (account.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	return c.svc.GetBalance(ctx, accountID, currency)
}

// LocalLedgerClient adapts the in-process journal.
type LocalLedgerClient struct {
	journal *ledger.Journal
}

func NewLocalLedgerClient(journal *ledger.Journal) *LocalLedgerClient {
	return &LocalLedgerClient{journal: journal}
}

func (c *LocalLedgerClient) RecordDebit(ctx context.Context, paymentID, accountID uuid.UUID, amountMinor int64, currency string) error {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	_, err := c.journal.RecordLeg(ctx, paymentID, accountID, ledger.EntryTypeDebit, amountMinor, currency)
	return err
}

func (c *LocalLedgerClient) RecordCredit(ctx context.Context, paymentID, accountID uuid.UUID, amountMinor int64, currency string) error {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	_, err := c.journal.RecordLeg(ctx, paymentID, accountID, ledger.EntryTypeCredit, amountMinor, currency)
	return err
}

func (c *LocalLedgerClient) Entries(ctx context.Context, paymentID uuid.UUID) ([]ledger.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	return c.journal.EntriesForPayment(ctx, paymentID)
}
