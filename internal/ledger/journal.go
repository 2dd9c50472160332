package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minibank/internal/observability"
)

var (
	// ErrUnbalanced indicates a set of entries whose signed amounts do not
	// net to zero. Fatal: never swallowed, blocks completion of the payment.
	ErrUnbalanced = errors.New("ledger entries do not net to zero")

	ErrNonPositiveAmount = errors.New("entry amount must be positive")
	ErrDuplicatePayment  = errors.New("ledger entries already recorded for payment")
)

// Store persists journal entries. AppendEntries is all-or-nothing: any
// failure must leave none of the entries visible.
type Store interface {
	AppendEntries(ctx context.Context, entries []Entry) error
	EntriesForPayment(ctx context.Context, paymentID uuid.UUID) ([]Entry, error)
}

// Journal is the append-only double-entry store for payment legs.
type Journal struct {
	store   Store
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewJournal(store Store, log zerolog.Logger, metrics *observability.Metrics) *Journal {
	return &Journal{store: store, log: log, metrics: metrics}
}

// RecordPaymentEntries writes exactly one DEBIT and one CREDIT entry for a
// completed transfer in a single atomic write. The zero-sum invariant is
// checked before the write ever reaches the store.
func (j *Journal) RecordPaymentEntries(ctx context.Context, paymentID, fromAccount, toAccount uuid.UUID, amountMinor int64, currency string) error {
	now := time.Now().UTC()
	entries := []Entry{
		{
			ID:          uuid.New(),
			PaymentID:   paymentID,
			AccountID:   fromAccount,
			Type:        EntryTypeDebit,
			AmountMinor: amountMinor,
			Currency:    currency,
			RecordedAt:  now,
		},
		{
			ID:          uuid.New(),
			PaymentID:   paymentID,
			AccountID:   toAccount,
			Type:        EntryTypeCredit,
			AmountMinor: amountMinor,
			Currency:    currency,
			RecordedAt:  now,
		},
	}

	if err := ValidateEntrySet(entries); err != nil {
		j.metrics.LedgerValidationErrs.Inc()
		return err
	}

	if err := j.store.AppendEntries(ctx, entries); err != nil {
		return fmt.Errorf("append entries for payment %s: %w", paymentID, err)
	}

	j.log.Debug().
		Str("payment_id", paymentID.String()).
		Int64("amount_minor", amountMinor).
		Str("currency", currency).
		Msg("ledger entries recorded")
	return nil
}

// RecordLeg writes a single-sided entry for one leg of an in-flight payment.
// The matching opposite entry is written when the other leg lands; the
// per-payment zero-sum invariant is enforced by the validator once the
// payment is final.
func (j *Journal) RecordLeg(ctx context.Context, paymentID, accountID uuid.UUID, entryType EntryType, amountMinor int64, currency string) (Entry, error) {
	if amountMinor <= 0 {
		return Entry{}, ErrNonPositiveAmount
	}

	e := Entry{
		ID:          uuid.New(),
		PaymentID:   paymentID,
		AccountID:   accountID,
		Type:        entryType,
		AmountMinor: amountMinor,
		Currency:    currency,
		RecordedAt:  time.Now().UTC(),
	}

	existing, err := j.store.EntriesForPayment(ctx, paymentID)
	if err != nil {
		return Entry{}, err
	}
	// A replayed leg must surface as a duplicate, never as an unbalanced
	// set: the saga treats ErrDuplicatePayment as already-recorded and
	// carries on, which is what makes re-running a crashed leg safe.
	for _, prev := range existing {
		if prev.Type == entryType {
			return Entry{}, fmt.Errorf("%w: %s leg for payment %s", ErrDuplicatePayment, entryType, paymentID)
		}
	}
	// The credit leg must balance the debit leg already on record.
	if entryType == EntryTypeCredit {
		if err := ValidateEntrySet(append(existing, e)); err != nil {
			j.metrics.LedgerValidationErrs.Inc()
			return Entry{}, err
		}
	}

	if err := j.store.AppendEntries(ctx, []Entry{e}); err != nil {
		return Entry{}, fmt.Errorf("append %s entry for payment %s: %w", entryType, paymentID, err)
	}
	return e, nil
}

// EntriesForPayment returns the entries for a payment, debit leg first.
func (j *Journal) EntriesForPayment(ctx context.Context, paymentID uuid.UUID) ([]Entry, error) {
	return j.store.EntriesForPayment(ctx, paymentID)
}

// ValidateEntrySet checks a balanced entry set: positive amounts, one
// currency, signed sum exactly zero.
func ValidateEntrySet(entries []Entry) error {
	if len(entries) == 0 {
		return errors.New("empty entry set")
	}

	currency := entries[0].Currency
	var sum int64
	for _, e := range entries {
		if e.AmountMinor <= 0 {
			return fmt.Errorf("%w: entry %s has amount %d", ErrNonPositiveAmount, e.ID, e.AmountMinor)
		}
		if e.Currency != currency {
			return fmt.Errorf("mixed currencies in entry set: %s vs %s", currency, e.Currency)
		}
		sum += e.SignedAmount()
	}

	if sum != 0 {
		return fmt.Errorf("%w: signed sum is %d", ErrUnbalanced, sum)
	}
	return nil
}
