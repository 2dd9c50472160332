package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Validator re-checks the double-entry invariant over persisted entries,
// independently of the write path that enforced it.
type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ValidatePayment verifies the signed amounts for a payment net to zero.
// A debit and credit on the same account is a legal reversal pair, written
// when a payment is compensated.
func (v *Validator) ValidatePayment(ctx context.Context, paymentID uuid.UUID) error {
	entries, err := v.store.EntriesForPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil // No legs recorded yet is a legal state
	}

	var sum int64
	for _, e := range entries {
		if e.AmountMinor <= 0 {
			return fmt.Errorf("%w: entry %s has amount %d", ErrNonPositiveAmount, e.ID, e.AmountMinor)
		}
		sum += e.SignedAmount()
	}

	if sum != 0 {
		return fmt.Errorf("%w: payment %s sums to %d", ErrUnbalanced, paymentID, sum)
	}
	return nil
}
