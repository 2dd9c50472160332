package ledger

import (
	"time"

	"github.com/google/uuid"
)

// EntryType represents the side of a double-entry record
type EntryType int32

const (
	EntryTypeDebit EntryType = iota
	EntryTypeCredit
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeDebit:
		return "DEBIT"
	case EntryTypeCredit:
		return "CREDIT"
	default:
		return "UNKNOWN"
	}
}

// Entry is a single immutable journal record. Entries for a payment are
// persisted as a set whose signed amounts net to zero and are never
// updated once written.
type Entry struct {
	ID          uuid.UUID
	PaymentID   uuid.UUID
	AccountID   uuid.UUID
	Type        EntryType
	AmountMinor int64 // Always positive; sign comes from Type
	Currency    string
	RecordedAt  time.Time
}

// SignedAmount returns the entry's contribution to the zero-sum check:
// debit negative, credit positive.
func (e Entry) SignedAmount() int64 {
	if e.Type == EntryTypeDebit {
		return -e.AmountMinor
	}
	return e.AmountMinor
}
