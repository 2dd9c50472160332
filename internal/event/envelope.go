package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for domain events
type Type int32

const (
	TypeUnknown Type = iota
	TypeAccountCreated
	TypeBalanceCredited
	TypeBalanceDebited
	TypeBalanceReserved
	TypeBalanceReleased
	TypePaymentInitiated
	TypePaymentDebited
	TypePaymentCredited
	TypePaymentCompleted
	TypePaymentFailed
	TypePaymentCompensated
)

func (t Type) String() string {
	switch t {
	case TypeAccountCreated:
		return "ACCOUNT_CREATED"
	case TypeBalanceCredited:
		return "BALANCE_CREDITED"
	case TypeBalanceDebited:
		return "BALANCE_DEBITED"
	case TypeBalanceReserved:
		return "BALANCE_RESERVED"
	case TypeBalanceReleased:
		return "BALANCE_RELEASED"
	case TypePaymentInitiated:
		return "PAYMENT_INITIATED"
	case TypePaymentDebited:
		return "PAYMENT_DEBITED"
	case TypePaymentCredited:
		return "PAYMENT_CREDITED"
	case TypePaymentCompleted:
		return "PAYMENT_COMPLETED"
	case TypePaymentFailed:
		return "PAYMENT_FAILED"
	case TypePaymentCompensated:
		return "PAYMENT_COMPENSATED"
	default:
		return "UNKNOWN"
	}
}

// ParseType maps a wire-format event name back to its discriminator.
func ParseType(s string) Type {
	switch s {
	case "ACCOUNT_CREATED":
		return TypeAccountCreated
	case "BALANCE_CREDITED":
		return TypeBalanceCredited
	case "BALANCE_DEBITED":
		return TypeBalanceDebited
	case "BALANCE_RESERVED":
		return TypeBalanceReserved
	case "BALANCE_RELEASED":
		return TypeBalanceReleased
	case "PAYMENT_INITIATED":
		return TypePaymentInitiated
	case "PAYMENT_DEBITED":
		return TypePaymentDebited
	case "PAYMENT_CREDITED":
		return TypePaymentCredited
	case "PAYMENT_COMPLETED":
		return TypePaymentCompleted
	case "PAYMENT_FAILED":
		return TypePaymentFailed
	case "PAYMENT_COMPENSATED":
		return TypePaymentCompensated
	default:
		return TypeUnknown
	}
}

// Envelope is the wire shape shared by outbound and inbound domain events.
type Envelope struct {
	// Unique id of this event, stable across redeliveries
	EventID string `json:"event_id"`

	// Account or payment the event is about
	SubjectID uuid.UUID `json:"subject_id"`

	EventType string `json:"event_type"`

	// Epoch milliseconds at emission
	TimestampMillis int64 `json:"timestamp_ms"`

	Currency string `json:"currency,omitempty"`

	// Signed amount in minor units: negative for debits/reservations
	AmountMinor int64 `json:"amount_minor,omitempty"`

	// Available balance in minor units after the operation
	BalanceMinor int64 `json:"balance_minor,omitempty"`

	// Ties the event back to the payment saga that caused it
	CorrelationID string `json:"correlation_id,omitempty"`

	// Terminal failure detail, set on PAYMENT_FAILED only
	Reason string `json:"reason,omitempty"`
}

// New builds an envelope with a fresh event id and the current timestamp.
func New(eventType Type, subjectID uuid.UUID, correlationID string) Envelope {
	return Envelope{
		EventID:         uuid.New().String(),
		SubjectID:       subjectID,
		EventType:       eventType.String(),
		TimestampMillis: time.Now().UnixMilli(),
		CorrelationID:   correlationID,
	}
}

// BalanceDebited reports a completed debit on an account. Amount is
// carried with a negative sign; balance is the resulting available amount.
func BalanceDebited(accountID uuid.UUID, amountMinor, balanceMinor int64, currency, correlationID string) Envelope {
	e := New(TypeBalanceDebited, accountID, correlationID)
	e.Currency = currency
	e.AmountMinor = -amountMinor
	e.BalanceMinor = balanceMinor
	return e
}

// BalanceCredited reports a completed credit on an account.
func BalanceCredited(accountID uuid.UUID, amountMinor, balanceMinor int64, currency, correlationID string) Envelope {
	e := New(TypeBalanceCredited, accountID, correlationID)
	e.Currency = currency
	e.AmountMinor = amountMinor
	e.BalanceMinor = balanceMinor
	return e
}

// BalanceReserved reports funds moved from available into reserved.
func BalanceReserved(accountID uuid.UUID, amountMinor, balanceMinor int64, currency, correlationID string) Envelope {
	e := New(TypeBalanceReserved, accountID, correlationID)
	e.Currency = currency
	e.AmountMinor = -amountMinor
	e.BalanceMinor = balanceMinor
	return e
}

// BalanceReleased reports a reservation returned to available.
func BalanceReleased(accountID uuid.UUID, amountMinor, balanceMinor int64, currency, correlationID string) Envelope {
	e := New(TypeBalanceReleased, accountID, correlationID)
	e.Currency = currency
	e.AmountMinor = amountMinor
	e.BalanceMinor = balanceMinor
	return e
}

// PaymentEvent reports a payment lifecycle transition.
func PaymentEvent(eventType Type, paymentID uuid.UUID, amountMinor int64, currency, requestID string) Envelope {
	e := New(eventType, paymentID, requestID)
	e.Currency = currency
	e.AmountMinor = amountMinor
	return e
}

// PaymentFailed reports a terminal payment failure with its reason.
func PaymentFailed(paymentID uuid.UUID, amountMinor int64, currency, requestID, reason string) Envelope {
	e := PaymentEvent(TypePaymentFailed, paymentID, amountMinor, currency, requestID)
	e.Reason = reason
	return e
}
