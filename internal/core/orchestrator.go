// Package core drives the payment saga: debit the source, credit the
// destination, complete — with compensation restoring the source when the
// credit leg cannot land. All state lives in the payment store; the
// orchestrator itself is stateless and safe to run on multiple instances.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minibank/internal/account"
	"minibank/internal/event"
	"minibank/internal/idempotency"
	"minibank/internal/ledger"
	"minibank/internal/observability"
	"minibank/internal/outbox"
	"minibank/internal/payment"
)

// Orchestrator executes payment sagas against the account and ledger
// services and records every step in the payment store before acting on it.
type Orchestrator struct {
	payments payment.Store
	guard    idempotency.Guard
	accounts AccountClient
	ledger   LedgerClient
	outbox   outbox.Store
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewOrchestrator(
	payments payment.Store,
	guard idempotency.Guard,
	accounts AccountClient,
	ledgerClient LedgerClient,
	outboxStore outbox.Store,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		payments: payments,
		guard:    guard,
		accounts: accounts,
		ledger:   ledgerClient,
		outbox:   outboxStore,
		metrics:  metrics,
		log:      log,
	}
}

// InitiatePayment runs the saga for one transfer request. A repeated
// request id within the validity window returns the original payment
// without re-applying any economic effect, whatever state it reached.
func (o *Orchestrator) InitiatePayment(ctx context.Context, requestID string, from, to uuid.UUID, amountMinor int64, currency string) (*payment.Payment, error) {
	// Fast path: the guard catches most replays without touching the store.
	if boundID, ok, err := o.guard.Lookup(ctx, requestID); err == nil && ok {
		if existing, err := o.payments.Get(ctx, boundID); err == nil {
			o.metrics.IdempotencyReplays.WithLabelValues("guard").Inc()
			o.log.Info().
				Str("request_id", requestID).
				Str("payment_id", existing.ID.String()).
				Msg("replayed request served from idempotency guard")
			return existing, nil
		}
	}

	p, err := payment.New(requestID, from, to, amountMinor, currency)
	if err != nil {
		return nil, err
	}

	// A missing account is a request defect, reported before any payment
	// row exists; only accounts that vanish mid-saga reach the failure path.
	if _, err := o.accounts.GetBalance(ctx, from, currency); errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("source account %s: %w", from, account.ErrNotFound)
	}
	if _, err := o.accounts.GetBalance(ctx, to, currency); errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("destination account %s: %w", to, account.ErrNotFound)
	}

	// Create is atomic over the payment and its request binding; under a
	// concurrent duplicate exactly one caller sees created=true.
	stored, created, err := o.payments.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if !created {
		o.metrics.IdempotencyReplays.WithLabelValues("store").Inc()
		o.log.Info().
			Str("request_id", requestID).
			Str("payment_id", stored.ID.String()).
			Msg("replayed request bound to existing payment")
		return stored, nil
	}
	p = stored

	// Populate the guard so later replays take the fast path. Best effort:
	// the store binding above is the source of truth.
	if _, _, err := o.guard.RegisterIfAbsent(ctx, requestID, p.ID); err != nil {
		o.log.Warn().Err(err).Str("request_id", requestID).Msg("idempotency guard registration failed")
	}

	o.metrics.PaymentsInitiated.Inc()
	o.emit(ctx, event.PaymentEvent(event.TypePaymentInitiated, p.ID, p.AmountMinor, p.Currency, p.RequestID))

	return o.run(ctx, p)
}

// run advances a payment from its current status to a terminal one.
// Also the resume path for the recovery sweeper.
func (o *Orchestrator) run(ctx context.Context, p *payment.Payment) (*payment.Payment, error) {
	started := p.CreatedAt

	if p.CanBeDebited() {
		if done, err := o.debitLeg(ctx, p); done || err != nil {
			return p, err
		}
	}

	if p.Status == payment.StatusDebited && p.RequiresCompensation() {
		return p, o.compensate(ctx, p)
	}

	if p.CanBeCredited() {
		if done, err := o.creditLeg(ctx, p); done || err != nil {
			return p, err
		}
	}

	if p.Status == payment.StatusCredited {
		if err := p.MarkCompleted(); err != nil {
			return p, err
		}
		if err := o.update(ctx, p); err != nil {
			return p, err
		}
		o.metrics.PaymentsCompleted.Inc()
		o.metrics.SagaDuration.WithLabelValues("completed").Observe(time.Since(started).Seconds())
		o.emit(ctx, event.PaymentEvent(event.TypePaymentCompleted, p.ID, p.AmountMinor, p.Currency, p.RequestID))
		o.log.Info().
			Str("payment_id", p.ID.String()).
			Int64("amount_minor", p.AmountMinor).
			Str("currency", p.Currency).
			Msg("payment completed")
	}

	return p, nil
}

// debitLeg takes the funds from the source account and records the debit
// entry. Returns done=true when the saga reached a terminal status here.
func (o *Orchestrator) debitLeg(ctx context.Context, p *payment.Payment) (bool, error) {
	bal, err := o.accounts.Debit(ctx, p.FromAccountID, p.AmountMinor, p.Currency, LegOperationID(p.ID, LegDebit))
	if err != nil {
		// Nothing was applied; fail without compensation.
		return true, o.fail(ctx, p, classifyBalanceError(err), err.Error())
	}

	if err := o.ledger.RecordDebit(ctx, p.ID, p.FromAccountID, p.AmountMinor, p.Currency); err != nil && !errors.Is(err, ledger.ErrDuplicatePayment) {
		// The balance debit landed but the journal write did not. Reverse
		// the debit and fail: completing without the audit entry would
		// break the books.
		o.log.Error().Err(err).Str("payment_id", p.ID.String()).Msg("debit journal write failed, reversing")
		if _, cerr := o.accounts.Credit(ctx, p.FromAccountID, p.AmountMinor, p.Currency, LegOperationID(p.ID, LegDebitReversal)); cerr != nil {
			o.metrics.CompensationErrors.Inc()
			o.log.Error().Err(cerr).
				Str("payment_id", p.ID.String()).
				Msg("debit reversal failed, operator attention required")
		}
		return true, o.fail(ctx, p, payment.StatusFailedSystemError, err.Error())
	}

	if err := p.MarkDebited(); err != nil {
		return true, err
	}
	if err := o.update(ctx, p); err != nil {
		return true, err
	}
	o.metrics.LedgerEntriesWritten.WithLabelValues(ledger.EntryTypeDebit.String()).Inc()
	o.emit(ctx, event.BalanceDebited(p.FromAccountID, p.AmountMinor, bal.AvailableMinor, p.Currency, p.RequestID))
	o.emit(ctx, event.PaymentEvent(event.TypePaymentDebited, p.ID, p.AmountMinor, p.Currency, p.RequestID))
	return false, nil
}

// creditLeg delivers the funds to the destination account. A failure here
// triggers compensation, because the source has already been debited.
func (o *Orchestrator) creditLeg(ctx context.Context, p *payment.Payment) (bool, error) {
	bal, err := o.accounts.Credit(ctx, p.ToAccountID, p.AmountMinor, p.Currency, LegOperationID(p.ID, LegCredit))
	if err != nil {
		o.log.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("credit leg failed, compensating")
		p.RecordFailureReason(err.Error())
		if uerr := o.update(ctx, p); uerr != nil {
			return true, uerr
		}
		return true, o.compensate(ctx, p)
	}

	if err := o.ledger.RecordCredit(ctx, p.ID, p.ToAccountID, p.AmountMinor, p.Currency); err != nil && !errors.Is(err, ledger.ErrDuplicatePayment) {
		// Undo the destination credit, then compensate the source debit.
		o.log.Error().Err(err).Str("payment_id", p.ID.String()).Msg("credit journal write failed, reversing")
		if _, derr := o.accounts.Debit(ctx, p.ToAccountID, p.AmountMinor, p.Currency, LegOperationID(p.ID, LegCreditReversal)); derr != nil {
			o.metrics.CompensationErrors.Inc()
			o.log.Error().Err(derr).
				Str("payment_id", p.ID.String()).
				Msg("credit reversal failed, operator attention required")
			p.RecordFailureReason(fmt.Sprintf("credit journal write failed and reversal failed: %v", derr))
			if uerr := o.update(ctx, p); uerr != nil {
				return true, uerr
			}
			return true, fmt.Errorf("credit reversal: %w", derr)
		}
		p.RecordFailureReason(err.Error())
		if uerr := o.update(ctx, p); uerr != nil {
			return true, uerr
		}
		return true, o.compensate(ctx, p)
	}

	if err := p.MarkCredited(); err != nil {
		return true, err
	}
	if err := o.update(ctx, p); err != nil {
		return true, err
	}
	o.metrics.LedgerEntriesWritten.WithLabelValues(ledger.EntryTypeCredit.String()).Inc()
	o.emit(ctx, event.BalanceCredited(p.ToAccountID, p.AmountMinor, bal.AvailableMinor, p.Currency, p.RequestID))
	o.emit(ctx, event.PaymentEvent(event.TypePaymentCredited, p.ID, p.AmountMinor, p.Currency, p.RequestID))
	return false, nil
}

// compensate returns the debited amount to the source account and records
// the balancing journal entry. A compensation failure leaves the payment
// in DEBITED with the reason attached; the recovery sweeper retries it.
func (o *Orchestrator) compensate(ctx context.Context, p *payment.Payment) error {
	bal, err := o.accounts.Credit(ctx, p.FromAccountID, p.AmountMinor, p.Currency, LegOperationID(p.ID, LegCompensate))
	if err != nil {
		o.metrics.CompensationErrors.Inc()
		p.RecordFailureReason(fmt.Sprintf("compensation failed: %v", err))
		if uerr := o.update(ctx, p); uerr != nil {
			o.log.Error().Err(uerr).Str("payment_id", p.ID.String()).Msg("persist compensation failure")
		}
		o.log.Error().Err(err).
			Str("payment_id", p.ID.String()).
			Str("from_account", p.FromAccountID.String()).
			Msg("compensation failed, payment stays DEBITED, operator attention required")
		return fmt.Errorf("compensate payment %s: %w", p.ID, err)
	}

	// The balancing credit goes to the source account so the payment's
	// entries net to zero even though no transfer happened.
	if err := o.ledger.RecordCredit(ctx, p.ID, p.FromAccountID, p.AmountMinor, p.Currency); err != nil && !errors.Is(err, ledger.ErrDuplicatePayment) {
		o.metrics.CompensationErrors.Inc()
		o.log.Error().Err(err).
			Str("payment_id", p.ID.String()).
			Msg("compensation journal write failed, operator attention required")
		p.RecordFailureReason(fmt.Sprintf("compensation journal write failed: %v", err))
		if uerr := o.update(ctx, p); uerr != nil {
			o.log.Error().Err(uerr).Str("payment_id", p.ID.String()).Msg("persist compensation failure")
		}
		return fmt.Errorf("compensate payment %s: %w", p.ID, err)
	}

	if err := p.MarkCompensated(); err != nil {
		return err
	}
	if err := o.update(ctx, p); err != nil {
		return err
	}
	o.metrics.PaymentsCompensated.Inc()
	o.metrics.SagaDuration.WithLabelValues("compensated").Observe(time.Since(p.CreatedAt).Seconds())
	o.emit(ctx, event.BalanceCredited(p.FromAccountID, p.AmountMinor, bal.AvailableMinor, p.Currency, p.RequestID))
	o.emit(ctx, event.PaymentEvent(event.TypePaymentCompensated, p.ID, p.AmountMinor, p.Currency, p.RequestID))
	o.log.Warn().
		Str("payment_id", p.ID.String()).
		Str("reason", p.FailureReason).
		Msg("payment compensated")
	return nil
}

// fail moves the payment into a terminal failure status.
func (o *Orchestrator) fail(ctx context.Context, p *payment.Payment, status payment.Status, reason string) error {
	if err := p.MarkFailed(status, reason); err != nil {
		return err
	}
	if err := o.update(ctx, p); err != nil {
		return err
	}
	o.metrics.PaymentsFailed.WithLabelValues(status.String()).Inc()
	o.metrics.SagaDuration.WithLabelValues("failed").Observe(time.Since(p.CreatedAt).Seconds())
	o.emit(ctx, event.PaymentFailed(p.ID, p.AmountMinor, p.Currency, p.RequestID, reason))
	o.log.Info().
		Str("payment_id", p.ID.String()).
		Str("status", status.String()).
		Str("reason", reason).
		Msg("payment failed")
	return nil
}

// update persists p through the version-checked write path. A version
// conflict means another worker is driving this payment; this worker
// stops and surfaces the stored state.
func (o *Orchestrator) update(ctx context.Context, p *payment.Payment) error {
	err := o.payments.Update(ctx, p)
	if errors.Is(err, payment.ErrVersionConflict) {
		stored, gerr := o.payments.Get(ctx, p.ID)
		if gerr == nil {
			*p = *stored
		}
		o.log.Warn().Str("payment_id", p.ID.String()).Msg("payment version conflict, yielding to concurrent worker")
		return fmt.Errorf("payment %s: %w", p.ID, payment.ErrVersionConflict)
	}
	return err
}

// emit stages a domain event in the outbox for the relay to publish.
func (o *Orchestrator) emit(ctx context.Context, env event.Envelope) {
	rec, err := outbox.FromEnvelope(env)
	if err != nil {
		o.log.Error().Err(err).Str("event_type", env.EventType).Msg("encode outbox event")
		return
	}
	if err := o.outbox.Append(ctx, rec); err != nil && !errors.Is(err, outbox.ErrDuplicateEvent) {
		o.log.Error().Err(err).Str("event_type", env.EventType).Msg("append outbox event")
	}
}

// GetPayment returns a payment by id.
func (o *Orchestrator) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return o.payments.Get(ctx, id)
}

// GetPaymentByRequestID returns a payment by its request id.
func (o *Orchestrator) GetPaymentByRequestID(ctx context.Context, requestID string) (*payment.Payment, error) {
	return o.payments.GetByRequestID(ctx, requestID)
}

// PaymentEntries returns the journal entries recorded for a payment.
func (o *Orchestrator) PaymentEntries(ctx context.Context, id uuid.UUID) ([]ledger.Entry, error) {
	return o.ledger.Entries(ctx, id)
}

func classifyBalanceError(err error) payment.Status {
	switch {
	case errors.Is(err, account.ErrInsufficientFunds):
		return payment.StatusFailedInsufficientFunds
	case errors.Is(err, account.ErrAccountInactive):
		return payment.StatusFailedAccountInactive
	default:
		return payment.StatusFailedSystemError
	}
}
