package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minibank/internal/observability"
)

// maxAttempts bounds the local re-read-and-retry loop on version conflicts.
// A losing writer retries its single balance operation, not the whole saga.
const maxAttempts = 3

// Service exposes atomic balance operations on the store. Every operation
// re-reads the balance, applies the mutation, and writes it back under the
// version read at the start; a conflict triggers a bounded local retry.
//
// Callers pass an operation id with each mutation. An id that was already
// recorded makes the call a no-op returning the current balance, so a
// crashed saga leg can be re-run without applying its effect twice. An
// empty id skips the replay check.
type Service struct {
	store   Store
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(store Store, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{store: store, log: log, metrics: metrics}
}

// Reserve moves amount from available into reserved (hold, total unchanged).
func (s *Service) Reserve(ctx context.Context, accountID uuid.UUID, amount int64, currency, operationID string) (Balance, error) {
	return s.apply(ctx, accountID, currency, "reserve", operationID, func(b Balance) (Balance, error) {
		return b.Reserve(amount)
	})
}

// PostDebit decreases both available and total by amount.
func (s *Service) PostDebit(ctx context.Context, accountID uuid.UUID, amount int64, currency, operationID string) (Balance, error) {
	return s.apply(ctx, accountID, currency, "debit", operationID, func(b Balance) (Balance, error) {
		return b.Debit(amount)
	})
}

// PostCredit increases both available and total by amount.
func (s *Service) PostCredit(ctx context.Context, accountID uuid.UUID, amount int64, currency, operationID string) (Balance, error) {
	return s.apply(ctx, accountID, currency, "credit", operationID, func(b Balance) (Balance, error) {
		return b.Credit(amount)
	})
}

// ReleaseReservation moves amount from reserved back to available.
func (s *Service) ReleaseReservation(ctx context.Context, accountID uuid.UUID, amount int64, currency, operationID string) (Balance, error) {
	return s.apply(ctx, accountID, currency, "release", operationID, func(b Balance) (Balance, error) {
		return b.ReleaseReservation(amount)
	})
}

// SettleReservation consumes a held amount (reserved and total decrease).
func (s *Service) SettleReservation(ctx context.Context, accountID uuid.UUID, amount int64, currency, operationID string) (Balance, error) {
	return s.apply(ctx, accountID, currency, "settle", operationID, func(b Balance) (Balance, error) {
		return b.SettleReservation(amount)
	})
}

// GetBalance returns the current balance for an account/currency pair.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (Balance, error) {
	return s.store.GetBalance(ctx, accountID, currency)
}

// apply runs one balance mutation under optimistic concurrency.
func (s *Service) apply(ctx context.Context, accountID uuid.UUID, currency, operation, operationID string, mutate func(Balance) (Balance, error)) (Balance, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	if acct.Status != StatusActive {
		return Balance{}, fmt.Errorf("%w: account %s is %s", ErrAccountInactive, accountID, acct.Status)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if operationID != "" {
			applied, err := s.store.OperationApplied(ctx, operationID)
			if err != nil {
				return Balance{}, err
			}
			if applied {
				s.log.Info().
					Str("account_id", accountID.String()).
					Str("operation_id", operationID).
					Msg("balance operation already applied, skipping")
				return s.store.GetBalance(ctx, accountID, currency)
			}
		}

		current, err := s.store.GetBalance(ctx, accountID, currency)
		if err != nil {
			return Balance{}, err
		}

		next, err := mutate(current)
		if err != nil {
			return Balance{}, err
		}

		err = s.store.SaveBalance(ctx, next, current.Version, operationID)
		if err == nil {
			next.Version = current.Version + 1
			s.metrics.BalanceOperations.WithLabelValues(operation).Inc()
			return next, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return Balance{}, err
		}

		s.metrics.BalanceConflicts.Inc()
		s.log.Debug().
			Str("account_id", accountID.String()).
			Str("currency", currency).
			Int("attempt", attempt).
			Msg("balance version conflict, retrying")
	}

	s.metrics.BalanceRetriesExhausted.Inc()
	return Balance{}, fmt.Errorf("%w: account %s after %d attempts", ErrConcurrentModification, accountID, maxAttempts)
}
