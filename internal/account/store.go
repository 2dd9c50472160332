package account

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type balanceKey struct {
	accountID uuid.UUID
	currency  string
}

// Store persists accounts and their per-currency balances.
// SaveBalance is the only mutation path and is guarded by the balance
// version read at the start of the operation (optimistic concurrency,
// no locks held across calls).
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status Status) error

	// GetBalance returns the stored balance, or a zero balance with
	// version 0 if the account exists but holds no funds in currency yet.
	GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (Balance, error)

	// SaveBalance writes b if the stored version equals expectedVersion,
	// bumping the version. Returns ErrConcurrentModification otherwise.
	// A non-empty operationID is recorded atomically with the write, so
	// a replay of the same operation can be detected via OperationApplied.
	SaveBalance(ctx context.Context, b Balance, expectedVersion int64, operationID string) error

	// OperationApplied reports whether operationID was recorded by an
	// earlier successful SaveBalance.
	OperationApplied(ctx context.Context, operationID string) (bool, error)
}

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
	balances map[balanceKey]Balance
	applied  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*Account),
		balances: make(map[balanceKey]Balance),
		applied:  make(map[string]bool),
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return Balance{}, ErrNotFound
	}
	if b, ok := s.balances[balanceKey{accountID, currency}]; ok {
		return b, nil
	}
	return ZeroBalance(accountID, currency), nil
}

func (s *MemoryStore) SaveBalance(ctx context.Context, b Balance, expectedVersion int64, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[b.AccountID]; !ok {
		return ErrNotFound
	}
	if operationID != "" && s.applied[operationID] {
		return ErrConcurrentModification
	}

	key := balanceKey{b.AccountID, b.Currency}
	stored, ok := s.balances[key]
	storedVersion := int64(0)
	if ok {
		storedVersion = stored.Version
	}
	if storedVersion != expectedVersion {
		return ErrConcurrentModification
	}

	b.Version = storedVersion + 1
	s.balances[key] = b
	if operationID != "" {
		s.applied[operationID] = true
	}
	return nil
}

func (s *MemoryStore) OperationApplied(ctx context.Context, operationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[operationID], nil
}
