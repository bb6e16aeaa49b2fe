package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests. Its ApplyDelta applies
// the same version guard semantics as the SQL implementation, which is
// what makes concurrent ledger tests meaningful.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[int64]*Wallet
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[int64]*Wallet)}
}

func (s *MemoryStore) Get(_ context.Context, accountID int64) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[accountID]
	if !ok {
		return nil, fmt.Errorf("%w (account=%d)", ErrWalletNotFound, accountID)
	}
	out := *w
	return &out, nil
}

func (s *MemoryStore) Create(_ context.Context, accountID int64, currency string, initialBalance decimal.Decimal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[accountID]; ok {
		out := *w
		return &out, nil
	}

	now := time.Now().UTC()
	w := &Wallet{
		AccountID: accountID,
		Currency:  currency,
		Balance:   initialBalance,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[accountID] = w
	out := *w
	return &out, nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, accountID int64, delta decimal.Decimal, expectVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[accountID]
	if !ok {
		return false, fmt.Errorf("%w (account=%d)", ErrWalletNotFound, accountID)
	}
	if w.Version != expectVersion {
		return false, nil
	}

	w.Balance = w.Balance.Add(delta)
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetBlocked(_ context.Context, accountID int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[accountID]
	if !ok {
		return fmt.Errorf("%w (account=%d)", ErrWalletNotFound, accountID)
	}
	w.Blocked = blocked
	w.UpdatedAt = time.Now().UTC()
	return nil
}
