package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, policy DebitPolicy) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLedger(store, policy, zerolog.Nop()), store
}

func fastPolicy() DebitPolicy {
	return DebitPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDebitHappyPath(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("10"))
	require.NoError(t, err)

	w, err := ledger.Debit(context.Background(), 1, dec("2.5"), "USD")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("7.5")))
	assert.Equal(t, int64(1), w.Version)
}

func TestDebitBlockedWallet(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("10"))
	require.NoError(t, err)
	require.NoError(t, store.SetBlocked(context.Background(), 1, true))

	_, err = ledger.Debit(context.Background(), 1, dec("1"), "USD")
	assert.True(t, errors.Is(err, ErrWalletBlocked))

	w, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("10")), "blocked debit must not touch balance")
}

func TestDebitInsufficientFunds(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("1"))
	require.NoError(t, err)

	_, err = ledger.Debit(context.Background(), 1, dec("1.000001"), "USD")
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	w, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("1")))
	assert.Equal(t, int64(0), w.Version, "failed debit must not bump version")
}

func TestDebitExactBalanceToZero(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("3"))
	require.NoError(t, err)

	w, err := ledger.Debit(context.Background(), 1, dec("3"), "USD")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestDebitCurrencyMismatch(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("10"))
	require.NoError(t, err)

	_, err = ledger.Debit(context.Background(), 1, dec("1"), "EUR")
	assert.True(t, errors.Is(err, ErrCurrencyMismatch))
}

func TestDebitUnknownWallet(t *testing.T) {
	ledger, _ := newTestLedger(t, fastPolicy())

	_, err := ledger.Debit(context.Background(), 404, dec("1"), "USD")
	assert.True(t, errors.Is(err, ErrWalletNotFound))
}

func TestDebitAllowNegative(t *testing.T) {
	policy := fastPolicy()
	policy.AllowNegative = true
	ledger, store := newTestLedger(t, policy)
	_, err := store.Create(context.Background(), 1, "USD", dec("1"))
	require.NoError(t, err)

	w, err := ledger.Debit(context.Background(), 1, dec("4"), "USD")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("-3")))
}

func TestConcurrentDebitsNeverOversubscribe(t *testing.T) {
	// 20 goroutines race to debit 1 each from a balance of 5. With
	// enough retry headroom every loser re-reads and revalidates, so
	// exactly 5 must succeed and the rest must fail the balance check.
	policy := fastPolicy()
	policy.MaxAttempts = 50

	ledger, store := newTestLedger(t, policy)
	_, err := store.Create(context.Background(), 1, "USD", dec("5"))
	require.NoError(t, err)

	const goroutines = 20
	results := make([]error, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = ledger.Debit(context.Background(), 1, dec("1"), "USD")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.True(t, errors.Is(err, ErrInsufficientFunds), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 5, successes)

	w, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero(), "final balance = %s", w.Balance)
	assert.False(t, w.Balance.IsNegative())
	assert.Equal(t, int64(5), w.Version, "only successful debits bump the version")
}

// contendedStore fails the compare-and-swap unconditionally, simulating
// a wallet under permanent write pressure.
type contendedStore struct {
	*MemoryStore
	attempts int
}

func (s *contendedStore) ApplyDelta(context.Context, int64, decimal.Decimal, int64) (bool, error) {
	s.attempts++
	return false, nil
}

func TestDebitContentionExhaustsRetries(t *testing.T) {
	inner := NewMemoryStore()
	_, err := inner.Create(context.Background(), 1, "USD", dec("100"))
	require.NoError(t, err)

	store := &contendedStore{MemoryStore: inner}
	ledger := NewLedger(store, fastPolicy(), zerolog.Nop())

	_, err = ledger.Debit(context.Background(), 1, dec("1"), "USD")
	assert.True(t, errors.Is(err, ErrLedgerContention))
	assert.Equal(t, 5, store.attempts)
}

func TestCreditRoundTrip(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("0"))
	require.NoError(t, err)

	w, err := ledger.Credit(context.Background(), 1, dec("12.34"), "USD")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("12.34")))

	w, err = ledger.Debit(context.Background(), 1, dec("12.34"), "USD")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestCreditBlockedWallet(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("0"))
	require.NoError(t, err)
	require.NoError(t, store.SetBlocked(context.Background(), 1, true))

	_, err = ledger.Credit(context.Background(), 1, dec("1"), "USD")
	assert.True(t, errors.Is(err, ErrWalletBlocked))
}

func TestEnsureCreatesOnce(t *testing.T) {
	ledger, _ := newTestLedger(t, fastPolicy())

	first, err := ledger.Ensure(context.Background(), 7, "USD")
	require.NoError(t, err)
	assert.True(t, first.Balance.IsZero())

	_, err = ledger.Credit(context.Background(), 7, dec("5"), "USD")
	require.NoError(t, err)

	again, err := ledger.Ensure(context.Background(), 7, "USD")
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(dec("5")), "ensure must not reset an existing wallet")
}

func TestNegativeAmountsRejected(t *testing.T) {
	ledger, store := newTestLedger(t, fastPolicy())
	_, err := store.Create(context.Background(), 1, "USD", dec("10"))
	require.NoError(t, err)

	_, err = ledger.Debit(context.Background(), 1, dec("-1"), "USD")
	assert.Error(t, err)
	_, err = ledger.Credit(context.Background(), 1, dec("-1"), "USD")
	assert.Error(t, err)
}
