// Package wallet maintains per-account balances and performs debits
// under optimistic concurrency.
//
// Every wallet row carries a version counter. A debit reads the wallet,
// validates it in memory, then issues a compare-and-swap update guarded
// by the version it read. A concurrent writer bumps the version first
// and the update matches zero rows, in which case the debit re-reads and
// retries with jittered backoff. Only a successful write bumps the
// version, so a debit can lose at most as many rounds as there are
// concurrent winners before it either succeeds or fails a balance check.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound indicates no wallet row exists for the account.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletBlocked indicates the wallet is administratively frozen.
	ErrWalletBlocked = errors.New("wallet is blocked")

	// ErrInsufficientFunds indicates the debit would take the balance
	// below zero and the policy forbids that.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrCurrencyMismatch indicates the charge currency differs from the
	// wallet currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrLedgerContention indicates the compare-and-swap lost every
	// permitted attempt. The debit was not applied.
	ErrLedgerContention = errors.New("wallet contention: retries exhausted")
)

// Wallet is one account's balance row.
type Wallet struct {
	AccountID int64           `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Blocked   bool            `json:"blocked"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the persistence interface the ledger drives.
//
// ApplyDelta is the compare-and-swap primitive: it adds delta to the
// balance and bumps the version, but only if the row's version still
// equals expectVersion. It returns false (and no error) when the guard
// missed, meaning a concurrent writer got there first.
type Store interface {
	Get(ctx context.Context, accountID int64) (*Wallet, error)
	Create(ctx context.Context, accountID int64, currency string, initialBalance decimal.Decimal) (*Wallet, error)
	ApplyDelta(ctx context.Context, accountID int64, delta decimal.Decimal, expectVersion int64) (bool, error)
	SetBlocked(ctx context.Context, accountID int64, blocked bool) error
}
