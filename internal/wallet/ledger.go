package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_wallet_cas_conflicts_total",
		Help: "Debit attempts that lost the version compare-and-swap",
	})

	debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_wallet_debits_total",
		Help: "Debit outcomes",
	}, []string{"outcome"})
)

// DebitPolicy controls debit validation and retry behavior.
type DebitPolicy struct {
	// AllowNegative permits a debit to take the balance below zero.
	// Useful when the upstream request already ran and the cost must be
	// captured even if the account oversubscribed.
	AllowNegative bool

	// MaxAttempts bounds compare-and-swap rounds before giving up with
	// ErrLedgerContention.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the jittered delay between
	// rounds.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultDebitPolicy matches the contention profile of a busy gateway:
// a handful of retries with small jittered delays resolves transient
// collisions without stalling the request path.
func DefaultDebitPolicy() DebitPolicy {
	return DebitPolicy{
		AllowNegative:  false,
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}
}

// Ledger performs balance mutations against a Store under the
// optimistic concurrency protocol.
type Ledger struct {
	store  Store
	policy DebitPolicy
	log    zerolog.Logger
}

// NewLedger creates a Ledger with the given policy.
func NewLedger(store Store, policy DebitPolicy, logger zerolog.Logger) *Ledger {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultDebitPolicy().MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultDebitPolicy().InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = DefaultDebitPolicy().MaxBackoff
	}
	return &Ledger{
		store:  store,
		policy: policy,
		log:    logger.With().Str("component", "wallet_ledger").Logger(),
	}
}

// Get returns the wallet for an account.
func (l *Ledger) Get(ctx context.Context, accountID int64) (*Wallet, error) {
	return l.store.Get(ctx, accountID)
}

// Ensure returns the account's wallet, creating an empty one in the
// given currency if none exists.
func (l *Ledger) Ensure(ctx context.Context, accountID int64, currency string) (*Wallet, error) {
	w, err := l.store.Get(ctx, accountID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	l.log.Info().Int64("account_id", accountID).Str("currency", currency).Msg("creating wallet")
	return l.store.Create(ctx, accountID, currency, decimal.Zero)
}

// SetBlocked freezes or unfreezes a wallet. Blocked wallets reject
// debits and credits until unblocked.
func (l *Ledger) SetBlocked(ctx context.Context, accountID int64, blocked bool) error {
	if err := l.store.SetBlocked(ctx, accountID, blocked); err != nil {
		return err
	}
	l.log.Info().Int64("account_id", accountID).Bool("blocked", blocked).Msg("wallet block state changed")
	return nil
}

// Debit subtracts amount from the wallet, enforcing block state,
// currency and (unless the policy allows negative balances) sufficiency
// of funds. Validation runs against each fresh read, so a balance that
// was sufficient on attempt one but drained by a concurrent winner fails
// cleanly with ErrInsufficientFunds rather than going negative.
func (l *Ledger) Debit(ctx context.Context, accountID int64, amount decimal.Decimal, currency string) (*Wallet, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("debit amount must not be negative: %s", amount)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.policy.InitialBackoff
	bo.MaxInterval = l.policy.MaxBackoff
	bo.RandomizationFactor = 0.5
	bo.Reset()

	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		w, err := l.store.Get(ctx, accountID)
		if err != nil {
			debitsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		if err := l.validateDebit(w, amount, currency); err != nil {
			debitsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}

		applied, err := l.store.ApplyDelta(ctx, accountID, amount.Neg(), w.Version)
		if err != nil {
			debitsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if applied {
			debitsTotal.WithLabelValues("success").Inc()
			w.Balance = w.Balance.Sub(amount)
			w.Version++
			l.log.Debug().
				Int64("account_id", accountID).
				Str("amount", amount.String()).
				Str("balance", w.Balance.String()).
				Int("attempt", attempt).
				Msg("debit applied")
			return w, nil
		}

		casConflictsTotal.Inc()
		l.log.Debug().
			Int64("account_id", accountID).
			Int64("version", w.Version).
			Int("attempt", attempt).
			Msg("debit lost version race, retrying")

		if attempt < l.policy.MaxAttempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				debitsTotal.WithLabelValues("error").Inc()
				return nil, ctx.Err()
			}
		}
	}

	debitsTotal.WithLabelValues("contention").Inc()
	l.log.Warn().
		Int64("account_id", accountID).
		Int("attempts", l.policy.MaxAttempts).
		Msg("debit abandoned under contention")
	return nil, fmt.Errorf("%w (account=%d attempts=%d)", ErrLedgerContention, accountID, l.policy.MaxAttempts)
}

// Credit adds amount to the wallet using the same compare-and-swap
// loop. Credits do not check sufficiency but still respect block state
// and currency.
func (l *Ledger) Credit(ctx context.Context, accountID int64, amount decimal.Decimal, currency string) (*Wallet, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("credit amount must not be negative: %s", amount)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.policy.InitialBackoff
	bo.MaxInterval = l.policy.MaxBackoff
	bo.RandomizationFactor = 0.5
	bo.Reset()

	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		w, err := l.store.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if w.Blocked {
			return nil, fmt.Errorf("%w (account=%d)", ErrWalletBlocked, accountID)
		}
		if currency != "" && w.Currency != currency {
			return nil, fmt.Errorf("%w: wallet=%s charge=%s", ErrCurrencyMismatch, w.Currency, currency)
		}

		applied, err := l.store.ApplyDelta(ctx, accountID, amount, w.Version)
		if err != nil {
			return nil, err
		}
		if applied {
			w.Balance = w.Balance.Add(amount)
			w.Version++
			l.log.Info().
				Int64("account_id", accountID).
				Str("amount", amount.String()).
				Str("balance", w.Balance.String()).
				Msg("credit applied")
			return w, nil
		}

		casConflictsTotal.Inc()
		if attempt < l.policy.MaxAttempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("%w (account=%d attempts=%d)", ErrLedgerContention, accountID, l.policy.MaxAttempts)
}

func (l *Ledger) validateDebit(w *Wallet, amount decimal.Decimal, currency string) error {
	if w.Blocked {
		return fmt.Errorf("%w (account=%d)", ErrWalletBlocked, w.AccountID)
	}
	if currency != "" && w.Currency != currency {
		return fmt.Errorf("%w: wallet=%s charge=%s", ErrCurrencyMismatch, w.Currency, currency)
	}
	if !l.policy.AllowNegative && w.Balance.Sub(amount).IsNegative() {
		return fmt.Errorf("%w: balance=%s amount=%s", ErrInsufficientFunds, w.Balance, amount)
	}
	return nil
}
