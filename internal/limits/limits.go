package limits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wallet/internal/store"
)

var ErrBiometricRequired = errors.New("biometric verification required")

// LimitExceededError carries the remaining daily allowance so callers can
// surface an actionable message.
type LimitExceededError struct {
	Tier      int
	DailyCap  int64
	Used      int64
	Remaining int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily limit exceeded for tier %d: remaining %d", e.Tier, e.Remaining)
}

// BalanceCapExceededError is returned when a credit would push the resting
// balance past the tier's cap.
type BalanceCapExceededError struct {
	Tier       int
	MaxBalance int64
	Balance    int64
}

func (e *BalanceCapExceededError) Error() string {
	return fmt.Sprintf("balance cap exceeded for tier %d: max %d", e.Tier, e.MaxBalance)
}

// Policy is the per-tier limit row. MaxBalance 0 means unlimited.
type Policy struct {
	DailyDebitCap     int64
	MaxBalance        int64
	RequiresBiometric bool
}

// DefaultPolicies keys KYC tier to its limits, amounts in minor units.
var DefaultPolicies = map[int]Policy{
	1: {DailyDebitCap: 3_000_000, MaxBalance: 30_000_000},
	2: {DailyDebitCap: 50_000_000, MaxBalance: 500_000_000},
	3: {DailyDebitCap: 500_000_000, MaxBalance: 0, RequiresBiometric: true},
}

type LedgerStore interface {
	DailyDebitTotal(ctx context.Context, accountID string, dayStart time.Time) (int64, error)
}

type BalanceStore interface {
	Get(ctx context.Context, accountID, currency string) (store.Balance, error)
}

type Evaluator struct {
	policies map[int]Policy
	ledger   LedgerStore
	balances BalanceStore
	now      func() time.Time
}

func NewEvaluator(ledger LedgerStore, balances BalanceStore) *Evaluator {
	return &Evaluator{
		policies: DefaultPolicies,
		ledger:   ledger,
		balances: balances,
		now:      time.Now,
	}
}

func (e *Evaluator) policy(tier int) Policy {
	if p, ok := e.policies[tier]; ok {
		return p
	}
	// Unknown tiers get the most restrictive policy.
	return e.policies[1]
}

// CheckDebit verifies the amount against the account's remaining daily
// allowance. Usage counts peer transfers and external payouts in PENDING,
// SUCCESS and HELD: held amounts are provisionally committed funds.
func (e *Evaluator) CheckDebit(ctx context.Context, account store.Account, amount int64) error {
	p := e.policy(account.Tier)
	if p.RequiresBiometric && !account.BiometricVerified {
		return ErrBiometricRequired
	}
	dayStart := e.now().UTC().Truncate(24 * time.Hour)
	used, err := e.ledger.DailyDebitTotal(ctx, account.ID, dayStart)
	if err != nil {
		return err
	}
	if used+amount > p.DailyDebitCap {
		remaining := p.DailyDebitCap - used
		if remaining < 0 {
			remaining = 0
		}
		return &LimitExceededError{Tier: account.Tier, DailyCap: p.DailyDebitCap, Used: used, Remaining: remaining}
	}
	return nil
}

// CheckCredit verifies the resulting balance stays under the tier's resting
// balance cap. Accounts with no balance row yet are treated as zero.
func (e *Evaluator) CheckCredit(ctx context.Context, account store.Account, currency string, amount int64) error {
	p := e.policy(account.Tier)
	if p.MaxBalance == 0 {
		return nil
	}
	balance, err := e.balances.Get(ctx, account.ID, currency)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if balance.Amount+amount > p.MaxBalance {
		return &BalanceCapExceededError{Tier: account.Tier, MaxBalance: p.MaxBalance, Balance: balance.Amount}
	}
	return nil
}
