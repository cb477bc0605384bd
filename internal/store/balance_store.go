package store

import (
	"context"
	"errors"
)

// ErrInsufficientFunds is returned by Mutate when a debit would take the
// balance below zero. The non-negative balance invariant is enforced here,
// inside the row lock, not by callers.
var ErrInsufficientFunds = errors.New("insufficient funds")

type BalanceStore struct {
	db DB
}

type Balance struct {
	AccountID string `db:"account_id"`
	Currency  string `db:"currency"`
	Amount    int64  `db:"amount"`
}

func NewBalanceStore(db DB) *BalanceStore {
	return &BalanceStore{db: db}
}

func (s *BalanceStore) Get(ctx context.Context, accountID, currency string) (Balance, error) {
	var row Balance
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, currency, amount
		FROM balances
		WHERE account_id = $1 AND currency = $2
	`, accountID, currency)
	if err != nil {
		return Balance{}, err
	}
	return row, nil
}

// EnsureRow creates the (account, currency) row if it does not exist yet, so
// that a first-ever credit has something to lock.
func (s *BalanceStore) EnsureRow(ctx context.Context, tx Execer, accountID, currency string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, currency, amount)
		VALUES ($1, $2, 0)
		ON CONFLICT (account_id, currency) DO NOTHING
	`, accountID, currency)
	return err
}

func (s *BalanceStore) GetForUpdate(ctx context.Context, tx Getter, accountID, currency string) (Balance, error) {
	var row Balance
	err := tx.GetContext(ctx, &row, `
		SELECT account_id, currency, amount
		FROM balances
		WHERE account_id = $1 AND currency = $2
		FOR UPDATE
	`, accountID, currency)
	if err != nil {
		return Balance{}, err
	}
	return row, nil
}

// Mutate applies delta to the (account, currency) balance and returns the
// before/after pair. It must run inside the same transaction as the ledger
// entry it pairs with; the FOR UPDATE read serializes concurrent mutations on
// the row so two simultaneous debits cannot both see the same stale balance.
func (s *BalanceStore) Mutate(ctx context.Context, tx Tx, accountID, currency string, delta int64) (int64, int64, error) {
	row, err := s.GetForUpdate(ctx, tx, accountID, currency)
	if err != nil {
		return 0, 0, err
	}
	before := row.Amount
	after := before + delta
	if after < 0 {
		return 0, 0, ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET amount = $1, updated_at = NOW()
		WHERE account_id = $2 AND currency = $3
	`, after, accountID, currency); err != nil {
		return 0, 0, err
	}
	return before, after, nil
}
