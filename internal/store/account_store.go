package store

import (
	"context"
	"time"
)

type AccountStore struct {
	db DB
}

// Account is the identity holder. Balances live in their own rows; nothing
// outside the store layer writes these columns directly.
type Account struct {
	ID                  string     `db:"id"`
	Tag                 string     `db:"tag"`
	Email               string     `db:"email"`
	PINHash             *string    `db:"pin_hash"`
	Tier                int        `db:"tier"`
	BiometricVerified   bool       `db:"biometric_verified"`
	SecondaryIDVerified bool       `db:"secondary_id_verified"`
	FrozenUntil         *time.Time `db:"frozen_until"`
	RiskScore           int        `db:"risk_score"`
	CreatedAt           time.Time  `db:"created_at"`
}

func (a Account) Frozen(now time.Time) bool {
	return a.FrozenUntil != nil && a.FrozenUntil.After(now)
}

func (a Account) AgeDays(now time.Time) int {
	return int(now.Sub(a.CreatedAt).Hours() / 24)
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, tx Execer, a Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, tag, email, pin_hash, tier, biometric_verified, secondary_id_verified, risk_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Tag, a.Email, a.PINHash, a.Tier, a.BiometricVerified, a.SecondaryIDVerified, a.RiskScore)
	return err
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (Account, error) {
	var row Account
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tag, email, pin_hash, tier, biometric_verified, secondary_id_verified, frozen_until, risk_score, created_at
		FROM accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByTag(ctx context.Context, tag string) (Account, error) {
	var row Account
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tag, email, pin_hash, tier, biometric_verified, secondary_id_verified, frozen_until, risk_score, created_at
		FROM accounts
		WHERE tag = $1
	`, tag)
	if err != nil {
		return Account{}, err
	}
	return row, nil
}

// Freeze blocks all activity on the account until the given time. Written by
// the risk scorer when an assessment crosses the critical threshold.
func (s *AccountStore) Freeze(ctx context.Context, tx Execer, accountID string, until time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET frozen_until = $1, updated_at = NOW() WHERE id = $2
	`, until.UTC(), accountID)
	return err
}

func (s *AccountStore) SetRiskScore(ctx context.Context, tx Execer, accountID string, score int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET risk_score = $1, updated_at = NOW() WHERE id = $2
	`, score, accountID)
	return err
}
