package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wallet/internal/db"
)

// Crypto deposit statuses.
const (
	DepositPending    = "pending"
	DepositConfirming = "confirming"
	DepositConfirmed  = "confirmed"
	DepositFlagged    = "flagged"
)

type CryptoStore struct {
	db DB
}

// DepositIntent maps (account, asset, network) to the deposit address handed
// to the user. At most one active intent per triple.
type DepositIntent struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Asset     string    `db:"asset"`
	Network   string    `db:"network"`
	Address   string    `db:"address"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// CryptoDeposit tracks one on-chain event from first sight to credit. The
// provider transaction id is the idempotency anchor.
type CryptoDeposit struct {
	ID               string     `db:"id"`
	AccountID        string     `db:"account_id"`
	Asset            string     `db:"asset"`
	Network          string     `db:"network"`
	ProviderTxID     string     `db:"provider_tx_id"`
	AmountCrypto     string     `db:"amount_crypto"`
	Confirmations    int        `db:"confirmations"`
	MinConfirmations int        `db:"min_confirmations"`
	Rate             *string    `db:"rate"`
	AmountLocal      int64      `db:"amount_local"`
	Status           string     `db:"status"`
	RiskScore        int        `db:"risk_score"`
	FlagReason       *string    `db:"flag_reason"`
	HeldUntil        *time.Time `db:"held_until"`
	CreatedAt        time.Time  `db:"created_at"`
}

func NewCryptoStore(db DB) *CryptoStore {
	return &CryptoStore{db: db}
}

func (s *CryptoStore) ActiveIntent(ctx context.Context, accountID, asset, network string) (DepositIntent, error) {
	var row DepositIntent
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, asset, network, address, active, created_at
		FROM crypto_deposit_intents
		WHERE account_id = $1 AND asset = $2 AND network = $3 AND active = TRUE
	`, accountID, asset, network)
	return row, err
}

// CreateIntent assigns an address for the triple, returning the existing
// active intent on a second request instead of allocating another address.
func (s *CryptoStore) CreateIntent(ctx context.Context, tx Tx, intent DepositIntent) (DepositIntent, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO crypto_deposit_intents (id, account_id, asset, network, address, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
	`, intent.ID, intent.AccountID, intent.Asset, intent.Network, intent.Address)
	if err != nil {
		if db.IsUniqueViolation(err) {
			var row DepositIntent
			getErr := tx.GetContext(ctx, &row, `
				SELECT id, account_id, asset, network, address, active, created_at
				FROM crypto_deposit_intents
				WHERE account_id = $1 AND asset = $2 AND network = $3 AND active = TRUE
			`, intent.AccountID, intent.Asset, intent.Network)
			if getErr != nil {
				return DepositIntent{}, getErr
			}
			return row, nil
		}
		return DepositIntent{}, err
	}
	intent.Active = true
	return intent, nil
}

const cryptoDepositColumns = `
	id, account_id, asset, network, provider_tx_id, amount_crypto, confirmations,
	min_confirmations, rate, amount_local, status, risk_score, flag_reason, held_until, created_at`

// UpsertDeposit inserts the deposit row on first sight or returns the existing
// row for the provider transaction id.
func (s *CryptoStore) UpsertDeposit(ctx context.Context, tx Tx, d CryptoDeposit) (CryptoDeposit, bool, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO crypto_deposits (id, account_id, asset, network, provider_tx_id, amount_crypto,
			confirmations, min_confirmations, status, risk_score, amount_local)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0)
	`, d.ID, d.AccountID, d.Asset, d.Network, d.ProviderTxID, d.AmountCrypto, d.Confirmations, d.MinConfirmations, d.Status)
	if err != nil {
		if db.IsUniqueViolation(err) {
			existing, getErr := s.depositByProviderTxID(ctx, tx, d.ProviderTxID, true)
			if getErr != nil {
				return CryptoDeposit{}, false, getErr
			}
			return existing, false, nil
		}
		return CryptoDeposit{}, false, err
	}
	inserted, err := s.depositByProviderTxID(ctx, tx, d.ProviderTxID, true)
	if err != nil {
		return CryptoDeposit{}, false, err
	}
	return inserted, true, nil
}

func (s *CryptoStore) DepositByProviderTxID(ctx context.Context, providerTxID string) (CryptoDeposit, error) {
	return s.depositByProviderTxID(ctx, s.db, providerTxID, false)
}

func (s *CryptoStore) depositByProviderTxID(ctx context.Context, g Getter, providerTxID string, forUpdate bool) (CryptoDeposit, error) {
	query := `SELECT ` + cryptoDepositColumns + ` FROM crypto_deposits WHERE provider_tx_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row CryptoDeposit
	err := g.GetContext(ctx, &row, query, providerTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return CryptoDeposit{}, err
	}
	return row, err
}

func (s *CryptoStore) UpdateConfirmations(ctx context.Context, tx Execer, id string, confirmations int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE crypto_deposits
		SET confirmations = GREATEST(confirmations, $1), status = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $2)
	`, confirmations, DepositConfirming, id, DepositPending)
	return err
}

func (s *CryptoStore) MarkFlagged(ctx context.Context, tx Execer, id string, score int, reason string, heldUntil *time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE crypto_deposits
		SET status = $1, risk_score = $2, flag_reason = $3, held_until = $4, updated_at = NOW()
		WHERE id = $5
	`, DepositFlagged, score, reason, heldUntil, id)
	return err
}

// MarkConfirmed finalizes the deposit with the applied rate and resulting
// local amount. The status guard keeps a racing duplicate from confirming
// twice; callers check the returned flag before crediting.
func (s *CryptoStore) MarkConfirmed(ctx context.Context, tx Execer, id, rate string, amountLocal int64, score int) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE crypto_deposits
		SET status = $1, rate = $2, amount_local = $3, risk_score = $4, updated_at = NOW()
		WHERE id = $5 AND status IN ($6, $7)
	`, DepositConfirmed, rate, amountLocal, score, id, DepositPending, DepositConfirming)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
