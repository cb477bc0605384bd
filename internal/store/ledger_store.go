package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wallet/internal/db"
)

// Transaction kinds.
const (
	KindPeerTransfer   = "peer_transfer"
	KindExternalPayout = "external_payout"
	KindFiatDeposit    = "fiat_deposit"
	KindCryptoDeposit  = "crypto_deposit"
	KindSwap           = "swap"
)

// Transaction statuses. SUCCESS, FAILED and REVERSED are terminal.
const (
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusHeld     = "HELD"
	StatusReversed = "REVERSED"
)

// ErrInvalidStateTransition is a data-integrity error: the requested status
// change is not in the lifecycle. Logged as severe by callers.
var ErrInvalidStateTransition = errors.New("invalid state transition")

var allowedTransitions = map[string][]string{
	StatusPending: {StatusSuccess, StatusFailed, StatusHeld},
	StatusHeld:    {StatusSuccess},
	StatusSuccess: {StatusReversed},
}

func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type LedgerStore struct {
	db DB
}

// LedgerEntry is the append-style record of one money movement. Amount, fee
// and the before/after snapshots are immutable once written; only status,
// hold fields and metadata change afterwards.
type LedgerEntry struct {
	ID                string     `db:"id"`
	SenderAccountID   *string    `db:"sender_account_id"`
	ReceiverAccountID *string    `db:"receiver_account_id"`
	Kind              string     `db:"kind"`
	Status            string     `db:"status"`
	Amount            int64      `db:"amount"`
	Fee               int64      `db:"fee"`
	Currency          string     `db:"currency"`
	IdempotencyKey    string     `db:"idempotency_key"`
	ExternalReference *string    `db:"external_reference"`
	BeforeBalance     int64      `db:"before_balance"`
	AfterBalance      int64      `db:"after_balance"`
	Flagged           bool       `db:"flagged"`
	FlagReason        *string    `db:"flag_reason"`
	HeldUntil         *time.Time `db:"held_until"`
	Metadata          string     `db:"metadata"`
	CreatedAt         time.Time  `db:"created_at"`
}

type LedgerEntryInput struct {
	ID                string
	SenderAccountID   *string
	ReceiverAccountID *string
	Kind              string
	Status            string
	Amount            int64
	Fee               int64
	Currency          string
	IdempotencyKey    string
	ExternalReference *string
	BeforeBalance     int64
	AfterBalance      int64
	Flagged           bool
	FlagReason        *string
	HeldUntil         *time.Time
	Metadata          string
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const ledgerColumns = `
	id, sender_account_id, receiver_account_id, kind, status, amount, fee, currency,
	idempotency_key, external_reference, before_balance, after_balance,
	flagged, flag_reason, held_until, metadata, created_at`

// Create inserts the entry. If the idempotency key has been seen before, the
// existing entry is returned with created=false and nothing is written: this
// is the replay-safety backbone for retried sends and redelivered webhooks.
func (s *LedgerStore) Create(ctx context.Context, tx Tx, input LedgerEntryInput) (LedgerEntry, bool, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, sender_account_id, receiver_account_id, kind, status, amount, fee, currency,
			idempotency_key, external_reference, before_balance, after_balance, flagged, flag_reason, held_until, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, input.ID, input.SenderAccountID, input.ReceiverAccountID, input.Kind, input.Status, input.Amount, input.Fee,
		input.Currency, input.IdempotencyKey, input.ExternalReference, input.BeforeBalance, input.AfterBalance,
		input.Flagged, input.FlagReason, input.HeldUntil, input.Metadata)
	if err != nil {
		if db.IsUniqueViolation(err) {
			existing, getErr := s.getBy(ctx, tx, "idempotency_key", input.IdempotencyKey)
			if getErr != nil {
				return LedgerEntry{}, false, getErr
			}
			return existing, false, nil
		}
		return LedgerEntry{}, false, err
	}
	entry, err := s.getBy(ctx, tx, "id", input.ID)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (s *LedgerStore) GetByID(ctx context.Context, id string) (LedgerEntry, error) {
	var row LedgerEntry
	err := s.db.GetContext(ctx, &row, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id)
	return row, err
}

func (s *LedgerStore) GetByReference(ctx context.Context, tx Getter, reference string) (LedgerEntry, error) {
	var row LedgerEntry
	err := tx.GetContext(ctx, &row, `
		SELECT `+ledgerColumns+` FROM ledger_entries WHERE external_reference = $1 FOR UPDATE
	`, reference)
	return row, err
}

// UpdateStatus applies a lifecycle transition. The WHERE clause repeats the
// expected current status so a lost race surfaces as zero rows rather than a
// silent double-apply.
func (s *LedgerStore) UpdateStatus(ctx context.Context, tx Tx, id, from, to string) error {
	if !CanTransition(from, to) {
		return ErrInvalidStateTransition
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}

// MarkReleased flips a HELD entry to SUCCESS and reports whether this call
// did the flip. Releasing an already released entry is a no-op, which is what
// makes the auto-release sweep safe to re-run.
func (s *LedgerStore) MarkReleased(ctx context.Context, tx Execer, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, StatusSuccess, id, StatusHeld)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *LedgerStore) PatchMetadata(ctx context.Context, tx Execer, id, metadata string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET metadata = metadata::jsonb || $1::jsonb, updated_at = NOW() WHERE id = $2
	`, metadata, id)
	return err
}

// DailyDebitTotal sums today's outbound amounts for the kinds and statuses
// that count against the daily limit. HELD entries count: they are
// provisionally committed funds. Fees are excluded; the limit comparison is
// amount against amounts on both sides.
func (s *LedgerStore) DailyDebitTotal(ctx context.Context, accountID string, dayStart time.Time) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE sender_account_id = $1
		  AND kind IN ($2, $3)
		  AND status IN ($4, $5, $6)
		  AND created_at >= $7
	`, accountID, KindPeerTransfer, KindExternalPayout, StatusPending, StatusSuccess, StatusHeld, dayStart.UTC())
	return total, err
}

// HeldOutgoingTotal sums amounts sitting on this sender's HELD entries.
func (s *LedgerStore) HeldOutgoingTotal(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount + fee), 0)
		FROM ledger_entries
		WHERE sender_account_id = $1 AND status = $2
	`, accountID, StatusHeld)
	return total, err
}

func (s *LedgerStore) CountSuccessfulOutbound(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE sender_account_id = $1 AND status = $2 AND kind IN ($3, $4)
	`, accountID, StatusSuccess, KindPeerTransfer, KindExternalPayout)
	return count, err
}

func (s *LedgerStore) CountToBeneficiary(ctx context.Context, senderID, receiverID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE sender_account_id = $1 AND receiver_account_id = $2
	`, senderID, receiverID)
	return count, err
}

// RecentOutboundAmounts returns the amounts of the last n successful outbound
// transactions, newest first. The risk scorer uses these for its rolling
// average.
func (s *LedgerStore) RecentOutboundAmounts(ctx context.Context, accountID string, n int) ([]int64, error) {
	var amounts []int64
	err := s.db.SelectContext(ctx, &amounts, `
		SELECT amount
		FROM ledger_entries
		WHERE sender_account_id = $1 AND status = $2 AND kind IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, accountID, StatusSuccess, KindPeerTransfer, KindExternalPayout, n)
	return amounts, err
}

// DueHeld locks and returns HELD entries whose hold has expired. SKIP LOCKED
// lets two overlapping sweeps partition the rows instead of blocking or
// double-releasing.
func (s *LedgerStore) DueHeld(ctx context.Context, tx Selecter, now time.Time, limit int) ([]LedgerEntry, error) {
	var rows []LedgerEntry
	err := tx.SelectContext(ctx, &rows, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE status = $1 AND held_until IS NOT NULL AND held_until <= $2
		ORDER BY held_until
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, StatusHeld, now.UTC(), limit)
	return rows, err
}

type HistoryFilter struct {
	Kind   string
	Status string
	Limit  int
	Offset int
}

func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, filter HistoryFilter) ([]LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE (sender_account_id = $1 OR receiver_account_id = $1)`
	args := []any{accountID}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += ` AND kind = $2`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + itoa(len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	var rows []LedgerEntry
	err := s.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

func (s *LedgerStore) getBy(ctx context.Context, g Getter, column, value string) (LedgerEntry, error) {
	var row LedgerEntry
	err := g.GetContext(ctx, &row, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE `+column+` = $1`, value)
	return row, err
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
