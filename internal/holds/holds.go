package holds

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"wallet/internal/db"
	"wallet/internal/store"
)

// HoldDays is how long a held transfer waits before the sweep releases it.
const HoldDays = 16

// Thresholds in minor units.
const (
	flagThreshold     = 1_000_000 // NGN 10,000: below this nothing is held
	tier1SoftCap      = 2_000_000 // NGN 20,000
	youngAccountLimit = 5_000_000 // NGN 50,000
	youngAccountDays  = 30
	sweepBatchSize    = 100
)

var ErrNotHeld = errors.New("transaction is not held")

type LedgerStore interface {
	CountSuccessfulOutbound(ctx context.Context, accountID string) (int, error)
	GetByID(ctx context.Context, id string) (store.LedgerEntry, error)
	DueHeld(ctx context.Context, tx store.Selecter, now time.Time, limit int) ([]store.LedgerEntry, error)
	MarkReleased(ctx context.Context, tx store.Execer, id string) (bool, error)
}

type BalanceStore interface {
	EnsureRow(ctx context.Context, tx store.Execer, accountID, currency string) error
	Mutate(ctx context.Context, tx store.Tx, accountID, currency string, delta int64) (int64, int64, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, action, actorType string, actorID *string, accountID, metadata string) error
}

// Manager owns the hold lifecycle: the decision at send time, manual release
// by an admin, and the periodic auto-release sweep.
type Manager struct {
	txRunner db.TxRunner
	ledger   LedgerStore
	balances BalanceStore
	audit    AuditStore
	redis    *redis.Client
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(txRunner db.TxRunner, ledger LedgerStore, balances BalanceStore, audit AuditStore, redisClient *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		txRunner: txRunner,
		ledger:   ledger,
		balances: balances,
		audit:    audit,
		redis:    redisClient,
		logger:   logger,
		now:      time.Now,
	}
}

// HeldUntil returns the hold expiry for an entry created now.
func (m *Manager) HeldUntil(createdAt time.Time) time.Time {
	return createdAt.Add(HoldDays * 24 * time.Hour).UTC()
}

// ShouldHold evaluates the hold rules in order; the first match wins.
func (m *Manager) ShouldHold(ctx context.Context, sender store.Account, amount int64) (bool, string, error) {
	if amount < flagThreshold {
		return false, "", nil
	}
	prior, err := m.ledger.CountSuccessfulOutbound(ctx, sender.ID)
	if err != nil {
		return false, "", err
	}
	if prior == 0 {
		return true, "first-time sender, large amount", nil
	}
	if sender.Tier == 1 && amount > tier1SoftCap {
		return true, "tier 1 amount above soft cap", nil
	}
	if sender.AgeDays(m.now()) < youngAccountDays && amount > youngAccountLimit {
		return true, "account younger than 30 days, high amount", nil
	}
	return false, "", nil
}

// Release finalizes one held transfer: flips HELD to SUCCESS, credits the
// receiver and writes the audit entry, all in one transaction. Already
// released entries are a no-op, so retries and sweep overlap are safe.
func (m *Manager) Release(ctx context.Context, entryID string, approverID *string) error {
	entry, err := m.ledger.GetByID(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != store.StatusHeld {
		return ErrNotHeld
	}
	return m.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return m.releaseInTx(ctx, tx, entry, approverID)
	})
}

func (m *Manager) releaseInTx(ctx context.Context, tx *sqlx.Tx, entry store.LedgerEntry, approverID *string) error {
	released, err := m.ledger.MarkReleased(ctx, tx, entry.ID)
	if err != nil {
		return err
	}
	if !released {
		// Lost the race: someone else already released it.
		return nil
	}
	if entry.ReceiverAccountID != nil {
		if err := m.balances.EnsureRow(ctx, tx, *entry.ReceiverAccountID, entry.Currency); err != nil {
			return err
		}
		if _, _, err := m.balances.Mutate(ctx, tx, *entry.ReceiverAccountID, entry.Currency, entry.Amount); err != nil {
			return err
		}
	}
	actorType := store.ActorSystem
	accountID := ""
	if entry.SenderAccountID != nil {
		accountID = *entry.SenderAccountID
	}
	if approverID != nil {
		actorType = store.ActorAdmin
	}
	meta, _ := json.Marshal(map[string]any{
		"transaction_id": entry.ID,
		"amount":         entry.Amount,
		"currency":       entry.Currency,
	})
	return m.audit.Log(ctx, tx, "hold_released", actorType, approverID, accountID, string(meta))
}

// SweepDue releases every held entry whose hold has expired and returns the
// count. The redis lock keeps overlapping schedulers from duplicating work;
// the HELD status guard plus FOR UPDATE SKIP LOCKED make the sweep idempotent
// even without it.
func (m *Manager) SweepDue(ctx context.Context) (int, error) {
	lock := newSweepLock(m.redis, uuid.NewString())
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			m.logger.Warn("sweep lock release failed", zap.Error(err))
		}
	}()

	released := 0
	for {
		batch := 0
		err := m.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			due, err := m.ledger.DueHeld(ctx, tx, m.now(), sweepBatchSize)
			if err != nil {
				return err
			}
			for _, entry := range due {
				if err := m.releaseInTx(ctx, tx, entry, nil); err != nil {
					return err
				}
				batch++
			}
			return nil
		})
		if err != nil {
			return released, err
		}
		released += batch
		if batch < sweepBatchSize {
			return released, nil
		}
	}
}

// Run loops the sweep on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := m.SweepDue(ctx)
			if err != nil {
				m.logger.Error("hold sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				m.logger.Info("hold sweep released transactions", zap.Int("count", count))
			}
		}
	}
}
