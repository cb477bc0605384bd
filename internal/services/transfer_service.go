package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"wallet/internal/auth"
	"wallet/internal/db"
	"wallet/internal/money"
	"wallet/internal/risk"
	"wallet/internal/store"
	"wallet/internal/websocket"
)

var (
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrRecipientNotFound          = errors.New("recipient not found")
	ErrSelfTransfer               = errors.New("cannot transfer to self")
	ErrAccountFrozen              = errors.New("account is frozen")
	ErrInsufficientAvailableFunds = errors.New("insufficient available funds")
	ErrTransactionBlocked         = errors.New("transaction blocked by risk controls")
)

// errIdempotentReplay aborts the transfer transaction when the idempotency
// key has been seen before; the surrounding rollback undoes the balance
// mutations and the existing entry is returned instead.
type errIdempotentReplay struct {
	entry store.LedgerEntry
}

func (errIdempotentReplay) Error() string { return "idempotent replay" }

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (store.Account, error)
	GetByTag(ctx context.Context, tag string) (store.Account, error)
}

type BalanceStore interface {
	Get(ctx context.Context, accountID, currency string) (store.Balance, error)
	EnsureRow(ctx context.Context, tx store.Execer, accountID, currency string) error
	Mutate(ctx context.Context, tx store.Tx, accountID, currency string, delta int64) (int64, int64, error)
}

type LedgerStore interface {
	Create(ctx context.Context, tx store.Tx, input store.LedgerEntryInput) (store.LedgerEntry, bool, error)
	ListByAccount(ctx context.Context, accountID string, filter store.HistoryFilter) ([]store.LedgerEntry, error)
	HeldOutgoingTotal(ctx context.Context, accountID string) (int64, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, action, actorType string, actorID *string, accountID, metadata string) error
}

type LimitsEvaluator interface {
	CheckDebit(ctx context.Context, account store.Account, amount int64) error
	CheckCredit(ctx context.Context, account store.Account, currency string, amount int64) error
}

type HoldManager interface {
	ShouldHold(ctx context.Context, sender store.Account, amount int64) (bool, string, error)
	HeldUntil(createdAt time.Time) time.Time
}

type RiskScorer interface {
	Assess(ctx context.Context, in risk.Input) (risk.Assessment, error)
	ApplyAccountAction(ctx context.Context, tx store.Execer, accountID string, a risk.Assessment) error
}

// PaymentGateway is the external payout rail. Calls must respect ctx
// deadlines; the orchestrator never moves money while the gateway is
// unreachable.
type PaymentGateway interface {
	VerifyAccount(ctx context.Context, accountNumber, bankCode string) (string, error)
	InitiateTransfer(ctx context.Context, reference, accountNumber, bankCode string, amount int64, currency, narration string) (string, error)
}

type BalanceHub interface {
	BroadcastBalance(accountID string, update websocket.BalanceUpdate)
}

type TransferConfig struct {
	Currency       string
	FeeBasisPoints int64
	FeeMinimum     int64
}

// TransferService is the synchronous entry point for peer transfers and
// external payouts. Every balance-affecting step funnels through the same
// serializable transaction as the ledger write.
type TransferService struct {
	txRunner db.TxRunner
	accounts AccountStore
	balances BalanceStore
	ledger   LedgerStore
	audit    AuditStore
	limits   LimitsEvaluator
	holds    HoldManager
	scorer   RiskScorer
	gateway  PaymentGateway
	hub      BalanceHub
	cfg      TransferConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewTransferService(txRunner db.TxRunner, accounts AccountStore, balances BalanceStore, ledger LedgerStore, audit AuditStore, limitsEval LimitsEvaluator, holdManager HoldManager, scorer RiskScorer, gateway PaymentGateway, hub BalanceHub, cfg TransferConfig, logger *zap.Logger) *TransferService {
	return &TransferService{
		txRunner: txRunner,
		accounts: accounts,
		balances: balances,
		ledger:   ledger,
		audit:    audit,
		limits:   limitsEval,
		holds:    holdManager,
		scorer:   scorer,
		gateway:  gateway,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

type SendMoneyRequest struct {
	SenderID       string
	RecipientTag   string
	Amount         int64
	Description    string
	PIN            string
	DeviceID       string
	IP             string
	IdempotencyKey string
}

type SendMoneyResult struct {
	TransactionID string
	Reference     string
	Amount        int64
	Fee           int64
	RecipientTag  string
	Status        string
}

func (s *TransferService) SendMoney(ctx context.Context, req SendMoneyRequest) (SendMoneyResult, error) {
	if req.Amount <= 0 {
		return SendMoneyResult{}, ErrInvalidAmount
	}
	sender, err := s.accounts.GetByID(ctx, req.SenderID)
	if err != nil {
		return SendMoneyResult{}, err
	}
	if sender.Frozen(s.now()) {
		return SendMoneyResult{}, ErrAccountFrozen
	}
	if req.PIN != "" {
		if sender.PINHash == nil {
			return SendMoneyResult{}, auth.ErrInvalidCredential
		}
		if err := auth.CheckPIN(*sender.PINHash, req.PIN); err != nil {
			return SendMoneyResult{}, err
		}
	}
	if err := s.limits.CheckDebit(ctx, sender, req.Amount); err != nil {
		return SendMoneyResult{}, err
	}

	fee := money.Fee(req.Amount, s.cfg.FeeBasisPoints, s.cfg.FeeMinimum)
	total := req.Amount + fee

	// Held transfers were debited at send time, so the balance row already
	// excludes them; anything above it is unavailable.
	balance, err := s.balances.Get(ctx, sender.ID, s.cfg.Currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SendMoneyResult{}, ErrInsufficientAvailableFunds
		}
		return SendMoneyResult{}, err
	}
	if total > balance.Amount {
		return SendMoneyResult{}, ErrInsufficientAvailableFunds
	}

	recipient, err := s.accounts.GetByTag(ctx, req.RecipientTag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SendMoneyResult{}, ErrRecipientNotFound
		}
		return SendMoneyResult{}, err
	}
	if recipient.ID == sender.ID {
		return SendMoneyResult{}, ErrSelfTransfer
	}

	assessment, err := s.scorer.Assess(ctx, risk.Input{
		Account:       sender,
		Amount:        req.Amount,
		Currency:      s.cfg.Currency,
		DeviceID:      req.DeviceID,
		IP:            req.IP,
		BeneficiaryID: recipient.ID,
		At:            s.now(),
	})
	if err != nil {
		return SendMoneyResult{}, err
	}
	if assessment.Action == risk.ActionBlock {
		if err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.scorer.ApplyAccountAction(ctx, tx, sender.ID, assessment)
		}); err != nil {
			s.logger.Error("applying risk block failed", zap.Error(err))
		}
		return SendMoneyResult{}, ErrTransactionBlocked
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var result SendMoneyResult
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		before, after, err := s.balances.Mutate(ctx, tx, sender.ID, s.cfg.Currency, -total)
		if err != nil {
			return err
		}

		held, reason, err := s.holds.ShouldHold(ctx, sender, req.Amount)
		if err != nil {
			return err
		}
		if assessment.Action == risk.ActionHold && !held {
			held = true
			reason = "risk score requires review"
		}

		status := store.StatusSuccess
		var heldUntil *time.Time
		var flagReason *string
		flagged := assessment.Action != risk.ActionAllow || held
		if reason != "" {
			flagReason = &reason
		}
		if held {
			status = store.StatusHeld
			until := s.holds.HeldUntil(s.now())
			heldUntil = &until
		} else {
			if err := s.balances.EnsureRow(ctx, tx, recipient.ID, s.cfg.Currency); err != nil {
				return err
			}
			if _, _, err := s.balances.Mutate(ctx, tx, recipient.ID, s.cfg.Currency, req.Amount); err != nil {
				return err
			}
		}

		metadata, _ := json.Marshal(map[string]any{
			"description": req.Description,
			"risk_score":  assessment.Score,
			"risk_flags":  assessment.Flags,
		})
		entryID := uuid.NewString()
		entry, created, err := s.ledger.Create(ctx, tx, store.LedgerEntryInput{
			ID:                entryID,
			SenderAccountID:   &sender.ID,
			ReceiverAccountID: &recipient.ID,
			Kind:              store.KindPeerTransfer,
			Status:            status,
			Amount:            req.Amount,
			Fee:               fee,
			Currency:          s.cfg.Currency,
			IdempotencyKey:    idempotencyKey,
			BeforeBalance:     before,
			AfterBalance:      after,
			Flagged:           flagged,
			FlagReason:        flagReason,
			HeldUntil:         heldUntil,
			Metadata:          string(metadata),
		})
		if err != nil {
			return err
		}
		if !created {
			return errIdempotentReplay{entry: entry}
		}
		if err := s.scorer.ApplyAccountAction(ctx, tx, sender.ID, assessment); err != nil {
			return err
		}
		auditMeta, _ := json.Marshal(map[string]any{
			"transaction_id": entry.ID,
			"recipient":      recipient.ID,
			"amount":         req.Amount,
			"fee":            fee,
			"status":         status,
		})
		if err := s.audit.Log(ctx, tx, "send_money", store.ActorUser, &sender.ID, sender.ID, string(auditMeta)); err != nil {
			return err
		}
		result = SendMoneyResult{
			TransactionID: entry.ID,
			Reference:     entry.IdempotencyKey,
			Amount:        req.Amount,
			Fee:           fee,
			RecipientTag:  recipient.Tag,
			Status:        status,
		}
		return nil
	})
	if err != nil {
		var replay errIdempotentReplay
		if errors.As(err, &replay) {
			return SendMoneyResult{
				TransactionID: replay.entry.ID,
				Reference:     replay.entry.IdempotencyKey,
				Amount:        replay.entry.Amount,
				Fee:           replay.entry.Fee,
				RecipientTag:  recipient.Tag,
				Status:        replay.entry.Status,
			}, nil
		}
		return SendMoneyResult{}, err
	}

	s.broadcast(ctx, sender.ID)
	if result.Status == store.StatusSuccess {
		s.broadcast(ctx, recipient.ID)
	}
	return result, nil
}

type PayoutRequest struct {
	SenderID      string
	AccountNumber string
	BankCode      string
	Amount        int64
	Narration     string
	PIN           string
	DeviceID      string
	IP            string
}

type PayoutResult struct {
	TransactionID string
	Reference     string
	Fee           int64
	AccountName   string
}

// InitiatePayout debits the sender and records a PENDING entry; the
// provider's webhook settles it. The gateway is called before any state
// change so an unreachable rail fails closed with no money moved.
func (s *TransferService) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	if req.Amount <= 0 {
		return PayoutResult{}, ErrInvalidAmount
	}
	sender, err := s.accounts.GetByID(ctx, req.SenderID)
	if err != nil {
		return PayoutResult{}, err
	}
	if sender.Frozen(s.now()) {
		return PayoutResult{}, ErrAccountFrozen
	}
	if req.PIN != "" {
		if sender.PINHash == nil {
			return PayoutResult{}, auth.ErrInvalidCredential
		}
		if err := auth.CheckPIN(*sender.PINHash, req.PIN); err != nil {
			return PayoutResult{}, err
		}
	}
	if err := s.limits.CheckDebit(ctx, sender, req.Amount); err != nil {
		return PayoutResult{}, err
	}

	fee := money.Fee(req.Amount, s.cfg.FeeBasisPoints, s.cfg.FeeMinimum)
	total := req.Amount + fee

	balance, err := s.balances.Get(ctx, sender.ID, s.cfg.Currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PayoutResult{}, ErrInsufficientAvailableFunds
		}
		return PayoutResult{}, err
	}
	if total > balance.Amount {
		return PayoutResult{}, ErrInsufficientAvailableFunds
	}

	assessment, err := s.scorer.Assess(ctx, risk.Input{
		Account:  sender,
		Amount:   req.Amount,
		Currency: s.cfg.Currency,
		DeviceID: req.DeviceID,
		IP:       req.IP,
		At:       s.now(),
	})
	if err != nil {
		return PayoutResult{}, err
	}
	if assessment.Action == risk.ActionBlock {
		if err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.scorer.ApplyAccountAction(ctx, tx, sender.ID, assessment)
		}); err != nil {
			s.logger.Error("applying risk block failed", zap.Error(err))
		}
		return PayoutResult{}, ErrTransactionBlocked
	}

	accountName, err := s.gateway.VerifyAccount(ctx, req.AccountNumber, req.BankCode)
	if err != nil {
		return PayoutResult{}, err
	}
	reference := uuid.NewString()
	gatewayRef, err := s.gateway.InitiateTransfer(ctx, reference, req.AccountNumber, req.BankCode, req.Amount, s.cfg.Currency, req.Narration)
	if err != nil {
		return PayoutResult{}, err
	}

	var result PayoutResult
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		before, after, err := s.balances.Mutate(ctx, tx, sender.ID, s.cfg.Currency, -total)
		if err != nil {
			return err
		}
		metadata, _ := json.Marshal(map[string]any{
			"account_number": req.AccountNumber,
			"bank_code":      req.BankCode,
			"account_name":   accountName,
			"narration":      req.Narration,
			"risk_score":     assessment.Score,
		})
		entryID := uuid.NewString()
		entry, created, err := s.ledger.Create(ctx, tx, store.LedgerEntryInput{
			ID:                entryID,
			SenderAccountID:   &sender.ID,
			Kind:              store.KindExternalPayout,
			Status:            store.StatusPending,
			Amount:            req.Amount,
			Fee:               fee,
			Currency:          s.cfg.Currency,
			IdempotencyKey:    reference,
			ExternalReference: &gatewayRef,
			BeforeBalance:     before,
			AfterBalance:      after,
			Flagged:           assessment.Action != risk.ActionAllow,
			Metadata:          string(metadata),
		})
		if err != nil {
			return err
		}
		if !created {
			return errIdempotentReplay{entry: entry}
		}
		auditMeta, _ := json.Marshal(map[string]any{
			"transaction_id": entry.ID,
			"amount":         req.Amount,
			"fee":            fee,
			"reference":      gatewayRef,
		})
		if err := s.audit.Log(ctx, tx, "initiate_payout", store.ActorUser, &sender.ID, sender.ID, string(auditMeta)); err != nil {
			return err
		}
		result = PayoutResult{TransactionID: entry.ID, Reference: gatewayRef, Fee: fee, AccountName: accountName}
		return nil
	})
	if err != nil {
		var replay errIdempotentReplay
		if errors.As(err, &replay) {
			ref := ""
			if replay.entry.ExternalReference != nil {
				ref = *replay.entry.ExternalReference
			}
			return PayoutResult{TransactionID: replay.entry.ID, Reference: ref, Fee: replay.entry.Fee, AccountName: accountName}, nil
		}
		return PayoutResult{}, err
	}
	s.broadcast(ctx, sender.ID)
	return result, nil
}

type BalanceView struct {
	Currency  string
	Balance   int64
	Held      int64
	Available int64
}

// GetBalance reports the balance together with the totals still sitting on
// held outgoing transfers. Held funds have already left the balance; they are
// reported so clients can show money under review.
func (s *TransferService) GetBalance(ctx context.Context, accountID string) (BalanceView, error) {
	balance, err := s.balances.Get(ctx, accountID, s.cfg.Currency)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return BalanceView{}, err
	}
	held, err := s.ledger.HeldOutgoingTotal(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		Currency:  s.cfg.Currency,
		Balance:   balance.Amount,
		Held:      held,
		Available: balance.Amount,
	}, nil
}

func (s *TransferService) GetTransactionHistory(ctx context.Context, accountID string, filter store.HistoryFilter) ([]store.LedgerEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	return s.ledger.ListByAccount(ctx, accountID, filter)
}

func (s *TransferService) broadcast(ctx context.Context, accountID string) {
	balance, err := s.balances.Get(ctx, accountID, s.cfg.Currency)
	if err != nil {
		return
	}
	s.hub.BroadcastBalance(accountID, websocket.BalanceUpdate{
		AccountID: accountID,
		Balance:   money.FormatMinor(balance.Amount),
		Currency:  s.cfg.Currency,
	})
}
