package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"wallet/internal/db"
	"wallet/internal/limits"
	"wallet/internal/money"
	"wallet/internal/rates"
	"wallet/internal/risk"
	"wallet/internal/store"
	"wallet/internal/websocket"
)

var (
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrUnknownNetwork   = errors.New("unknown crypto network")
	ErrPayoutNotFound   = errors.New("payout not found for reference")
)

// Outcomes a webhook delivery can report back to the provider.
type WebhookOutcome string

const (
	OutcomeProcessed        WebhookOutcome = "processed"
	OutcomeAlreadyProcessed WebhookOutcome = "already_processed"
	OutcomeConfirming       WebhookOutcome = "confirming"
	OutcomeFlagged          WebhookOutcome = "flagged"
)

// Providers.
const (
	ProviderFiat   = "fiat"
	ProviderCrypto = "crypto"
)

// Minimum confirmations before a crypto deposit is credited.
var minConfirmations = map[string]int{
	"bitcoin":  3,
	"ethereum": 12,
	"tron":     19,
}

type WebhookLedgerStore interface {
	Create(ctx context.Context, tx store.Tx, input store.LedgerEntryInput) (store.LedgerEntry, bool, error)
	GetByReference(ctx context.Context, tx store.Getter, reference string) (store.LedgerEntry, error)
	UpdateStatus(ctx context.Context, tx store.Tx, id, from, to string) error
}

type WebhookStore interface {
	Record(ctx context.Context, tx store.Execer, id, provider, providerTxID, eventType, payload string) (bool, error)
	Seen(ctx context.Context, provider, providerTxID string) (bool, error)
}

type CryptoStore interface {
	UpsertDeposit(ctx context.Context, tx store.Tx, d store.CryptoDeposit) (store.CryptoDeposit, bool, error)
	UpdateConfirmations(ctx context.Context, tx store.Execer, id string, confirmations int) error
	MarkFlagged(ctx context.Context, tx store.Execer, id string, score int, reason string, heldUntil *time.Time) error
	MarkConfirmed(ctx context.Context, tx store.Execer, id, rate string, amountLocal int64, score int) (bool, error)
}

// WebhookService reconciles asynchronous provider notifications against the
// ledger exactly once. Signature first, idempotency fence second, effects
// last, all inside one serializable transaction.
type WebhookService struct {
	txRunner   db.TxRunner
	accounts   AccountStore
	balances   BalanceStore
	ledger     WebhookLedgerStore
	webhooks   WebhookStore
	crypto     CryptoStore
	audit      AuditStore
	limits     LimitsEvaluator
	scorer     RiskScorer
	rateSource rates.Source
	hub        BalanceHub
	currency   string
	secrets    map[string]string
	logger     *zap.Logger
	now        func() time.Time
}

func NewWebhookService(txRunner db.TxRunner, accounts AccountStore, balances BalanceStore, ledger WebhookLedgerStore, webhooks WebhookStore, crypto CryptoStore, audit AuditStore, limitsEval LimitsEvaluator, scorer RiskScorer, rateSource rates.Source, hub BalanceHub, currency string, secrets map[string]string, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		txRunner:   txRunner,
		accounts:   accounts,
		balances:   balances,
		ledger:     ledger,
		webhooks:   webhooks,
		crypto:     crypto,
		audit:      audit,
		limits:     limitsEval,
		scorer:     scorer,
		rateSource: rateSource,
		hub:        hub,
		currency:   currency,
		secrets:    secrets,
		logger:     logger,
		now:        time.Now,
	}
}

// VerifySignature checks the provider's HMAC-SHA512 over the raw payload.
// Nothing else runs until this passes.
func (s *WebhookService) VerifySignature(provider string, payload []byte, signature, sourceIP string) error {
	secret, ok := s.secrets[provider]
	if !ok || secret == "" {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		s.logger.Error("webhook signature rejected",
			zap.String("provider", provider),
			zap.String("source_ip", sourceIP),
		)
		return ErrSignatureInvalid
	}
	return nil
}

type FiatDepositEvent struct {
	ProviderTxID string `json:"provider_tx_id"`
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Reference    string `json:"reference"`
}

// HandleFiatDeposit credits a bank/virtual-account deposit exactly once.
func (s *WebhookService) HandleFiatDeposit(ctx context.Context, raw []byte) (WebhookOutcome, error) {
	var event FiatDepositEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return "", err
	}
	amount, err := money.ParseMinor(event.Amount)
	if err != nil || amount <= 0 {
		return "", money.ErrInvalidAmount
	}
	// Cheap read-only duplicate check before opening the serializable
	// transaction. The in-tx Record insert stays the authoritative fence.
	if seen, err := s.webhooks.Seen(ctx, ProviderFiat, event.ProviderTxID); err == nil && seen {
		return OutcomeAlreadyProcessed, nil
	}
	account, err := s.accounts.GetByID(ctx, event.AccountID)
	if err != nil {
		return "", err
	}

	outcome := OutcomeProcessed
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		duplicate, err := s.webhooks.Record(ctx, tx, uuid.NewString(), ProviderFiat, event.ProviderTxID, "deposit.received", string(raw))
		if err != nil {
			return err
		}
		if duplicate {
			outcome = OutcomeAlreadyProcessed
			return nil
		}
		metadata, _ := json.Marshal(map[string]string{"reference": event.Reference})
		if err := s.limits.CheckCredit(ctx, account, s.currency, amount); err != nil {
			var capErr *limits.BalanceCapExceededError
			if !errors.As(err, &capErr) {
				return err
			}
			// A deposit past the resting cap parks as a HELD entry instead of
			// failing the delivery; the hold release path credits it later.
			// The processed-webhook record commits, so the provider stops
			// retrying.
			heldUntil := s.now().Add(16 * 24 * time.Hour).UTC()
			reason := "tier balance cap exceeded"
			if _, _, err := s.ledger.Create(ctx, tx, store.LedgerEntryInput{
				ID:                uuid.NewString(),
				ReceiverAccountID: &account.ID,
				Kind:              store.KindFiatDeposit,
				Status:            store.StatusHeld,
				Amount:            amount,
				Currency:          s.currency,
				IdempotencyKey:    ProviderFiat + ":" + event.ProviderTxID,
				ExternalReference: &event.ProviderTxID,
				Flagged:           true,
				FlagReason:        &reason,
				HeldUntil:         &heldUntil,
				Metadata:          string(metadata),
			}); err != nil {
				return err
			}
			meta, _ := json.Marshal(map[string]any{"provider_tx_id": event.ProviderTxID, "amount": amount, "reason": reason})
			if err := s.audit.Log(ctx, tx, "fiat_deposit_flagged", store.ActorProvider, nil, account.ID, string(meta)); err != nil {
				return err
			}
			outcome = OutcomeFlagged
			return nil
		}
		if err := s.balances.EnsureRow(ctx, tx, account.ID, s.currency); err != nil {
			return err
		}
		before, after, err := s.balances.Mutate(ctx, tx, account.ID, s.currency, amount)
		if err != nil {
			return err
		}
		if _, _, err := s.ledger.Create(ctx, tx, store.LedgerEntryInput{
			ID:                uuid.NewString(),
			ReceiverAccountID: &account.ID,
			Kind:              store.KindFiatDeposit,
			Status:            store.StatusSuccess,
			Amount:            amount,
			Currency:          s.currency,
			IdempotencyKey:    ProviderFiat + ":" + event.ProviderTxID,
			ExternalReference: &event.ProviderTxID,
			BeforeBalance:     before,
			AfterBalance:      after,
			Metadata:          string(metadata),
		}); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]any{"provider_tx_id": event.ProviderTxID, "amount": amount})
		return s.audit.Log(ctx, tx, "fiat_deposit_credited", store.ActorProvider, nil, account.ID, string(meta))
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeProcessed {
		s.broadcast(ctx, account.ID)
	}
	return outcome, nil
}

type CryptoDepositEvent struct {
	ProviderTxID  string `json:"provider_tx_id"`
	AccountID     string `json:"account_id"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
	Amount        string `json:"amount"`
	Confirmations int    `json:"confirmations"`
}

// HandleCryptoDeposit tracks confirmations for an on-chain deposit and, once
// the network minimum is met, risk-gates and credits it in local currency.
// Duplicate deliveries of the crediting notification cannot credit twice: the
// processed-webhook insert and the deposit status guard both sit inside the
// serializable transaction.
func (s *WebhookService) HandleCryptoDeposit(ctx context.Context, raw []byte) (WebhookOutcome, error) {
	var event CryptoDepositEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return "", err
	}
	required, ok := minConfirmations[event.Network]
	if !ok {
		return "", ErrUnknownNetwork
	}
	cryptoAmount, err := decimal.NewFromString(event.Amount)
	if err != nil || cryptoAmount.LessThanOrEqual(decimal.Zero) {
		return "", money.ErrInvalidAmount
	}
	account, err := s.accounts.GetByID(ctx, event.AccountID)
	if err != nil {
		return "", err
	}

	// The webhook id includes the confirmation count so each progress
	// notification is its own event while the credit remains anchored on the
	// provider transaction id.
	eventID := event.ProviderTxID + ":" + strconv.Itoa(event.Confirmations)
	if seen, err := s.webhooks.Seen(ctx, ProviderCrypto, eventID); err == nil && seen {
		return OutcomeAlreadyProcessed, nil
	}

	outcome := OutcomeProcessed
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		duplicate, err := s.webhooks.Record(ctx, tx, uuid.NewString(), ProviderCrypto, eventID, "deposit.confirmation", string(raw))
		if err != nil {
			return err
		}
		if duplicate {
			outcome = OutcomeAlreadyProcessed
			return nil
		}

		deposit, _, err := s.crypto.UpsertDeposit(ctx, tx, store.CryptoDeposit{
			ID:               uuid.NewString(),
			AccountID:        account.ID,
			Asset:            event.Asset,
			Network:          event.Network,
			ProviderTxID:     event.ProviderTxID,
			AmountCrypto:     cryptoAmount.String(),
			Confirmations:    event.Confirmations,
			MinConfirmations: required,
			Status:           store.DepositPending,
		})
		if err != nil {
			return err
		}
		switch deposit.Status {
		case store.DepositConfirmed, store.DepositFlagged:
			// A prior delivery already settled this deposit.
			outcome = OutcomeAlreadyProcessed
			return nil
		}

		if event.Confirmations < required {
			if err := s.crypto.UpdateConfirmations(ctx, tx, deposit.ID, event.Confirmations); err != nil {
				return err
			}
			outcome = OutcomeConfirming
			return nil
		}

		// Rate is local major units per one asset unit; ledger amounts are
		// minor units. Converted before the risk assessment so the
		// amount-based signals see what would actually be credited.
		rate, err := s.rateSource.GetRate(ctx, event.Asset+"-"+s.currency)
		if err != nil {
			return err
		}
		amountLocal := cryptoAmount.Mul(rate).Mul(decimal.NewFromInt(100)).RoundBank(0).IntPart()
		if amountLocal <= 0 {
			return money.ErrInvalidAmount
		}

		assessment, err := s.scorer.Assess(ctx, risk.Input{
			Account:  account,
			Amount:   amountLocal,
			Currency: s.currency,
			At:       s.now(),
		})
		if err != nil {
			return err
		}
		switch assessment.Action {
		case risk.ActionBlock:
			if err := s.crypto.MarkFlagged(ctx, tx, deposit.ID, assessment.Score, "risk blocked", nil); err != nil {
				return err
			}
			if err := s.scorer.ApplyAccountAction(ctx, tx, account.ID, assessment); err != nil {
				return err
			}
			outcome = OutcomeFlagged
			return nil
		case risk.ActionHold:
			heldUntil := s.now().Add(16 * 24 * time.Hour).UTC()
			if err := s.crypto.MarkFlagged(ctx, tx, deposit.ID, assessment.Score, "risk hold", &heldUntil); err != nil {
				return err
			}
			outcome = OutcomeFlagged
			return nil
		}
		if err := s.limits.CheckCredit(ctx, account, s.currency, amountLocal); err != nil {
			var capErr *limits.BalanceCapExceededError
			if errors.As(err, &capErr) {
				if markErr := s.crypto.MarkFlagged(ctx, tx, deposit.ID, assessment.Score, "tier balance cap exceeded", nil); markErr != nil {
					return markErr
				}
				outcome = OutcomeFlagged
				return nil
			}
			return err
		}

		confirmed, err := s.crypto.MarkConfirmed(ctx, tx, deposit.ID, rate.String(), amountLocal, assessment.Score)
		if err != nil {
			return err
		}
		if !confirmed {
			outcome = OutcomeAlreadyProcessed
			return nil
		}
		if err := s.balances.EnsureRow(ctx, tx, account.ID, s.currency); err != nil {
			return err
		}
		before, after, err := s.balances.Mutate(ctx, tx, account.ID, s.currency, amountLocal)
		if err != nil {
			return err
		}
		metadata, _ := json.Marshal(map[string]any{
			"asset":         event.Asset,
			"network":       event.Network,
			"amount_crypto": cryptoAmount.String(),
			"rate":          rate.String(),
		})
		if _, _, err := s.ledger.Create(ctx, tx, store.LedgerEntryInput{
			ID:                uuid.NewString(),
			ReceiverAccountID: &account.ID,
			Kind:              store.KindCryptoDeposit,
			Status:            store.StatusSuccess,
			Amount:            amountLocal,
			Currency:          s.currency,
			IdempotencyKey:    ProviderCrypto + ":" + event.ProviderTxID,
			ExternalReference: &event.ProviderTxID,
			BeforeBalance:     before,
			AfterBalance:      after,
			Metadata:          string(metadata),
		}); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]any{
			"provider_tx_id": event.ProviderTxID,
			"amount_local":   amountLocal,
			"confirmations":  event.Confirmations,
		})
		return s.audit.Log(ctx, tx, "crypto_deposit_credited", store.ActorProvider, nil, account.ID, string(meta))
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeProcessed {
		s.broadcast(ctx, account.ID)
	}
	return outcome, nil
}

type PayoutEvent struct {
	ProviderTxID string `json:"provider_tx_id"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}

// HandlePayoutSuccess marks the originating ledger entry SUCCESS.
func (s *WebhookService) HandlePayoutSuccess(ctx context.Context, raw []byte) (WebhookOutcome, error) {
	return s.settlePayout(ctx, raw, "payout.success", func(ctx context.Context, tx *sqlx.Tx, entry store.LedgerEntry) error {
		return s.ledger.UpdateStatus(ctx, tx, entry.ID, store.StatusPending, store.StatusSuccess)
	})
}

// HandlePayoutFailed refunds the sender the originally debited total and
// marks the entry FAILED, atomically.
func (s *WebhookService) HandlePayoutFailed(ctx context.Context, raw []byte) (WebhookOutcome, error) {
	return s.settlePayout(ctx, raw, "payout.failed", func(ctx context.Context, tx *sqlx.Tx, entry store.LedgerEntry) error {
		if err := s.ledger.UpdateStatus(ctx, tx, entry.ID, store.StatusPending, store.StatusFailed); err != nil {
			return err
		}
		return s.refund(ctx, tx, entry)
	})
}

// HandlePayoutReversed refunds and marks REVERSED, allowed only from SUCCESS.
func (s *WebhookService) HandlePayoutReversed(ctx context.Context, raw []byte) (WebhookOutcome, error) {
	return s.settlePayout(ctx, raw, "payout.reversed", func(ctx context.Context, tx *sqlx.Tx, entry store.LedgerEntry) error {
		if err := s.ledger.UpdateStatus(ctx, tx, entry.ID, store.StatusSuccess, store.StatusReversed); err != nil {
			return err
		}
		return s.refund(ctx, tx, entry)
	})
}

func (s *WebhookService) settlePayout(ctx context.Context, raw []byte, eventType string, apply func(context.Context, *sqlx.Tx, store.LedgerEntry) error) (WebhookOutcome, error) {
	var event PayoutEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return "", err
	}
	if seen, err := s.webhooks.Seen(ctx, ProviderFiat, event.ProviderTxID); err == nil && seen {
		return OutcomeAlreadyProcessed, nil
	}
	outcome := OutcomeProcessed
	var senderID string
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		duplicate, err := s.webhooks.Record(ctx, tx, uuid.NewString(), ProviderFiat, event.ProviderTxID, eventType, string(raw))
		if err != nil {
			return err
		}
		if duplicate {
			outcome = OutcomeAlreadyProcessed
			return nil
		}
		entry, err := s.ledger.GetByReference(ctx, tx, event.Reference)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPayoutNotFound
			}
			return err
		}
		if err := apply(ctx, tx, entry); err != nil {
			if errors.Is(err, store.ErrInvalidStateTransition) {
				s.logger.Error("payout settlement rejected",
					zap.String("transaction_id", entry.ID),
					zap.String("event_type", eventType),
					zap.String("status", entry.Status),
				)
			}
			return err
		}
		if entry.SenderAccountID != nil {
			senderID = *entry.SenderAccountID
		}
		meta, _ := json.Marshal(map[string]any{
			"transaction_id": entry.ID,
			"reference":      event.Reference,
			"reason":         event.Reason,
		})
		return s.audit.Log(ctx, tx, eventType, store.ActorProvider, nil, senderID, string(meta))
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeProcessed && senderID != "" {
		s.broadcast(ctx, senderID)
	}
	return outcome, nil
}

func (s *WebhookService) refund(ctx context.Context, tx *sqlx.Tx, entry store.LedgerEntry) error {
	if entry.SenderAccountID == nil {
		return nil
	}
	_, _, err := s.balances.Mutate(ctx, tx, *entry.SenderAccountID, entry.Currency, entry.Amount+entry.Fee)
	return err
}

func (s *WebhookService) broadcast(ctx context.Context, accountID string) {
	balance, err := s.balances.Get(ctx, accountID, s.currency)
	if err != nil {
		return
	}
	s.hub.BroadcastBalance(accountID, websocket.BalanceUpdate{
		AccountID: accountID,
		Balance:   money.FormatMinor(balance.Amount),
		Currency:  s.currency,
	})
}
