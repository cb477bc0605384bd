package handlers

import (
	"context"

	"wallet/internal/risk"
	"wallet/internal/services"
	"wallet/internal/store"
)

type TransferService interface {
	SendMoney(ctx context.Context, req services.SendMoneyRequest) (services.SendMoneyResult, error)
	InitiatePayout(ctx context.Context, req services.PayoutRequest) (services.PayoutResult, error)
	GetBalance(ctx context.Context, accountID string) (services.BalanceView, error)
	GetTransactionHistory(ctx context.Context, accountID string, filter store.HistoryFilter) ([]store.LedgerEntry, error)
}

type WebhookService interface {
	VerifySignature(provider string, payload []byte, signature, sourceIP string) error
	HandleFiatDeposit(ctx context.Context, raw []byte) (services.WebhookOutcome, error)
	HandleCryptoDeposit(ctx context.Context, raw []byte) (services.WebhookOutcome, error)
	HandlePayoutSuccess(ctx context.Context, raw []byte) (services.WebhookOutcome, error)
	HandlePayoutFailed(ctx context.Context, raw []byte) (services.WebhookOutcome, error)
	HandlePayoutReversed(ctx context.Context, raw []byte) (services.WebhookOutcome, error)
}

type HoldManager interface {
	Release(ctx context.Context, entryID string, approverID *string) error
	SweepDue(ctx context.Context) (int, error)
}

type RiskScorer interface {
	Assess(ctx context.Context, in risk.Input) (risk.Assessment, error)
}

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (store.Account, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, accountID string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, accountID string, createdBy *string) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, action, actorType string, actorID *string, accountID, metadata string) error
	List(ctx context.Context, limit, offset int) ([]map[string]any, error)
}

type CryptoStore interface {
	ActiveIntent(ctx context.Context, accountID, asset, network string) (store.DepositIntent, error)
}

// AddressAllocator asks the custody provider for a fresh deposit address.
type AddressAllocator interface {
	Allocate(ctx context.Context, accountID, asset, network string) (string, error)
}

type IntentCreator interface {
	CreateIntent(ctx context.Context, tx store.Tx, intent store.DepositIntent) (store.DepositIntent, error)
}
