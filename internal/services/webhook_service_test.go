package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"wallet/internal/limits"
	"wallet/internal/risk"
	"wallet/internal/store"
)

type stubWebhookLedger struct {
	created     []store.LedgerEntryInput
	entry       store.LedgerEntry
	getErr      error
	transitions []string
}

func (s *stubWebhookLedger) Create(_ context.Context, _ store.Tx, input store.LedgerEntryInput) (store.LedgerEntry, bool, error) {
	s.created = append(s.created, input)
	return store.LedgerEntry{ID: input.ID, Status: input.Status}, true, nil
}

func (s *stubWebhookLedger) GetByReference(context.Context, store.Getter, string) (store.LedgerEntry, error) {
	return s.entry, s.getErr
}

func (s *stubWebhookLedger) UpdateStatus(_ context.Context, _ store.Tx, _, from, to string) error {
	if s.entry.Status != from {
		return store.ErrInvalidStateTransition
	}
	s.entry.Status = to
	s.transitions = append(s.transitions, from+"->"+to)
	return nil
}

type stubWebhookStore struct {
	duplicate  bool
	seen       bool
	seenChecks []string
	events     []string
}

func (s *stubWebhookStore) Record(_ context.Context, _ store.Execer, _, _, providerTxID, eventType, _ string) (bool, error) {
	if s.duplicate {
		return true, nil
	}
	s.events = append(s.events, eventType+":"+providerTxID)
	return false, nil
}

func (s *stubWebhookStore) Seen(_ context.Context, provider, providerTxID string) (bool, error) {
	s.seenChecks = append(s.seenChecks, provider+":"+providerTxID)
	return s.seen, nil
}

type flaggedCall struct {
	score     int
	reason    string
	heldUntil *time.Time
}

type stubCryptoStore struct {
	existing      *store.CryptoDeposit
	confUpdates   []int
	flagged       []flaggedCall
	confirmed     int
	confirmResult *bool
}

func (s *stubCryptoStore) UpsertDeposit(_ context.Context, _ store.Tx, d store.CryptoDeposit) (store.CryptoDeposit, bool, error) {
	if s.existing != nil {
		return *s.existing, false, nil
	}
	return d, true, nil
}

func (s *stubCryptoStore) UpdateConfirmations(_ context.Context, _ store.Execer, _ string, confirmations int) error {
	s.confUpdates = append(s.confUpdates, confirmations)
	return nil
}

func (s *stubCryptoStore) MarkFlagged(_ context.Context, _ store.Execer, _ string, score int, reason string, heldUntil *time.Time) error {
	s.flagged = append(s.flagged, flaggedCall{score: score, reason: reason, heldUntil: heldUntil})
	return nil
}

func (s *stubCryptoStore) MarkConfirmed(_ context.Context, _ store.Execer, _, _ string, _ int64, _ int) (bool, error) {
	s.confirmed++
	if s.confirmResult != nil {
		return *s.confirmResult, nil
	}
	return true, nil
}

type stubRateSource struct {
	rate decimal.Decimal
	err  error
}

func (s stubRateSource) GetRate(context.Context, string) (decimal.Decimal, error) {
	return s.rate, s.err
}

type webhookFixture struct {
	accounts stubAccountStore
	balances *stubBalanceStore
	ledger   *stubWebhookLedger
	webhooks *stubWebhookStore
	crypto   *stubCryptoStore
	audit    *stubAuditStore
	limits   stubLimits
	scorer   *stubScorer
	rates    stubRateSource
	hub      *stubHub
}

func newWebhookFixture() *webhookFixture {
	return &webhookFixture{
		accounts: stubAccountStore{
			byID: map[string]store.Account{
				"acc-1": {ID: "acc-1", Tier: 2},
			},
		},
		balances: &stubBalanceStore{balances: map[string]int64{"acc-1": 1_000_000}},
		ledger:   &stubWebhookLedger{},
		webhooks: &stubWebhookStore{},
		crypto:   &stubCryptoStore{},
		audit:    &stubAuditStore{},
		scorer:   &stubScorer{assessment: risk.Assessment{Score: 5, Action: risk.ActionAllow}},
		rates:    stubRateSource{rate: decimal.NewFromInt(50_000_000)},
		hub:      &stubHub{},
	}
}

func (f *webhookFixture) service() *WebhookService {
	secrets := map[string]string{
		ProviderFiat:   "fiat-secret",
		ProviderCrypto: "crypto-secret",
	}
	return NewWebhookService(fakeTxRunner{}, f.accounts, f.balances, f.ledger, f.webhooks, f.crypto, f.audit, f.limits, f.scorer, f.rates, f.hub, "NGN", secrets, zap.NewNop())
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	f := newWebhookFixture()
	svc := f.service()
	payload := []byte(`{"provider_tx_id":"ptx-1"}`)

	if err := svc.VerifySignature(ProviderFiat, payload, signPayload("fiat-secret", payload), "1.2.3.4"); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := svc.VerifySignature(ProviderFiat, payload, signPayload("wrong-secret", payload), "1.2.3.4"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if err := svc.VerifySignature("unknown", payload, signPayload("fiat-secret", payload), "1.2.3.4"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("unknown providers must be rejected, got %v", err)
	}
}

func TestHandleFiatDepositCredits(t *testing.T) {
	f := newWebhookFixture()
	outcome, err := f.service().HandleFiatDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-1","account_id":"acc-1","amount":"2500.00","currency":"NGN","reference":"dep-ref"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if f.balances.balances["acc-1"] != 1_000_000+250_000 {
		t.Fatalf("unexpected balance: %d", f.balances.balances["acc-1"])
	}
	entry := f.ledger.created[0]
	if entry.Kind != store.KindFiatDeposit || entry.Status != store.StatusSuccess {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry.IdempotencyKey != "fiat:ptx-1" {
		t.Fatalf("unexpected idempotency key: %s", entry.IdempotencyKey)
	}
	if len(f.audit.actions) != 1 || f.audit.actions[0] != "fiat_deposit_credited" {
		t.Fatalf("unexpected audit actions: %#v", f.audit.actions)
	}
	if len(f.hub.updates) != 1 {
		t.Fatalf("expected one balance broadcast, got %d", len(f.hub.updates))
	}
}

func TestHandleFiatDepositDuplicateDelivery(t *testing.T) {
	f := newWebhookFixture()
	f.webhooks.duplicate = true
	outcome, err := f.service().HandleFiatDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-1","account_id":"acc-1","amount":"2500.00"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAlreadyProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("duplicate delivery must not credit, got %d", f.balances.balances["acc-1"])
	}
	if len(f.ledger.created) != 0 {
		t.Fatalf("duplicate delivery must not write the ledger: %#v", f.ledger.created)
	}
}

func TestHandleFiatDepositSeenSkipsTransaction(t *testing.T) {
	f := newWebhookFixture()
	f.webhooks.seen = true
	outcome, err := f.service().HandleFiatDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-1","account_id":"acc-1","amount":"2500.00"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAlreadyProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if len(f.webhooks.seenChecks) != 1 || f.webhooks.seenChecks[0] != "fiat:ptx-1" {
		t.Fatalf("unexpected pre-checks: %#v", f.webhooks.seenChecks)
	}
	// The redelivery never opens a transaction.
	if len(f.webhooks.events) != 0 {
		t.Fatalf("seen event must not record again: %#v", f.webhooks.events)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("seen event must not credit, got %d", f.balances.balances["acc-1"])
	}
}

func TestHandleFiatDepositBalanceCapParksHeld(t *testing.T) {
	f := newWebhookFixture()
	f.limits = stubLimits{creditErr: &limits.BalanceCapExceededError{Tier: 1}}
	outcome, err := f.service().HandleFiatDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-1","account_id":"acc-1","amount":"2500.00","reference":"dep-ref"}`))
	if err != nil {
		t.Fatalf("a capped deposit must not fail the delivery: %v", err)
	}
	if outcome != OutcomeFlagged {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("capped deposit must not credit, got %d", f.balances.balances["acc-1"])
	}
	if len(f.ledger.created) != 1 {
		t.Fatalf("expected one parked entry, got %d", len(f.ledger.created))
	}
	entry := f.ledger.created[0]
	if entry.Status != store.StatusHeld || !entry.Flagged || entry.HeldUntil == nil {
		t.Fatalf("capped deposit must park as a held entry: %#v", entry)
	}
	if entry.FlagReason == nil || *entry.FlagReason != "tier balance cap exceeded" {
		t.Fatalf("unexpected flag reason: %#v", entry.FlagReason)
	}
	if entry.IdempotencyKey != "fiat:ptx-1" {
		t.Fatalf("unexpected idempotency key: %s", entry.IdempotencyKey)
	}
	if entry.ReceiverAccountID == nil || *entry.ReceiverAccountID != "acc-1" {
		t.Fatalf("held entry must carry the receiver: %#v", entry.ReceiverAccountID)
	}
	// The webhook record commits with the hold, so the provider stops retrying.
	if len(f.webhooks.events) != 1 {
		t.Fatalf("capped delivery must still be recorded: %#v", f.webhooks.events)
	}
	if len(f.audit.actions) != 1 || f.audit.actions[0] != "fiat_deposit_flagged" {
		t.Fatalf("unexpected audit actions: %#v", f.audit.actions)
	}
}

func TestHandleFiatDepositRejectsBadAmount(t *testing.T) {
	f := newWebhookFixture()
	_, err := f.service().HandleFiatDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-1","account_id":"acc-1","amount":"-5"}`))
	if err == nil {
		t.Fatalf("expected error for non-positive amount")
	}
}

func TestHandleCryptoDepositUnknownNetwork(t *testing.T) {
	f := newWebhookFixture()
	_, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"DOGE","network":"dogecoin","amount":"1","confirmations":1}`))
	if !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
}

func TestHandleCryptoDepositBelowMinConfirmations(t *testing.T) {
	f := newWebhookFixture()
	outcome, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"BTC","network":"bitcoin","amount":"0.5","confirmations":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeConfirming {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if len(f.crypto.confUpdates) != 1 || f.crypto.confUpdates[0] != 1 {
		t.Fatalf("unexpected confirmation updates: %#v", f.crypto.confUpdates)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("confirming deposits must not credit, got %d", f.balances.balances["acc-1"])
	}
}

func TestHandleCryptoDepositCreditsAtMinimum(t *testing.T) {
	f := newWebhookFixture()
	outcome, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"BTC","network":"bitcoin","amount":"0.5","confirmations":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	// 0.5 BTC at 50,000,000 NGN/BTC is 25,000,000 NGN, 2,500,000,000 minor.
	wantLocal := int64(2_500_000_000)
	if f.balances.balances["acc-1"] != 1_000_000+wantLocal {
		t.Fatalf("unexpected balance: %d", f.balances.balances["acc-1"])
	}
	if f.crypto.confirmed != 1 {
		t.Fatalf("expected one MarkConfirmed call, got %d", f.crypto.confirmed)
	}
	entry := f.ledger.created[0]
	if entry.Kind != store.KindCryptoDeposit || entry.Amount != wantLocal {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry.IdempotencyKey != "crypto:ptx-9" {
		t.Fatalf("unexpected idempotency key: %s", entry.IdempotencyKey)
	}
}

func TestHandleCryptoDepositAssessesConvertedAmount(t *testing.T) {
	f := newWebhookFixture()
	_, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"BTC","network":"bitcoin","amount":"0.5","confirmations":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.scorer.inputs) != 1 {
		t.Fatalf("expected one assessment, got %d", len(f.scorer.inputs))
	}
	in := f.scorer.inputs[0]
	// The scorer must see the local minor-unit value of the deposit, not the
	// raw crypto figure: 0.5 BTC at 50,000,000 NGN/BTC is 2,500,000,000 minor.
	if in.Amount != 2_500_000_000 {
		t.Fatalf("unexpected assessed amount: %d", in.Amount)
	}
	if in.Currency != "NGN" || in.Account.ID != "acc-1" {
		t.Fatalf("unexpected assessment input: %#v", in)
	}
}

func TestHandleCryptoDepositAlreadySettled(t *testing.T) {
	f := newWebhookFixture()
	f.crypto.existing = &store.CryptoDeposit{ID: "dep-1", Status: store.DepositConfirmed}
	outcome, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"BTC","network":"bitcoin","amount":"0.5","confirmations":4}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAlreadyProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("settled deposits must not credit again, got %d", f.balances.balances["acc-1"])
	}
}

func TestHandleCryptoDepositRiskHoldFlags(t *testing.T) {
	f := newWebhookFixture()
	f.scorer.assessment = risk.Assessment{Score: 65, Action: risk.ActionHold}
	outcome, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"BTC","network":"bitcoin","amount":"0.5","confirmations":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeFlagged {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if len(f.crypto.flagged) != 1 {
		t.Fatalf("expected one MarkFlagged call, got %d", len(f.crypto.flagged))
	}
	call := f.crypto.flagged[0]
	if call.reason != "risk hold" || call.heldUntil == nil {
		t.Fatalf("risk hold must set an expiry: %#v", call)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("flagged deposits must not credit, got %d", f.balances.balances["acc-1"])
	}
}

func TestHandleCryptoDepositBalanceCapFlags(t *testing.T) {
	f := newWebhookFixture()
	f.limits = stubLimits{creditErr: &limits.BalanceCapExceededError{Tier: 1}}
	outcome, err := f.service().HandleCryptoDeposit(context.Background(), []byte(`{"provider_tx_id":"ptx-9","account_id":"acc-1","asset":"BTC","network":"bitcoin","amount":"0.5","confirmations":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeFlagged {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if len(f.crypto.flagged) != 1 || f.crypto.flagged[0].reason != "tier balance cap exceeded" {
		t.Fatalf("unexpected flag calls: %#v", f.crypto.flagged)
	}
}

func pendingPayoutEntry() store.LedgerEntry {
	sender := "acc-1"
	return store.LedgerEntry{
		ID:              "tx-1",
		SenderAccountID: &sender,
		Kind:            store.KindExternalPayout,
		Status:          store.StatusPending,
		Amount:          100_000,
		Fee:             1000,
		Currency:        "NGN",
	}
}

func TestHandlePayoutSuccess(t *testing.T) {
	f := newWebhookFixture()
	f.ledger.entry = pendingPayoutEntry()
	outcome, err := f.service().HandlePayoutSuccess(context.Background(), []byte(`{"provider_tx_id":"ptx-2","reference":"ref-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if len(f.ledger.transitions) != 1 || f.ledger.transitions[0] != "PENDING->SUCCESS" {
		t.Fatalf("unexpected transitions: %#v", f.ledger.transitions)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("success must not refund, got %d", f.balances.balances["acc-1"])
	}
	if len(f.hub.updates) != 1 {
		t.Fatalf("expected sender broadcast, got %d", len(f.hub.updates))
	}
}

func TestHandlePayoutFailedRefunds(t *testing.T) {
	f := newWebhookFixture()
	f.ledger.entry = pendingPayoutEntry()
	outcome, err := f.service().HandlePayoutFailed(context.Background(), []byte(`{"provider_tx_id":"ptx-2","reference":"ref-1","reason":"beneficiary rejected"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	// Refund is the full amount + fee originally debited.
	if f.balances.balances["acc-1"] != 1_000_000+101_000 {
		t.Fatalf("unexpected balance after refund: %d", f.balances.balances["acc-1"])
	}
	if len(f.ledger.transitions) != 1 || f.ledger.transitions[0] != "PENDING->FAILED" {
		t.Fatalf("unexpected transitions: %#v", f.ledger.transitions)
	}
}

func TestHandlePayoutReversedRequiresSuccess(t *testing.T) {
	f := newWebhookFixture()
	f.ledger.entry = pendingPayoutEntry()
	_, err := f.service().HandlePayoutReversed(context.Background(), []byte(`{"provider_tx_id":"ptx-3","reference":"ref-1"}`))
	if !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("reversal of a pending payout must be rejected, got %v", err)
	}
	if f.balances.balances["acc-1"] != 1_000_000 {
		t.Fatalf("rejected reversal must not refund, got %d", f.balances.balances["acc-1"])
	}
}

func TestHandlePayoutReversedRefunds(t *testing.T) {
	f := newWebhookFixture()
	entry := pendingPayoutEntry()
	entry.Status = store.StatusSuccess
	f.ledger.entry = entry
	outcome, err := f.service().HandlePayoutReversed(context.Background(), []byte(`{"provider_tx_id":"ptx-3","reference":"ref-1","reason":"chargeback"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if f.balances.balances["acc-1"] != 1_000_000+101_000 {
		t.Fatalf("unexpected balance after reversal: %d", f.balances.balances["acc-1"])
	}
}

func TestHandlePayoutUnknownReference(t *testing.T) {
	f := newWebhookFixture()
	f.ledger.getErr = sql.ErrNoRows
	_, err := f.service().HandlePayoutSuccess(context.Background(), []byte(`{"provider_tx_id":"ptx-2","reference":"ghost"}`))
	if !errors.Is(err, ErrPayoutNotFound) {
		t.Fatalf("expected ErrPayoutNotFound, got %v", err)
	}
}

func TestHandlePayoutDuplicateDelivery(t *testing.T) {
	f := newWebhookFixture()
	f.webhooks.duplicate = true
	f.ledger.entry = pendingPayoutEntry()
	outcome, err := f.service().HandlePayoutSuccess(context.Background(), []byte(`{"provider_tx_id":"ptx-2","reference":"ref-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAlreadyProcessed {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if len(f.ledger.transitions) != 0 {
		t.Fatalf("duplicate delivery must not touch the ledger: %#v", f.ledger.transitions)
	}
}
