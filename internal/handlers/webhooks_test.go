package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"wallet/internal/services"
)

type stubWebhookService struct {
	signatureErr error
	outcome      services.WebhookOutcome
	err          error
	handled      []string
}

func (s *stubWebhookService) VerifySignature(string, []byte, string, string) error {
	return s.signatureErr
}

func (s *stubWebhookService) HandleFiatDeposit(context.Context, []byte) (services.WebhookOutcome, error) {
	s.handled = append(s.handled, "fiat_deposit")
	return s.outcome, s.err
}

func (s *stubWebhookService) HandleCryptoDeposit(context.Context, []byte) (services.WebhookOutcome, error) {
	s.handled = append(s.handled, "crypto_deposit")
	return s.outcome, s.err
}

func (s *stubWebhookService) HandlePayoutSuccess(context.Context, []byte) (services.WebhookOutcome, error) {
	s.handled = append(s.handled, "payout_success")
	return s.outcome, s.err
}

func (s *stubWebhookService) HandlePayoutFailed(context.Context, []byte) (services.WebhookOutcome, error) {
	s.handled = append(s.handled, "payout_failed")
	return s.outcome, s.err
}

func (s *stubWebhookService) HandlePayoutReversed(context.Context, []byte) (services.WebhookOutcome, error) {
	s.handled = append(s.handled, "payout_reversed")
	return s.outcome, s.err
}

func webhookHandler(svc *stubWebhookService) *Handler {
	return &Handler{webhooks: svc, logger: zap.NewNop()}
}

func postWebhook(t *testing.T, h *Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("X-Signature", "sig")
	rec := httptest.NewRecorder()
	switch path {
	case "/webhooks/fiat":
		h.FiatWebhook(rec, req)
	case "/webhooks/crypto":
		h.CryptoWebhook(rec, req)
	default:
		t.Fatalf("unknown webhook path %s", path)
	}
	return rec
}

func TestFiatWebhookRejectsBadSignature(t *testing.T) {
	svc := &stubWebhookService{signatureErr: services.ErrSignatureInvalid}
	rec := postWebhook(t, webhookHandler(svc), "/webhooks/fiat", `{"event":"deposit.received"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(svc.handled) != 0 {
		t.Fatalf("unsigned payloads must not reach the service: %#v", svc.handled)
	}
}

func TestFiatWebhookDispatchesByEvent(t *testing.T) {
	cases := []struct {
		event string
		want  string
	}{
		{"deposit.received", "fiat_deposit"},
		{"payout.success", "payout_success"},
		{"payout.failed", "payout_failed"},
		{"payout.reversed", "payout_reversed"},
	}
	for _, c := range cases {
		svc := &stubWebhookService{outcome: services.OutcomeProcessed}
		rec := postWebhook(t, webhookHandler(svc), "/webhooks/fiat", `{"event":"`+c.event+`"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", c.event, rec.Code)
		}
		if len(svc.handled) != 1 || svc.handled[0] != c.want {
			t.Fatalf("%s: unexpected dispatch %#v", c.event, svc.handled)
		}
	}
}

func TestFiatWebhookUnknownEvent(t *testing.T) {
	svc := &stubWebhookService{}
	rec := postWebhook(t, webhookHandler(svc), "/webhooks/fiat", `{"event":"account.updated"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookDuplicateStillAnswers200(t *testing.T) {
	svc := &stubWebhookService{outcome: services.OutcomeAlreadyProcessed}
	rec := postWebhook(t, webhookHandler(svc), "/webhooks/fiat", `{"event":"deposit.received"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicates must answer 200 to stop retries, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["status"] != "already_processed" {
		t.Fatalf("unexpected status: %s", body["status"])
	}
}

func TestCryptoWebhookRequiresConfirmationEvent(t *testing.T) {
	svc := &stubWebhookService{outcome: services.OutcomeConfirming}
	rec := postWebhook(t, webhookHandler(svc), "/webhooks/crypto", `{"event":"deposit.confirmation"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(svc.handled) != 1 || svc.handled[0] != "crypto_deposit" {
		t.Fatalf("unexpected dispatch: %#v", svc.handled)
	}

	svc = &stubWebhookService{}
	rec = postWebhook(t, webhookHandler(svc), "/webhooks/crypto", `{"event":"deposit.received"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for foreign events, got %d", rec.Code)
	}
}

func TestWebhookUnknownNetworkAnswers400(t *testing.T) {
	svc := &stubWebhookService{err: services.ErrUnknownNetwork}
	rec := postWebhook(t, webhookHandler(svc), "/webhooks/crypto", `{"event":"deposit.confirmation"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookPayoutNotFoundAnswers404(t *testing.T) {
	svc := &stubWebhookService{err: services.ErrPayoutNotFound}
	rec := postWebhook(t, webhookHandler(svc), "/webhooks/fiat", `{"event":"payout.success"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
