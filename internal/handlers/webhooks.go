package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"wallet/internal/services"
)

const maxWebhookBody = 1 << 20

// webhookEnvelope carries only the event discriminator; each handler
// re-parses the full payload itself.
type webhookEnvelope struct {
	Event string `json:"event"`
}

func (h *Handler) FiatWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.verifyWebhook(w, r, services.ProviderFiat)
	if !ok {
		return
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	var outcome services.WebhookOutcome
	var err error
	switch envelope.Event {
	case "deposit.received":
		outcome, err = h.webhooks.HandleFiatDeposit(r.Context(), payload)
	case "payout.success":
		outcome, err = h.webhooks.HandlePayoutSuccess(r.Context(), payload)
	case "payout.failed":
		outcome, err = h.webhooks.HandlePayoutFailed(r.Context(), payload)
	case "payout.reversed":
		outcome, err = h.webhooks.HandlePayoutReversed(r.Context(), payload)
	default:
		respondError(w, http.StatusBadRequest, "unknown_event")
		return
	}
	h.respondWebhook(w, envelope.Event, outcome, err)
}

func (h *Handler) CryptoWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.verifyWebhook(w, r, services.ProviderCrypto)
	if !ok {
		return
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if envelope.Event != "deposit.confirmation" {
		respondError(w, http.StatusBadRequest, "unknown_event")
		return
	}
	outcome, err := h.webhooks.HandleCryptoDeposit(r.Context(), payload)
	h.respondWebhook(w, envelope.Event, outcome, err)
}

// verifyWebhook reads the body and checks the provider HMAC. A bad signature
// answers 401 and the raw payload is already logged by the verifier, so the
// provider's retry loop keeps evidence on our side without creating state.
func (h *Handler) verifyWebhook(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unable to read body")
		return nil, false
	}
	signature := r.Header.Get("X-Signature")
	if err := h.webhooks.VerifySignature(provider, payload, signature, clientIP(r)); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_signature")
		return nil, false
	}
	return payload, true
}

// respondWebhook answers 200 for every handled outcome, duplicates included,
// so providers stop retrying. Only transport or internal failures get a 5xx
// and trigger a redelivery.
func (h *Handler) respondWebhook(w http.ResponseWriter, event string, outcome services.WebhookOutcome, err error) {
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownNetwork):
			respondError(w, http.StatusBadRequest, "unknown_network")
		case errors.Is(err, services.ErrPayoutNotFound):
			respondError(w, http.StatusNotFound, "payout_not_found")
		default:
			h.logger.Error("webhook processing failed",
				zap.String("event", event),
				zap.Error(err),
			)
			respondError(w, http.StatusInternalServerError, "processing_failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
