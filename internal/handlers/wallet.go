package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"wallet/internal/auth"
	"wallet/internal/limits"
	"wallet/internal/middleware"
	"wallet/internal/risk"
	"wallet/internal/services"
	"wallet/internal/store"
	"wallet/internal/websocket"
)

type sendMoneyRequest struct {
	RecipientTag   string `json:"recipient_tag" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Description    string `json:"description" validate:"max=200"`
	PIN            string `json:"pin"`
	DeviceID       string `json:"device_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) SendMoney(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req sendMoneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amountMinor, err := parseAmountMinor(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	result, err := h.service.SendMoney(r.Context(), services.SendMoneyRequest{
		SenderID:       accountID,
		RecipientTag:   req.RecipientTag,
		Amount:         amountMinor,
		Description:    req.Description,
		PIN:            req.PIN,
		DeviceID:       req.DeviceID,
		IP:             clientIP(r),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transaction_id": result.TransactionID,
		"reference":      result.Reference,
		"amount":         formatMoney(result.Amount),
		"fee":            formatMoney(result.Fee),
		"recipient":      result.RecipientTag,
		"status":         result.Status,
	})
}

type payoutRequest struct {
	AccountNumber string `json:"account_number" validate:"required,numeric"`
	BankCode      string `json:"bank_code" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	Narration     string `json:"narration" validate:"max=200"`
	PIN           string `json:"pin"`
	DeviceID      string `json:"device_id"`
}

func (h *Handler) InitiatePayout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amountMinor, err := parseAmountMinor(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	result, err := h.service.InitiatePayout(r.Context(), services.PayoutRequest{
		SenderID:      accountID,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
		Amount:        amountMinor,
		Narration:     req.Narration,
		PIN:           req.PIN,
		DeviceID:      req.DeviceID,
		IP:            clientIP(r),
	})
	if err != nil {
		h.respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transaction_id": result.TransactionID,
		"reference":      result.Reference,
		"fee":            formatMoney(result.Fee),
		"account_name":   result.AccountName,
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	view, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load balance")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"currency":  view.Currency,
		"balance":   formatMoney(view.Balance),
		"held":      formatMoney(view.Held),
		"available": formatMoney(view.Available),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := h.service.GetTransactionHistory(r.Context(), accountID, store.HistoryFilter{
		Kind:   r.URL.Query().Get("kind"),
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load transactions")
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"id":         entry.ID,
			"kind":       entry.Kind,
			"status":     entry.Status,
			"amount":     formatMoney(entry.Amount),
			"fee":        formatMoney(entry.Fee),
			"currency":   entry.Currency,
			"flagged":    entry.Flagged,
			"held_until": entry.HeldUntil,
			"created_at": entry.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

type assessRiskRequest struct {
	Amount   string `json:"amount" validate:"required"`
	DeviceID string `json:"device_id"`
}

func (h *Handler) AssessRisk(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req assessRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amountMinor, err := parseAmountMinor(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	}
	assessment, err := h.scorer.Assess(r.Context(), risk.Input{
		Account:  account,
		Amount:   amountMinor,
		DeviceID: req.DeviceID,
		IP:       clientIP(r),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to assess")
		return
	}
	respondJSON(w, http.StatusOK, assessment)
}

type cryptoAddressRequest struct {
	Asset   string `json:"asset" validate:"required,oneof=BTC ETH USDT"`
	Network string `json:"network" validate:"required,oneof=bitcoin ethereum tron"`
}

func (h *Handler) CryptoDepositAddress(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req cryptoAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if intent, err := h.crypto.ActiveIntent(r.Context(), accountID, req.Asset, req.Network); err == nil {
		respondJSON(w, http.StatusOK, map[string]string{"address": intent.Address})
		return
	}
	address, err := h.addresses.Allocate(r.Context(), accountID, req.Asset, req.Network)
	if err != nil {
		respondError(w, http.StatusBadGateway, "unable to allocate address")
		return
	}
	var created store.DepositIntent
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var txErr error
		created, txErr = h.intents.CreateIntent(r.Context(), tx, store.DepositIntent{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Asset:     req.Asset,
			Network:   req.Network,
			Address:   address,
		})
		return txErr
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create deposit address")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"address": created.Address})
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}

func (h *Handler) respondTransferError(w http.ResponseWriter, err error) {
	var limitErr *limits.LimitExceededError
	var capErr *limits.BalanceCapExceededError
	switch {
	case errors.Is(err, services.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, services.ErrRecipientNotFound):
		respondError(w, http.StatusNotFound, "recipient_not_found")
	case errors.Is(err, services.ErrSelfTransfer):
		respondError(w, http.StatusBadRequest, "self_transfer")
	case errors.Is(err, services.ErrAccountFrozen):
		respondError(w, http.StatusForbidden, "account_frozen")
	case errors.Is(err, services.ErrTransactionBlocked):
		respondError(w, http.StatusForbidden, "transaction_blocked")
	case errors.Is(err, services.ErrInsufficientAvailableFunds):
		respondError(w, http.StatusBadRequest, "insufficient_available_funds")
	case errors.Is(err, store.ErrInsufficientFunds):
		respondError(w, http.StatusBadRequest, "insufficient_funds")
	case errors.Is(err, auth.ErrInvalidCredential):
		respondError(w, http.StatusUnauthorized, "invalid_pin")
	case errors.Is(err, limits.ErrBiometricRequired):
		respondError(w, http.StatusForbidden, "biometric_required")
	case errors.As(err, &limitErr):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":               "limit_exceeded",
			"remaining_allowance": formatMoney(limitErr.Remaining),
		})
	case errors.As(err, &capErr):
		respondError(w, http.StatusBadRequest, "balance_cap_exceeded")
	default:
		h.logger.Error("transfer failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "transfer_failed")
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
