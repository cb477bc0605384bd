package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"wallet/internal/holds"
	"wallet/internal/middleware"
	"wallet/internal/store"
)

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	approverID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	entryID := chi.URLParam(r, "id")
	if entryID == "" {
		respondError(w, http.StatusBadRequest, "missing transaction id")
		return
	}
	err := h.holds.Release(r.Context(), entryID, &approverID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
	case errors.Is(err, holds.ErrNotHeld):
		respondError(w, http.StatusConflict, "not_held")
	case errors.Is(err, sql.ErrNoRows):
		respondError(w, http.StatusNotFound, "transaction_not_found")
	default:
		h.logger.Error("hold release failed", zap.String("entry_id", entryID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "release_failed")
	}
}

// SweepHolds triggers an immediate sweep. The background loop runs on a
// timer; this exists for support to clear a backlog without waiting.
func (h *Handler) SweepHolds(w http.ResponseWriter, r *http.Request) {
	released, err := h.holds.SweepDue(r.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "sweep_failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"released": released})
}

type promoteAdminRequest struct {
	AccountID string `json:"account_id" validate:"required"`
}

// PromoteAdmin grants admin rights to an account. Only an existing admin can
// call this; re-granting is a no-op.
func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	approverID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req promoteAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	account, err := h.accounts.GetByID(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "account_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, account.ID, &approverID); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]string{"granted_to": account.ID})
		return h.audit.Log(r.Context(), tx, "admin_granted", store.ActorAdmin, &approverID, account.ID, string(meta))
	})
	if err != nil {
		h.logger.Error("admin grant failed", zap.String("account_id", account.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "grant_failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "granted", "account_id": account.ID})
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	logs, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
