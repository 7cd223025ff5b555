package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/common"
)

// Handler exposes invoice retrieval and resend.
type Handler struct {
	Generator *Generator
	Validate  *validator.Validate
}

type resendRequest struct {
	Email string `json:"email" validate:"omitempty,email,max=254"`
}

// Routes mounts the invoice endpoints. Callers wrap them with auth.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/payments/{id}/invoice", h.Get)
	r.Post("/payments/{id}/invoice/resend", h.Resend)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, txnID, ok := h.params(w, r)
	if !ok {
		return
	}
	inv, err := h.Generator.Get(r.Context(), txnID, userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, inv)
}

func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	userID, txnID, ok := h.params(w, r)
	if !ok {
		return
	}
	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := common.ValidatePayload(h.Validate, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	inv, err := h.Generator.Resend(r.Context(), txnID, userID, req.Email)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, inv)
}

func (h *Handler) params(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, err := common.CallerUUID(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return uuid.Nil, uuid.Nil, false
	}
	txnID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid transaction id", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, txnID, true
}
