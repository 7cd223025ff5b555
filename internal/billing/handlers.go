package billing

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
)

// Handler exposes the payment engine over HTTP.
type Handler struct {
	Engine   *Engine
	Validate *validator.Validate
	// Guard wraps the initiate and verify routes, e.g. rate limiting.
	Guard []func(http.Handler) http.Handler
	// Idempotency wraps the initiate route only.
	Idempotency func(http.Handler) http.Handler
}

type calculateRequest struct {
	ReferenceType string           `json:"referenceType" validate:"required"`
	ReferenceID   uuid.UUID        `json:"referenceId" validate:"required"`
	Context       payables.Context `json:"context"`
}

type initiateRequest struct {
	calculateRequest
	Description    string         `json:"description" validate:"max=255"`
	Provider       string         `json:"provider" validate:"omitempty,max=32"`
	ExpectedAmount *pricing.Money `json:"expectedAmount" validate:"omitempty,gt=0"`
}

// Routes mounts the payment endpoints. Callers wrap them with auth.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/payments/calculate", h.Calculate)
	r.Get("/payments/{id}", h.Get)
	r.Group(func(g chi.Router) {
		g.Use(h.Guard...)
		initiate := g
		if h.Idempotency != nil {
			initiate = g.With(h.Idempotency)
		}
		initiate.Post("/payments/initiate", h.Initiate)
		g.Post("/payments/{id}/verify", h.Verify)
	})
}

func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req calculateRequest
	if !h.decode(w, r, &req) {
		return
	}
	calc, err := h.Engine.Calculate(r.Context(), CalculateInput{
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		UserID:        userID,
		Context:       req.Context,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, calc)
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Initiate(r.Context(), InitiateInput{
		CalculateInput: CalculateInput{
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			UserID:        userID,
			Context:       req.Context,
		},
		Description:    req.Description,
		Provider:       req.Provider,
		ExpectedAmount: req.ExpectedAmount,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, res)
}

// Verify answers 200 {"data":{"verified":true,"transaction":...}} when the
// proof checks out or the transaction was already completed. A proof that
// fails verification answers 402 with the error envelope
// {"error":{"code":"PAYMENT_VERIFICATION_FAILED","message":"payment verification failed"}}
// and the transaction stays PENDING; the reason is only logged.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid transaction id", nil)
		return
	}
	var proof payment.PaymentProof
	if !h.decode(w, r, &proof) {
		return
	}
	res, err := h.Engine.Verify(r.Context(), VerifyInput{TransactionID: id, UserID: userID, Proof: proof})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, res)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid transaction id", nil)
		return
	}
	txn, err := h.Engine.Get(r.Context(), id, userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, txn)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if h.Engine == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment engine not configured", nil)
		return uuid.Nil, false
	}
	id, err := common.CallerUUID(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	if err := common.ValidatePayload(h.Validate, dst); err != nil {
		common.WriteError(w, err)
		return false
	}
	return true
}
