package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/payment"
)

// Handler receives gateway callbacks.
type Handler struct {
	Processor *Processor
}

// Routes mounts the callback endpoint. It is unauthenticated; trust comes from
// the provider signature.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/payment/{provider}", h.Handle)
}

// Handle acknowledges a delivery once its receipt is persisted.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Processor == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	_, err = h.Processor.Process(r.Context(), Delivery{
		Provider: chi.URLParam(r, "provider"),
		Payload:  body,
		Header:   r.Header,
	})
	switch {
	case errors.Is(err, payment.ErrUnknownProvider):
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
	case err != nil:
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_PERSIST_FAILED", "webhook could not be recorded", nil)
	default:
		common.JSON(w, http.StatusOK, map[string]any{"accepted": true})
	}
}
