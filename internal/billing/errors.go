package billing

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/common"
)

var (
	// ErrNotFound is returned when a transaction does not exist or belongs to another user.
	ErrNotFound = errors.New("billing: transaction not found")
	// ErrInvalidState is returned when a transition is not allowed from the current status.
	ErrInvalidState = errors.New("billing: invalid transaction state")
	// ErrVerificationFailed is the sentinel wrapped by signature errors.
	ErrVerificationFailed = errors.New("billing: payment verification failed")
	// ErrGateway is the sentinel wrapped by gateway errors.
	ErrGateway = errors.New("billing: gateway error")
)

// ValidationError rejects a request before any gateway call.
func ValidationError(message string, details any) *common.AppError {
	return &common.AppError{
		Code:       "VALIDATION_ERROR",
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

// GatewayError reports a failed gateway call. The message never leaks gateway internals.
func GatewayError(err error, details any) *common.AppError {
	return &common.AppError{
		Code:       "GATEWAY_ERROR",
		Message:    "payment gateway request failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        errors.Join(ErrGateway, err),
		Details:    details,
	}
}

// SignatureError reports an unverified payment proof.
func SignatureError(reason string) *common.AppError {
	return &common.AppError{
		Code:       "PAYMENT_VERIFICATION_FAILED",
		Message:    "payment verification failed",
		HTTPStatus: http.StatusPaymentRequired,
		Err:        fmt.Errorf("%w: %s", ErrVerificationFailed, reason),
	}
}

func notFoundError() *common.AppError {
	return &common.AppError{
		Code:       "NOT_FOUND",
		Message:    "transaction not found",
		HTTPStatus: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}

func invalidStateError(message string) *common.AppError {
	return &common.AppError{
		Code:       "INVALID_STATE",
		Message:    message,
		HTTPStatus: http.StatusConflict,
		Err:        fmt.Errorf("%w: %s", ErrInvalidState, message),
	}
}

// SideEffectError describes a follow-up that failed after completion. It is
// logged and never changes the transaction status.
type SideEffectError struct {
	TransactionID uuid.UUID
	Kind          string
	Err           error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %s for transaction %s: %v", e.Kind, e.TransactionID, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }
