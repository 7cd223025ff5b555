package common

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

// FieldError is one failed validation rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// NewValidator returns a validator that reports JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidatePayload runs v over payload and converts failures to a 422 AppError.
func ValidatePayload(v *validator.Validate, payload any) error {
	if v == nil {
		return nil
	}
	err := v.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &AppError{Code: "VALIDATION_ERROR", Message: "invalid payload", HTTPStatus: http.StatusUnprocessableEntity, Err: err}
	}
	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "invalid payload",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}
