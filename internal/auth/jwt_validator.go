package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	errSubjectNotUUID = errors.New("auth: subject is not a user id")
	errLifetime       = errors.New("auth: token lifetime exceeds limit")
)

// TokenValidator checks the claims of an already signature-verified token.
// Subjects must be user UUIDs since every payment is owned by one.
type TokenValidator struct {
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	Algorithm   jwa.SignatureAlgorithm
	// MaxLifetime caps exp-iat for tokens that carry iat. Zero disables it.
	MaxLifetime time.Duration
}

func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %q", algorithm)
	}

	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(max(v.ClockSkew, 0)),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithValidator(jwt.ValidatorFunc(subjectIsUUID)),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	if v.MaxLifetime > 0 {
		opts = append(opts, jwt.WithValidator(lifetimeAtMost(v.MaxLifetime)))
	}
	return jwt.Validate(tok, opts...)
}

func subjectIsUUID(_ context.Context, tok jwt.Token) jwt.ValidationError {
	if _, err := uuid.Parse(tok.Subject()); err != nil {
		return jwt.NewValidationError(errSubjectNotUUID)
	}
	return nil
}

func lifetimeAtMost(limit time.Duration) jwt.ValidatorFunc {
	return func(_ context.Context, tok jwt.Token) jwt.ValidationError {
		iat := tok.IssuedAt()
		if iat.IsZero() {
			return nil
		}
		if tok.Expiration().Sub(iat) > limit {
			return jwt.NewValidationError(errLifetime)
		}
		return nil
	}
}
