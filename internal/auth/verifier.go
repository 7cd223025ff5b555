package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/paycore/internal/common"
)

// VerifierConfig configures access-token verification. Tokens are issued by
// the identity service; this service only checks them.
type VerifierConfig struct {
	Secret      string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	// MaxLifetime defaults to defaultMaxLifetime when zero.
	MaxLifetime time.Duration
}

const defaultMaxLifetime = 24 * time.Hour

// Verifier validates HS256 bearer tokens and yields their subject.
type Verifier struct {
	secret    []byte
	validator TokenValidator
	now       func() time.Time
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}
	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = defaultMaxLifetime
	}
	return &Verifier{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:      strings.TrimSpace(cfg.Issuer),
			Audience:    strings.TrimSpace(cfg.Audience),
			ClockSkew:   clockSkew,
			Algorithm:   jwa.HS256,
			MaxLifetime: lifetime,
		},
		now: time.Now,
	}, nil
}

// WithNow overrides the verifier clock.
func (v *Verifier) WithNow(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// ParseAccessToken validates an access token and returns the subject (user ID).
func (v *Verifier) ParseAccessToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if v.validator.Algorithm != "" && algorithm != v.validator.Algorithm {
		return "", unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret), jwt.WithValidate(false))
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if err := v.validator.Validate(parsed, algorithm, v.now()); err != nil {
		return "", unauthorized("invalid token", err)
	}
	return parsed.Subject(), nil
}

func unauthorized(message string, err error) error {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", fmt.Errorf("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
