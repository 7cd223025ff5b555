package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

func claims(t *testing.T, edit func(*jwt.Builder) *jwt.Builder) jwt.Token {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer("alumni-id").
		Audience([]string{"paycore"}).
		Subject(uuid.NewString()).
		IssuedAt(now).
		Expiration(now.Add(15 * time.Minute))
	if edit != nil {
		b = edit(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	return tok
}

func TestTokenValidatorAcceptsUserToken(t *testing.T) {
	v := TokenValidator{Issuer: "alumni-id", Audience: "paycore", Algorithm: jwa.HS256, MaxLifetime: time.Hour}
	require.NoError(t, v.Validate(claims(t, nil), jwa.HS256, time.Now()))
}

func TestTokenValidatorRejections(t *testing.T) {
	now := time.Now()
	v := TokenValidator{Issuer: "alumni-id", Audience: "paycore", Algorithm: jwa.HS256, MaxLifetime: time.Hour, ClockSkew: time.Second}

	cases := map[string]func(*jwt.Builder) *jwt.Builder{
		"issuer": func(b *jwt.Builder) *jwt.Builder { return b.Issuer("someone-else") },
		"audience": func(b *jwt.Builder) *jwt.Builder {
			return b.Audience([]string{"storefront"})
		},
		"expired": func(b *jwt.Builder) *jwt.Builder {
			return b.IssuedAt(now.Add(-time.Hour)).Expiration(now.Add(-time.Minute))
		},
		"not yet valid": func(b *jwt.Builder) *jwt.Builder { return b.NotBefore(now.Add(5 * time.Minute)) },
		"service subject": func(b *jwt.Builder) *jwt.Builder {
			return b.Subject("svc-reporting")
		},
		"long lived": func(b *jwt.Builder) *jwt.Builder {
			return b.Expiration(now.Add(30 * 24 * time.Hour))
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, v.Validate(claims(t, edit), jwa.HS256, now))
		})
	}
}

func TestTokenValidatorRequiresExpiry(t *testing.T) {
	tok, err := jwt.NewBuilder().Subject(uuid.NewString()).Build()
	require.NoError(t, err)
	require.Error(t, TokenValidator{}.Validate(tok, jwa.HS256, time.Now()))
}

func TestTokenValidatorAlgorithmMismatch(t *testing.T) {
	v := TokenValidator{Algorithm: jwa.HS256}
	require.Error(t, v.Validate(claims(t, nil), jwa.RS256, time.Now()))
}

func TestTokenValidatorLifetimeIgnoredWithoutIssuedAt(t *testing.T) {
	tok, err := jwt.NewBuilder().
		Subject(uuid.NewString()).
		Expiration(time.Now().Add(72 * time.Hour)).
		Build()
	require.NoError(t, err)
	require.NoError(t, TokenValidator{MaxLifetime: time.Hour}.Validate(tok, jwa.HS256, time.Now()))
}
