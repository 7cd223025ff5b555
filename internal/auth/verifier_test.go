package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/common"
)

const testSecret = "test-secret"

var (
	userA = uuid.NewString()
	userB = uuid.NewString()
)

func signToken(t *testing.T, alg jwa.SignatureAlgorithm, key any, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Issuer("alumni-id").
		Audience([]string{"paycore"}).
		Subject(subject).
		IssuedAt(exp.Add(-time.Hour)).
		Expiration(exp).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	require.NoError(t, err)
	return string(signed)
}

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{Secret: testSecret, Issuer: "alumni-id", Audience: "paycore"})
	require.NoError(t, err)
	v.WithNow(func() time.Time { return now })
	return v
}

func TestVerifierParsesSubject(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)

	sub, err := v.ParseAccessToken(signToken(t, jwa.HS256, []byte(testSecret), userA, now.Add(time.Minute)))
	require.NoError(t, err)
	require.Equal(t, userA, sub)

	_, err = v.ParseAccessToken(signToken(t, jwa.HS256, []byte(testSecret), "svc-reporting", now.Add(time.Minute)))
	require.Error(t, err)
}

func TestVerifierRejectsBadTokens(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)

	cases := map[string]string{
		"wrong secret": signToken(t, jwa.HS256, []byte("other"), userA, now.Add(time.Minute)),
		"expired":      signToken(t, jwa.HS256, []byte(testSecret), userA, now.Add(-time.Minute)),
		"wrong alg":    signToken(t, jwa.HS512, []byte(testSecret), userA, now.Add(time.Minute)),
		"no subject":   signToken(t, jwa.HS256, []byte(testSecret), "", now.Add(time.Minute)),
		"garbage":      "not-a-token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.ParseAccessToken(token)
			require.Error(t, err)
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(VerifierConfig{})
	require.Error(t, err)
}

func TestAuthenticatorRequire(t *testing.T) {
	now := time.Now()
	a := Authenticator{Tokens: newTestVerifier(t, now)}
	var seen string
	h := a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = common.CallerID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]string{
		"missing":    "",
		"basic":      "Basic dXNlcjpwYXNz",
		"empty":      "Bearer   ",
		"wrong key":  "Bearer " + signToken(t, jwa.HS256, []byte("other-secret"), userB, now.Add(time.Minute)),
		"service id": "Bearer " + signToken(t, jwa.HS256, []byte(testSecret), "svc-reporting", now.Add(time.Minute)),
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
		require.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="paycore"`, name)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/x", nil)
	req.Header.Set("Authorization", "bearer "+signToken(t, jwa.HS256, []byte(testSecret), userB, now.Add(time.Minute)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, userB, seen)
}
