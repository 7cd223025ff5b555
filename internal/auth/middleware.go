package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/paycore/internal/common"
)

// TokenParser resolves a bearer token to a user id.
type TokenParser interface {
	ParseAccessToken(token string) (string, error)
}

// Authenticator puts the token subject on the request context as the caller.
type Authenticator struct {
	Tokens TokenParser
	Realm  string
}

// Require rejects requests without a valid bearer token.
func (a Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || a.Tokens == nil {
			a.challenge(w, "")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		subject, err := a.Tokens.ParseAccessToken(token)
		if err != nil {
			a.challenge(w, "invalid_token")
			if _, ok := common.AsAppError(err); ok {
				common.WriteError(w, err)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithCaller(r.Context(), subject)))
	})
}

func (a Authenticator) challenge(w http.ResponseWriter, code string) {
	realm := a.Realm
	if realm == "" {
		realm = "paycore"
	}
	v := `Bearer realm="` + realm + `"`
	if code != "" {
		v += `, error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", v)
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
