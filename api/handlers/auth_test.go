package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridxlabs/gridx/internal/ctxkeys"
)

func authedProbe(a *Authenticator) (http.Handler, *string) {
	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ := ctxkeys.OwnerID(r.Context())
		seen = owner
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestAuthRoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", "gridx", time.Hour, nil)
	token, err := a.IssueToken("owner-1")
	require.NoError(t, err)

	h, seen := authedProbe(a)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owner-1", *seen)
}

func TestAuthMissingToken(t *testing.T) {
	a := NewAuthenticator("secret", "gridx", time.Hour, nil)
	h, _ := authedProbe(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthWrongSecret(t *testing.T) {
	issuer := NewAuthenticator("other-secret", "gridx", time.Hour, nil)
	token, err := issuer.IssueToken("owner-1")
	require.NoError(t, err)

	a := NewAuthenticator("secret", "gridx", time.Hour, nil)
	h, _ := authedProbe(a)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthExpiredToken(t *testing.T) {
	a := NewAuthenticator("secret", "gridx", time.Hour, nil)

	claims := jwt.RegisteredClaims{
		Subject:   "owner-1",
		Issuer:    "gridx",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	h, _ := authedProbe(a)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthWrongIssuer(t *testing.T) {
	issuer := NewAuthenticator("secret", "someone-else", time.Hour, nil)
	token, err := issuer.IssueToken("owner-1")
	require.NoError(t, err)

	a := NewAuthenticator("secret", "gridx", time.Hour, nil)
	h, _ := authedProbe(a)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
