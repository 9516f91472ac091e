package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/ctxkeys"
	"github.com/gridxlabs/gridx/types"
)

// Authenticator verifies bearer tokens on the owner-facing job API and
// injects the owner identity into the request context.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator with an HMAC secret.
func NewAuthenticator(secret, issuer string, ttl time.Duration, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "auth")),
	}
}

// IssueToken signs a token for an owner. Used by provisioning tooling
// and tests; the coordinator itself never mints tokens for clients.
func (a *Authenticator) IssueToken(ownerID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores
// the token subject as the owner ID on the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := a.verify(r.Header.Get("Authorization"))
		if err != nil {
			WriteError(w, err, a.logger)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithOwnerID(r.Context(), ownerID)))
	})
}

func (a *Authenticator) verify(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", types.NewError(types.ErrUnauthorized, "missing bearer token")
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", types.NewError(types.ErrUnauthorized, "invalid token").WithCause(err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", types.NewError(types.ErrUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}
