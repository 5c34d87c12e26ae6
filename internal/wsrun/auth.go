package wsrun

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bld-run/bld/internal/daemon/auth"
	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Claims is the JWT payload a Run WebSocket connection must present.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// Authenticator validates the bearer token on a Run WebSocket connect
// attempt (spec.md §4.7 step 1, "client must be authenticated"), extending
// internal/daemon/auth's token extraction with JWT verification.
type Authenticator struct {
	bearer *auth.BearerAuthenticator
	secret []byte
}

// NewAuthenticator builds an Authenticator signing/verifying HS256 tokens
// with secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{bearer: auth.NewBearerAuthenticator(), secret: secret}
}

// Authenticate extracts and verifies the bearer token from r, returning the
// authenticated user id.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token, err := a.bearer.ExtractBearerToken(r)
	if err != nil {
		return "", &blderrors.AuthError{Target: "ws-exec", Reason: err.Error()}
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, &blderrors.AuthError{Target: "ws-exec", Reason: "unexpected signing method: " + t.Method.Alg()}
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", &blderrors.AuthError{Target: "ws-exec", Reason: "invalid bearer token"}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return "", &blderrors.AuthError{Target: "ws-exec", Reason: "token missing user_id claim"}
	}
	return claims.UserID, nil
}

// GenerateToken signs a short-lived HS256 bearer token for userID with
// secret, for the external-step dialer to authenticate to a remote bld
// server's Run WebSocket (spec.md §4.5).
func GenerateToken(secret []byte, userID string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
