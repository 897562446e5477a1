package checkpoint

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a respond/cancel request's bearer token
// fails verification.
var ErrUnauthorized = errors.New("checkpoint: unauthorized")

// Claims is the minimal claim set an operator token must carry to respond to
// a checkpoint: who they are and, optionally, which session they're scoped
// to.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`
	SessionID  string `json:"session_id,omitempty"`
}

// TokenValidator verifies the optional bearer token on /checkpoints/{id}/respond
// and /cancel (§6.5). Nil on Broker's caller side means auth is disabled.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Validate parses and verifies tokenString, returning the embedded claims.
// If sessionID is non-empty, the token's session_id claim (when present)
// must match it.
func (v *TokenValidator) Validate(tokenString, sessionID string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if sessionID != "" && claims.SessionID != "" && claims.SessionID != sessionID {
		return nil, fmt.Errorf("%w: token scoped to a different session", ErrUnauthorized)
	}
	return claims, nil
}
