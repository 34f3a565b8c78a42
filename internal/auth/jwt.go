// Package auth validates the bearer tokens a host application's login
// method presents to bind an acting user onto a connection. Token
// issuance happens outside this process; ddpd only verifies signatures
// and extracts the subject.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAccess is the scope a token must carry to act as a DDP user.
const ScopeAccess = "ddp.access"

// Claims extends the standard JWT claims with a scope and a superuser
// flag. Superusers may bypass user_rel visibility on collections that
// opt in to always-allow-superusers.
type Claims struct {
	jwt.RegisteredClaims
	Scope     string `json:"scope"`
	Superuser bool   `json:"su,omitempty"`
}

// Validator verifies HMAC-signed bearer tokens.
type Validator struct {
	secret []byte
}

// NewValidator creates a Validator with the given HMAC secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Identity is the result of a successful token validation: the user id
// the token was issued to, plus whether it carries the superuser flag.
type Identity struct {
	UserID    string
	Superuser bool
}

// ValidateAccessToken parses and validates a token, returning the
// identity it asserts. Tokens with the wrong scope, a bad signature, or
// an expired exp claim are rejected.
func (v *Validator) ValidateAccessToken(tokenStr string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Scope != ScopeAccess {
		return nil, fmt.Errorf("auth: wrong scope %q", claims.Scope)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}

	return &Identity{UserID: claims.Subject, Superuser: claims.Superuser}, nil
}
