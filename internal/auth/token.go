// Package auth verifies the identity tokens issued by the external auth
// service. The chat core trusts a verified identity unconditionally; it
// never issues or refreshes credentials itself.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pliu/chatcore/internal/chaterr"
)

// Identity is the verified principal attached to a request or connection.
type Identity struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

type Claims struct {
	UserID int64  `json:"uid"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a signed token and returns the identity it
// carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, chaterr.Authf("missing credential")
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, chaterr.Authf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, chaterr.Authf("invalid credential")
	}
	if claims.UserID == 0 {
		return Identity{}, chaterr.Authf("credential carries no user id")
	}

	return Identity{
		ID:     claims.UserID,
		Name:   claims.Name,
		Avatar: claims.Avatar,
		Role:   claims.Role,
	}, nil
}

// Sign mints a token for the given identity. The real tokens come from the
// auth service; this is used by tests and local tooling.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: id.ID,
		Name:   id.Name,
		Avatar: id.Avatar,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
