package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// tokenVersion prefixes every session token; the signature covers it.
const tokenVersion = "v1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims identify the canvas user a session token was issued to.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Iat  int64  `json:"iat,omitempty"`
	Exp  int64  `json:"exp"`
}

// NewClaims builds the claims for a session of user that ends at expiresAt.
func NewClaims(user User, jti string, issuedAt, expiresAt time.Time) Claims {
	return Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  jti,
		Iat:  issuedAt.Unix(),
		Exp:  expiresAt.Unix(),
	}
}

// User is the caller the token speaks for.
func (c Claims) User() User {
	return User{ID: c.Sub, Name: c.Name}
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

func (c Claims) check(now time.Time) error {
	if c.Sub == "" || c.JTI == "" || c.Exp == 0 {
		return ErrInvalidToken
	}
	if !now.Before(c.ExpiresAt()) {
		return ErrExpiredToken
	}
	return nil
}

// IssueToken signs claims as "v1.<payload>.<mac>", both parts raw base64url.
func IssueToken(secret []byte, claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signed := tokenVersion + "." + base64.RawURLEncoding.EncodeToString(raw)
	return signed + "." + mac(secret, signed), nil
}

// ParseToken verifies the token and returns its claims. Any malformed or
// forged token is ErrInvalidToken.
func ParseToken(secret []byte, token string) (Claims, error) {
	return parseAt(secret, token, time.Now())
}

func parseAt(secret []byte, token string, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return Claims{}, ErrInvalidToken
	}
	signed := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(mac(secret, signed))) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.check(now); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func mac(secret []byte, signed string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(signed))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
