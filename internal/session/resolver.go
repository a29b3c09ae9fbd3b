package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storymap/api/internal/auth"
	"storymap/api/internal/util"
)

type Registry interface {
	Register(ctx context.Context, jti, userID, displayName string, expiresAt time.Time) error
	Lookup(ctx context.Context, jti string) (Record, error)
	Revoke(ctx context.Context, jti string) error
}

// Resolver turns bearer tokens into authenticated users. Without a registry
// it verifies token signatures only.
type Resolver struct {
	secret   []byte
	ttl      time.Duration
	sessions Registry
}

func NewResolver(secret string, ttl time.Duration, sessions Registry) *Resolver {
	return &Resolver{secret: []byte(secret), ttl: ttl, sessions: sessions}
}

// Issue mints a token for the user and registers it when a registry is
// configured.
func (r *Resolver) Issue(ctx context.Context, user auth.User) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, fmt.Errorf("issue token: user id is required")
	}
	now := time.Now()
	expiresAt := now.Add(r.ttl)
	jti := util.NewID("jti")
	token, err := auth.IssueToken(r.secret, auth.NewClaims(user, jti, now, expiresAt))
	if err != nil {
		return "", time.Time{}, err
	}
	if r.sessions != nil {
		if err := r.sessions.Register(ctx, jti, user.ID, user.Name, expiresAt); err != nil {
			return "", time.Time{}, err
		}
	}
	return token, expiresAt, nil
}

// Resolve returns auth.ErrInvalidToken or auth.ErrExpiredToken for tokens
// that do not identify a live session.
func (r *Resolver) Resolve(ctx context.Context, token string) (auth.User, error) {
	claims, err := auth.ParseToken(r.secret, token)
	if err != nil {
		return auth.User{}, err
	}
	if r.sessions != nil {
		record, err := r.sessions.Lookup(ctx, claims.JTI)
		if errors.Is(err, ErrSessionNotFound) {
			return auth.User{}, auth.ErrInvalidToken
		}
		if err != nil {
			return auth.User{}, err
		}
		if record.UserID != claims.Sub {
			return auth.User{}, auth.ErrInvalidToken
		}
	}
	return claims.User(), nil
}

func (r *Resolver) Revoke(ctx context.Context, token string) error {
	claims, err := auth.ParseToken(r.secret, token)
	if err != nil {
		return err
	}
	if r.sessions == nil {
		return nil
	}
	return r.sessions.Revoke(ctx, claims.JTI)
}
