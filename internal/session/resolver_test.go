package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"storymap/api/internal/auth"
)

func TestResolverWithoutRegistry(t *testing.T) {
	resolver := NewResolver("secret", time.Hour, nil)
	ctx := context.Background()

	token, expiresAt, err := resolver.Issue(ctx, auth.User{ID: "u1", Name: "Avery"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	user, err := resolver.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if user.ID != "u1" || user.Name != "Avery" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := NewResolver("other", time.Hour, nil).Resolve(ctx, token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestResolverRequiresUserID(t *testing.T) {
	if _, _, err := NewResolver("secret", time.Hour, nil).Issue(context.Background(), auth.User{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestResolverHonoursRevocation(t *testing.T) {
	store, _ := setupTestRedis(t)
	resolver := NewResolver("secret", time.Hour, store)
	ctx := context.Background()

	token, _, err := resolver.Issue(ctx, auth.User{ID: "u1"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := resolver.Resolve(ctx, token); err != nil {
		t.Fatalf("Resolve before revoke failed: %v", err)
	}

	if err := resolver.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := resolver.Resolve(ctx, token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}
}

func TestResolverRejectsUnregisteredToken(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	token, _, err := NewResolver("secret", time.Hour, nil).Issue(ctx, auth.User{ID: "u1"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := NewResolver("secret", time.Hour, store).Resolve(ctx, token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unregistered session, got %v", err)
	}
}
