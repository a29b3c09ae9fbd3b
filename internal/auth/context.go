package auth

import "context"

// User is the authenticated caller every canvas operation is scoped to.
type User struct {
	ID   string
	Name string
}

type userKey struct{}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext reports the authenticated user, if any. A user with an
// empty ID counts as unauthenticated.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userKey{}).(User)
	if !ok || user.ID == "" {
		return User{}, false
	}
	return user, true
}
