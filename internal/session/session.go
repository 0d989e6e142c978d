// Package session carries the resolved identity of the acting user.
package session

import (
	"context"
	"errors"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// Session is the already-authenticated caller. It is passed explicitly to
// every operation that acts on behalf of a user.
type Session struct {
	UserID  string
	Role    model.Role
	Profile model.Profile
}

// Validate checks that the session can act in a conversation.
func (s Session) Validate() error {
	if s.UserID == "" {
		return errors.New("session: missing user id")
	}
	if !s.Role.Valid() {
		return errors.New("session: unknown role " + string(s.Role))
	}
	return nil
}

type contextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}
