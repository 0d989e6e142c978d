// Package unread implements per-role unread counters.
//
// Counters only change through the store's atomic primitives: a new
// message adds one to the recipient's counter, opening a conversation
// zeroes the viewer's counter, and nothing ever touches the other role.
package unread

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Engine applies counter semantics on top of a ConversationStore.
type Engine struct {
	store store.ConversationStore
}

// NewEngine creates an engine writing through s.
func NewEngine(s store.ConversationStore) *Engine {
	return &Engine{store: s}
}

// RecipientOf returns the role that receives a message sent by sender.
func RecipientOf(p model.Participants, sender string) (model.Role, error) {
	role, ok := p.RoleOf(sender)
	if !ok {
		return "", fmt.Errorf("sender %q: %w", sender, model.ErrNotParticipant)
	}
	return role.Opposite(), nil
}

// Baseline returns the counters of a conversation created by a message
// to recipient. Creation follows the same rule as every later message:
// the recipient starts at one and the sender at zero.
func Baseline(recipient model.Role) model.Counters {
	if recipient == model.RoleProvider {
		return model.Counters{ProviderUnread: 1}
	}
	return model.Counters{CustomerUnread: 1}
}

// Increment adds one to recipient's counter. When last is non-nil the
// conversation preview is merged in the same atomic write.
func (e *Engine) Increment(ctx context.Context, conversationID string, recipient model.Role, last *model.LastMessage) error {
	if !recipient.Valid() {
		return fmt.Errorf("unread: invalid role %q", recipient)
	}
	var err error
	if last != nil {
		err = e.store.ApplyMessage(ctx, conversationID, *last, recipient)
	} else {
		err = e.store.Increment(ctx, conversationID, recipient, 1)
	}
	if err != nil {
		return model.NewPersistenceError("increment unread", err)
	}
	return nil
}

// Reset zeroes viewer's counter. Call it once per conversation open.
func (e *Engine) Reset(ctx context.Context, conversationID string, viewer model.Role) error {
	if !viewer.Valid() {
		return fmt.Errorf("unread: invalid role %q", viewer)
	}
	if err := e.store.Reset(ctx, conversationID, viewer); err != nil {
		return model.NewPersistenceError("reset unread", err)
	}
	metrics.CounterResetsTotal.WithLabelValues(string(viewer)).Inc()
	return nil
}

// MarkRead zeroes userID's counter in conversationID. The role is read
// from the stored participants, not supplied by the caller.
func (e *Engine) MarkRead(ctx context.Context, conversationID, userID string) error {
	rec, err := e.store.Get(ctx, conversationID)
	if errors.Is(err, model.ErrConversationNotFound) {
		return err
	}
	if err != nil {
		return model.NewPersistenceError("get conversation", err)
	}
	c, err := store.DecodeConversation(rec)
	if err != nil {
		return err
	}
	role, ok := c.Participants.RoleOf(userID)
	if !ok {
		return fmt.Errorf("user %q: %w", userID, model.ErrNotParticipant)
	}
	return e.Reset(ctx, conversationID, role)
}

// Aggregate sums role's counter across conversations, for the badge.
func Aggregate(conversations []model.Conversation, role model.Role) int {
	total := 0
	for _, c := range conversations {
		total += c.Counters.Get(role)
	}
	return total
}
