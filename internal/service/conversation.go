// Package service provides the chat operations exposed to clients.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/outbox"
	"github.com/capitalize-ai/chatsync/internal/realtime"
	"github.com/capitalize-ai/chatsync/internal/registry"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/internal/unread"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// ConversationService handles conversation list, badge and open operations.
type ConversationService struct {
	realtime *realtime.Client
	counters *unread.Engine
	outbox   *outbox.Pipeline
	logger   *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(rt *realtime.Client, counters *unread.Engine, ob *outbox.Pipeline, log *logger.Logger) *ConversationService {
	return &ConversationService{
		realtime: rt,
		counters: counters,
		outbox:   ob,
		logger:   log,
	}
}

// UnreadBadge returns the sum of the caller's unread counters.
func (s *ConversationService) UnreadBadge(ctx context.Context, sess session.Session) (int, error) {
	if err := sess.Validate(); err != nil {
		return 0, err
	}
	convs, err := s.realtime.FetchConversations(ctx, sess.UserID)
	if err != nil {
		return 0, err
	}
	return unread.Aggregate(ownedAs(convs, sess), sess.Role), nil
}

// ListConversations streams the caller's conversation list. Each value
// replaces the previous one.
func (s *ConversationService) ListConversations(ctx context.Context, sess session.Session) (*realtime.Subscription[[]model.ConversationView], error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	sub, err := s.realtime.SubscribeConversations(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return realtime.Map(sub, "conversation_views", func(convs []model.Conversation) []model.ConversationView {
		return Views(convs, sess)
	}), nil
}

// OpenConversation resets the caller's unread counter once and streams
// the conversation's messages merged with the caller's pending sends.
// Opening a conversation that has no messages yet is allowed.
func (s *ConversationService) OpenConversation(ctx context.Context, sess session.Session, conversationID string) (*realtime.Subscription[[]model.Message], error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if _, err := registry.ParticipantsFor(conversationID, sess.UserID, sess.Role); err != nil {
		return nil, err
	}

	if err := s.MarkRead(ctx, sess, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.realtime.SubscribeMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	view, release := s.outbox.Open(conversationID, sess.UserID)

	return realtime.Start(ctx, "conversation", func(ctx context.Context, emit func([]model.Message)) error {
		defer msgs.Unsubscribe()
		defer release()
		loaded := false
		for {
			changed := view.Changed()
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-msgs.C:
				if !ok {
					return msgs.Err()
				}
				view.Apply(snap)
				loaded = true
				emit(view.Render())
			case <-changed:
				if loaded {
					emit(view.Render())
				}
			}
		}
	}), nil
}

// MarkRead zeroes the caller's unread counter for conversationID. A
// conversation with no messages yet has nothing to reset.
func (s *ConversationService) MarkRead(ctx context.Context, sess session.Session, conversationID string) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if _, err := registry.ParticipantsFor(conversationID, sess.UserID, sess.Role); err != nil {
		return err
	}
	err := s.counters.MarkRead(ctx, conversationID, sess.UserID)
	if errors.Is(err, model.ErrConversationNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Error("failed to reset unread counter",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", sess.UserID),
			zap.Error(err),
		)
	}
	return err
}

// Views projects convs for the caller, dropping any in which the caller
// does not hold its session role.
func Views(convs []model.Conversation, sess session.Session) []model.ConversationView {
	out := make([]model.ConversationView, 0, len(convs))
	for _, c := range convs {
		if v, ok := c.ViewFor(sess.UserID); ok && v.ViewerRole == sess.Role {
			out = append(out, v)
		}
	}
	return out
}

func ownedAs(convs []model.Conversation, sess session.Session) []model.Conversation {
	out := convs[:0:0]
	for _, c := range convs {
		if role, ok := c.Participants.RoleOf(sess.UserID); ok && role == sess.Role {
			out = append(out, c)
		}
	}
	return out
}
