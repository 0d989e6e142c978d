// Package realtime turns store change feeds into typed, sorted snapshot
// subscriptions.
package realtime

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// ErrFeedClosed is reported when a store feed ends on its own.
var ErrFeedClosed = errors.New("realtime: change feed closed")

// Client subscribes to conversation lists and message logs.
type Client struct {
	conversations store.ConversationStore
	messages      store.MessageLog
	logger        *logger.Logger
}

// NewClient creates a client reading from the given stores.
func NewClient(conversations store.ConversationStore, messages store.MessageLog, log *logger.Logger) *Client {
	return &Client{
		conversations: conversations,
		messages:      messages,
		logger:        log.Named("realtime"),
	}
}

// SubscribeConversations streams every conversation userID participates
// in, newest lastMessage first. Each value replaces the previous one.
func (c *Client) SubscribeConversations(ctx context.Context, userID string) (*Subscription[[]model.Conversation], error) {
	return open(ctx, "conversations",
		func(ctx context.Context) (<-chan store.Snapshot[store.ConversationRecord], error) {
			return c.conversations.Watch(ctx, userID)
		},
		func(recs []store.ConversationRecord) []model.Conversation {
			return c.decodeConversations(userID, recs)
		},
	)
}

// SubscribeMessages streams the log of conversationID in ascending sentAt
// order. Each value replaces the previous one.
func (c *Client) SubscribeMessages(ctx context.Context, conversationID string) (*Subscription[[]model.Message], error) {
	return open(ctx, "messages",
		func(ctx context.Context) (<-chan store.Snapshot[store.MessageRecord], error) {
			return c.messages.Watch(ctx, conversationID)
		},
		func(recs []store.MessageRecord) []model.Message {
			return c.decodeMessages(conversationID, recs)
		},
	)
}

// FetchConversations returns a single sorted snapshot of userID's
// conversations.
func (c *Client) FetchConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	recs, err := c.conversations.List(ctx, userID)
	if err != nil {
		return nil, model.NewPersistenceError("list conversations", err)
	}
	return c.decodeConversations(userID, recs), nil
}

func open[R, T any](ctx context.Context, feed string, watch func(context.Context) (<-chan store.Snapshot[R], error), convert func([]R) T) (*Subscription[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	src, err := watch(ctx)
	if err != nil {
		cancel()
		return nil, model.NewPersistenceError("watch "+feed, err)
	}

	return start(ctx, cancel, feed, func(ctx context.Context, emit func(T)) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-src:
				if !ok {
					if ctx.Err() != nil {
						return nil
					}
					return ErrFeedClosed
				}
				if snap.Err != nil {
					return model.NewPersistenceError("watch "+feed, snap.Err)
				}
				emit(convert(snap.Records))
			}
		}
	}), nil
}

func (c *Client) decodeConversations(userID string, recs []store.ConversationRecord) []model.Conversation {
	out := make([]model.Conversation, 0, len(recs))
	for _, rec := range recs {
		conv, err := store.DecodeConversation(rec)
		if err == nil {
			if _, ok := conv.Participants.RoleOf(userID); !ok {
				err = &model.SerializationError{Kind: "conversation", Key: rec.Key, Err: model.ErrNotParticipant}
			}
		}
		if err != nil {
			c.skip("conversation", err)
			continue
		}
		out = append(out, conv)
	}
	SortConversations(out)
	return out
}

func (c *Client) decodeMessages(conversationID string, recs []store.MessageRecord) []model.Message {
	out := make([]model.Message, 0, len(recs))
	seen := make(map[uint64]bool, len(recs))
	for _, rec := range recs {
		if seen[rec.Sequence] {
			continue
		}
		seen[rec.Sequence] = true

		msg, err := store.DecodeMessage(rec)
		if err == nil && msg.ConversationID != conversationID {
			err = &model.SerializationError{Kind: "message", Key: msg.ID, Err: errors.New("belongs to " + msg.ConversationID)}
		}
		if err != nil {
			c.skip("message", err)
			continue
		}
		out = append(out, msg)
	}
	SortMessages(out)
	return out
}

func (c *Client) skip(kind string, err error) {
	metrics.MalformedRecordsTotal.WithLabelValues(kind).Inc()
	c.logger.Warn("skipping malformed record",
		zap.String("kind", kind),
		zap.Error(err),
	)
}

// SortConversations orders conversations by lastMessage.sentAt descending.
func SortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessage.SentAt, convs[j].LastMessage.SentAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return convs[i].ID < convs[j].ID
	})
}

// SortMessages orders messages by sentAt ascending, then by log sequence.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].SentAt, msgs[j].SentAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return msgs[i].Sequence < msgs[j].Sequence
	})
}
