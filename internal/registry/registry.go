// Package registry owns conversation identity and persistence.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/internal/unread"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Registry creates and updates conversation documents and appends to
// their message logs. It never retries; store failures surface as
// *model.PersistenceError and the caller owns the retry policy.
type Registry struct {
	conversations store.ConversationStore
	messages      store.MessageLog
	counters      *unread.Engine
	logger        *logger.Logger
	tracer        trace.Tracer
}

// New creates a registry.
func New(conversations store.ConversationStore, messages store.MessageLog, counters *unread.Engine, log *logger.Logger) *Registry {
	return &Registry{
		conversations: conversations,
		messages:      messages,
		counters:      counters,
		logger:        log.Named("registry"),
		tracer:        otel.Tracer("github.com/capitalize-ai/chatsync/internal/registry"),
	}
}

// Upsert records msg on the conversation between p's parties. The first
// message creates the document, seeding the preview, createdAt, the
// sender's profile and the counter baseline; later messages merge the
// preview and increment the recipient's counter in one atomic write.
// Once the document exists, roles are taken from its stored participants.
// msg must be the authoritative copy returned by AppendMessage; upserting
// the same ClientID again does not count it twice.
func (r *Registry) Upsert(ctx context.Context, p model.Participants, msg model.Message, sender model.Profile) (created bool, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.Upsert")
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("upsert", err, time.Since(start).Seconds()) }()

	id, err := GenerateID(p.Provider, p.Customer)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("conversation_id", id))

	senderRole, ok := p.RoleOf(msg.Sender)
	if !ok {
		return false, fmt.Errorf("sender %q: %w", msg.Sender, model.ErrNotParticipant)
	}
	if msg.SentAt.IsZero() {
		return false, errors.New("registry: message has no server timestamp")
	}

	seed := model.Conversation{
		ID:           id,
		Participants: p,
		LastMessage:  msg.Preview(),
		Counters:     unread.Baseline(senderRole.Opposite()),
		CreatedAt:    msg.SentAt,
	}
	if senderRole == model.RoleProvider {
		seed.DisplayMeta.Provider = sender
	} else {
		seed.DisplayMeta.Customer = sender
	}

	created, err = r.conversations.Create(ctx, seed)
	if err != nil {
		return false, model.NewPersistenceError("create conversation", err)
	}
	if created {
		metrics.MessagesTotal.WithLabelValues(string(senderRole)).Inc()
		metrics.ConversationsTotal.Inc()
		r.logger.Info("conversation created",
			zap.String("conversation_id", id),
			zap.String("sender", msg.Sender),
		)
		return true, nil
	}

	stored, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if stored.Participants != p {
		r.logger.Warn("session role differs from stored conversation",
			zap.String("conversation_id", id),
			zap.String("sender", msg.Sender),
			zap.String("claimed_role", string(senderRole)),
		)
	}
	senderRole, ok = stored.Participants.RoleOf(msg.Sender)
	if !ok {
		return false, fmt.Errorf("sender %q: %w", msg.Sender, model.ErrNotParticipant)
	}

	if sender != (model.Profile{}) {
		if err := r.conversations.SetProfile(ctx, id, senderRole, sender); err != nil {
			return false, model.NewPersistenceError("set profile", err)
		}
	}

	last := msg.Preview()
	if err := r.counters.Increment(ctx, id, senderRole.Opposite(), &last); err != nil {
		return false, err
	}
	metrics.MessagesTotal.WithLabelValues(string(senderRole)).Inc()
	return false, nil
}

// AppendMessage appends msg to conversationID's log and returns the
// authoritative copy carrying the store-assigned ID and timestamp. A
// missing ClientID is generated. Appending the same ClientID again
// returns the original entry.
func (r *Registry) AppendMessage(ctx context.Context, conversationID string, msg model.Message) (out model.Message, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.AppendMessage",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("append_message", err, time.Since(start).Seconds()) }()

	a, b, err := ParseID(conversationID)
	if err != nil {
		return model.Message{}, err
	}
	if msg.Sender != a && msg.Sender != b {
		return model.Message{}, fmt.Errorf("sender %q: %w", msg.Sender, model.ErrNotParticipant)
	}
	if msg.ClientID == "" {
		msg.ClientID = uuid.Must(uuid.NewV7()).String()
	}
	msg.ConversationID = conversationID

	rec, err := r.messages.Append(ctx, msg)
	if err != nil {
		return model.Message{}, model.NewPersistenceError("append message", err)
	}
	out, err = store.DecodeMessage(rec)
	if err != nil {
		return model.Message{}, err
	}
	return out, nil
}

// Get fetches and decodes one conversation.
func (r *Registry) Get(ctx context.Context, conversationID string) (model.Conversation, error) {
	if _, _, err := ParseID(conversationID); err != nil {
		return model.Conversation{}, err
	}
	rec, err := r.conversations.Get(ctx, conversationID)
	if errors.Is(err, model.ErrConversationNotFound) {
		return model.Conversation{}, err
	}
	if err != nil {
		return model.Conversation{}, model.NewPersistenceError("get conversation", err)
	}
	return store.DecodeConversation(rec)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
