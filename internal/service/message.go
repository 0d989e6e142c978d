package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/moderation"
	"github.com/capitalize-ai/chatsync/internal/outbox"
	"github.com/capitalize-ai/chatsync/internal/registry"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// SendResult is the outcome of SendMessage. Message is nil when
// moderation held the message back.
type SendResult struct {
	Message  *model.Message
	Decision moderation.Decision
	Notice   string
}

// MessageService handles sending messages.
type MessageService struct {
	guard  *moderation.Guard
	outbox *outbox.Pipeline
	logger *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(guard *moderation.Guard, ob *outbox.Pipeline, log *logger.Logger) *MessageService {
	return &MessageService{
		guard:  guard,
		outbox: ob,
		logger: log,
	}
}

// SendMessage runs moderation and, if the policy lets the message
// through, sends it optimistically.
func (s *MessageService) SendMessage(ctx context.Context, sess session.Session, conversationID, text string) (SendResult, error) {
	if err := sess.Validate(); err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return SendResult{}, model.ErrEmptyMessage
	}
	if _, err := registry.ParticipantsFor(conversationID, sess.UserID, sess.Role); err != nil {
		return SendResult{}, err
	}

	res, err := s.guard.Check(ctx, sess, text)
	if err != nil {
		return SendResult{}, err
	}
	if res.Decision != moderation.DecisionSend {
		return SendResult{Decision: res.Decision, Notice: res.Notice}, nil
	}

	msg, err := s.outbox.Send(ctx, sess, conversationID, text)
	if err != nil {
		return SendResult{}, err
	}
	s.logger.Debug("message queued",
		zap.String("conversation_id", conversationID),
		zap.String("client_id", msg.ClientID),
	)
	return SendResult{Message: &msg, Decision: res.Decision}, nil
}

// RetryMessage re-sends a failed message.
func (s *MessageService) RetryMessage(ctx context.Context, sess session.Session, conversationID, clientID string) (model.Message, error) {
	return s.outbox.Retry(ctx, sess, conversationID, clientID)
}
