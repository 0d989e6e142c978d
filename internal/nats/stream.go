package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
)

const (
	// StreamName is the name of the message log stream.
	StreamName = "CHAT_MESSAGES"

	// SubjectPrefix is the prefix for all message subjects.
	SubjectPrefix = "chat.msg"

	// DuplicateWindow bounds how long a repeated client ID is recognised.
	DuplicateWindow = 30 * time.Minute
)

// MessageLog implements store.MessageLog on a JetStream stream. Every
// conversation is one subject; JetStream assigns the sequence and the
// timestamp of each entry, and the Nats-Msg-Id header carries the client
// ID so retried appends are deduplicated.
type MessageLog struct {
	client *Client
	stream jetstream.Stream
}

var _ store.MessageLog = (*MessageLog)(nil)

// NewMessageLog creates a message log over client. EnsureStream must be
// called before use.
func NewMessageLog(client *Client) *MessageLog {
	return &MessageLog{client: client}
}

// EnsureStream creates or updates the message stream.
func (l *MessageLog) EnsureStream(ctx context.Context) error {
	stream, err := l.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  DuplicateWindow,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Append-only message log of all conversations",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	l.stream = stream
	return nil
}

// MessageSubject returns the subject holding conversationID's messages.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, conversationID)
}

// ValidSubjectToken reports whether id can be used as one subject token.
func ValidSubjectToken(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// Append implements store.MessageLog.
func (l *MessageLog) Append(ctx context.Context, msg model.Message) (store.MessageRecord, error) {
	if !ValidSubjectToken(msg.ConversationID) {
		return store.MessageRecord{}, fmt.Errorf("invalid conversation id %q", msg.ConversationID)
	}
	data, err := store.EncodeMessage(msg)
	if err != nil {
		return store.MessageRecord{}, err
	}

	ack, err := l.client.JetStream().Publish(ctx, MessageSubject(msg.ConversationID), data,
		jetstream.WithMsgID(msg.ClientID),
		jetstream.WithExpectStream(StreamName),
	)
	if err != nil {
		return store.MessageRecord{}, fmt.Errorf("failed to publish message: %w", err)
	}
	if ack.Duplicate {
		l.client.logger.Debug("duplicate append ignored",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("client_id", msg.ClientID),
			zap.Uint64("sequence", ack.Sequence),
		)
	}

	raw, err := l.stream.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return store.MessageRecord{}, fmt.Errorf("failed to read back message %d: %w", ack.Sequence, err)
	}
	return store.MessageRecord{Sequence: raw.Sequence, Time: raw.Time, Data: raw.Data}, nil
}

// Watch implements store.MessageLog with an ordered consumer that replays
// the conversation's subject and then follows it. A snapshot is emitted
// whenever the consumer has caught up (no pending messages).
func (l *MessageLog) Watch(ctx context.Context, conversationID string) (<-chan store.Snapshot[store.MessageRecord], error) {
	if !ValidSubjectToken(conversationID) {
		return nil, fmt.Errorf("invalid conversation id %q", conversationID)
	}
	subject := MessageSubject(conversationID)

	latest := make(chan []store.MessageRecord, 1)
	offer := func(records []store.MessageRecord) {
		select {
		case <-latest:
		default:
		}
		latest <- records
	}

	if _, err := l.stream.GetLastMsgForSubject(ctx, subject); err != nil {
		if !errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("failed to look up subject: %w", err)
		}
		offer(nil)
	}

	consumer, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	// Consume callbacks are serial, so records needs no lock.
	var records []store.MessageRecord
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		meta, err := msg.Metadata()
		if err != nil {
			l.client.logger.Warn("message without metadata", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		data := append([]byte(nil), msg.Data()...)
		records = append(records, store.MessageRecord{
			Sequence: meta.Sequence.Stream,
			Time:     meta.Timestamp,
			Data:     data,
		})
		if meta.NumPending == 0 {
			offer(append([]store.MessageRecord(nil), records...))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	out := make(chan store.Snapshot[store.MessageRecord])
	go func() {
		defer close(out)
		defer consumeCtx.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-latest:
				select {
				case out <- store.Snapshot[store.MessageRecord]{Records: snap}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
