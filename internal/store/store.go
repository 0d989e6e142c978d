// Package store defines the storage ports the sync core depends on.
//
// Adapters live in sub-packages (memory, redisstore, flagfile) and in
// internal/nats for the JetStream message log. All implementations must
// be safe for concurrent use and context-aware.
package store

import (
	"context"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// ConversationRecord is a conversation document exactly as stored: a flat
// map of string fields. Decoding happens at the boundary via
// DecodeConversation.
type ConversationRecord struct {
	Key    string
	Fields map[string]string
}

// MessageRecord is one entry of a conversation's message log. Time is
// assigned by the store.
type MessageRecord struct {
	Sequence uint64
	Time     time.Time
	Data     []byte
}

// Snapshot is one change-feed emission. Records is the complete current
// result of the query, never a delta. A non-nil Err ends the feed.
type Snapshot[T any] struct {
	Records []T
	Err     error
}

// AppliedWindow is how many recent client IDs a conversation remembers
// for ApplyMessage deduplication.
const AppliedWindow = 256

// ConversationStore holds conversation documents.
type ConversationStore interface {
	// Create writes seed unless a document already exists under seed.ID.
	// The check and the write are a single atomic operation. A created
	// document counts seed.LastMessage.ClientID as applied.
	Create(ctx context.Context, seed model.Conversation) (created bool, err error)

	// ApplyMessage merges last (only if it is not older than the stored
	// one) and adds one to recipient's counter in a single atomic write.
	// It does nothing if last.ClientID is among the AppliedWindow most
	// recent client IDs applied to the document, so a write retried after
	// an ambiguous failure is counted once. An empty ClientID is always
	// applied.
	ApplyMessage(ctx context.Context, id string, last model.LastMessage, recipient model.Role) error

	// Increment atomically adds delta to role's counter.
	Increment(ctx context.Context, id string, role model.Role, delta int) error

	// Reset atomically sets role's counter to zero.
	Reset(ctx context.Context, id string, role model.Role) error

	// SetProfile overwrites the display profile stored for role.
	SetProfile(ctx context.Context, id string, role model.Role, profile model.Profile) error

	// Get returns the document under id or model.ErrConversationNotFound.
	Get(ctx context.Context, id string) (ConversationRecord, error)

	// List returns every document userID participates in.
	List(ctx context.Context, userID string) ([]ConversationRecord, error)

	// Watch emits a full List result now and after every change to any of
	// userID's conversations, until ctx is done.
	Watch(ctx context.Context, userID string) (<-chan Snapshot[ConversationRecord], error)
}

// MessageLog is the append-only message sub-collection of conversations.
type MessageLog interface {
	// Append stores msg with a server-assigned time. Appending the same
	// ClientID twice returns the originally stored record.
	Append(ctx context.Context, msg model.Message) (MessageRecord, error)

	// Watch emits the full ordered log of conversationID now and after
	// every append, until ctx is done.
	Watch(ctx context.Context, conversationID string) (<-chan Snapshot[MessageRecord], error)
}

// FlagStore is a small persisted set of boolean flags.
type FlagStore interface {
	IsSet(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string) error
}
