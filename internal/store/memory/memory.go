// Package memory provides in-process implementations of the store ports.
// It is used by tests and by STORE_BACKEND=memory development runs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the server clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-memory document store and message log.
type Store struct {
	now func() time.Time

	mu            sync.Mutex
	conversations map[string]map[string]string
	applied       map[string][]string
	messages      map[string][]store.MessageRecord
	byClientID    map[string]store.MessageRecord
	seq           uint64
	unavailable   error

	userWatchers map[string]map[chan struct{}]struct{}
	convWatchers map[string]map[chan struct{}]struct{}
}

var (
	_ store.ConversationStore = (*Store)(nil)
	_ store.MessageLog        = messageLog{}
)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		conversations: make(map[string]map[string]string),
		applied:       make(map[string][]string),
		messages:      make(map[string][]store.MessageRecord),
		byClientID:    make(map[string]store.MessageRecord),
		userWatchers:  make(map[string]map[chan struct{}]struct{}),
		convWatchers:  make(map[string]map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable makes every subsequent operation fail with err until it
// is called again with nil.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	s.unavailable = err
	s.mu.Unlock()
}

// PutRaw stores fields under key without validation and notifies
// watchers of the listed users.
func (s *Store) PutRaw(key string, fields map[string]string, users ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[key] = copyFields(fields)
	for _, u := range users {
		s.notifyLocked(s.userWatchers[u])
	}
}

// PutRawMessage appends an unvalidated entry to conversationID's log.
func (s *Store) PutRawMessage(conversationID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.messages[conversationID] = append(s.messages[conversationID], store.MessageRecord{
		Sequence: s.seq,
		Time:     s.now().UTC(),
		Data:     data,
	})
	s.notifyLocked(s.convWatchers[conversationID])
}

// Create implements store.ConversationStore.
func (s *Store) Create(ctx context.Context, seed model.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return false, s.unavailable
	}
	if _, exists := s.conversations[seed.ID]; exists {
		return false, nil
	}
	s.conversations[seed.ID] = store.EncodeConversation(seed)
	s.markAppliedLocked(seed.ID, seed.LastMessage.ClientID)
	s.notifyParticipantsLocked(seed.ID)
	return true, nil
}

// ApplyMessage implements store.ConversationStore.
func (s *Store) ApplyMessage(ctx context.Context, id string, last model.LastMessage, recipient model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.docLocked(id)
	if err != nil {
		return err
	}
	if !s.markAppliedLocked(id, last.ClientID) {
		return nil
	}
	if newer(doc[store.FieldLastSentAt], last.SentAt) {
		doc[store.FieldLastContent] = last.Content
		doc[store.FieldLastSentAt] = store.FormatTime(last.SentAt)
		doc[store.FieldLastSentBy] = last.SentBy
		doc[store.FieldLastClientID] = last.ClientID
	}
	addCounter(doc, store.CounterField(recipient), 1)
	s.notifyParticipantsLocked(id)
	return nil
}

// Increment implements store.ConversationStore.
func (s *Store) Increment(ctx context.Context, id string, role model.Role, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.docLocked(id)
	if err != nil {
		return err
	}
	addCounter(doc, store.CounterField(role), delta)
	s.notifyParticipantsLocked(id)
	return nil
}

// Reset implements store.ConversationStore.
func (s *Store) Reset(ctx context.Context, id string, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.docLocked(id)
	if err != nil {
		return err
	}
	doc[store.CounterField(role)] = "0"
	s.notifyParticipantsLocked(id)
	return nil
}

// SetProfile implements store.ConversationStore.
func (s *Store) SetProfile(ctx context.Context, id string, role model.Role, profile model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.docLocked(id)
	if err != nil {
		return err
	}
	nameField, avatarField := store.ProfileFields(role)
	doc[nameField] = profile.Name
	doc[avatarField] = profile.AvatarURL
	s.notifyParticipantsLocked(id)
	return nil
}

// Get implements store.ConversationStore.
func (s *Store) Get(ctx context.Context, id string) (store.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.docLocked(id)
	if err != nil {
		return store.ConversationRecord{}, err
	}
	return store.ConversationRecord{Key: id, Fields: copyFields(doc)}, nil
}

// List implements store.ConversationStore.
func (s *Store) List(ctx context.Context, userID string) ([]store.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return nil, s.unavailable
	}
	return s.listLocked(userID), nil
}

// Watch implements store.ConversationStore.
func (s *Store) Watch(ctx context.Context, userID string) (<-chan store.Snapshot[store.ConversationRecord], error) {
	s.mu.Lock()
	if s.unavailable != nil {
		s.mu.Unlock()
		return nil, s.unavailable
	}
	notify := make(chan struct{}, 1)
	notify <- struct{}{}
	addWatcher(s.userWatchers, userID, notify)
	s.mu.Unlock()

	out := make(chan store.Snapshot[store.ConversationRecord])
	go func() {
		defer close(out)
		defer s.removeWatcher(s.userWatchers, userID, notify)
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			s.mu.Lock()
			snap := store.Snapshot[store.ConversationRecord]{Records: s.listLocked(userID), Err: s.unavailable}
			s.mu.Unlock()
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
			if snap.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

// Append stores msg in its conversation's log. See store.MessageLog.
func (s *Store) Append(ctx context.Context, msg model.Message) (store.MessageRecord, error) {
	data, err := store.EncodeMessage(msg)
	if err != nil {
		return store.MessageRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return store.MessageRecord{}, s.unavailable
	}
	if rec, ok := s.byClientID[msg.ClientID]; ok {
		return rec, nil
	}
	s.seq++
	rec := store.MessageRecord{Sequence: s.seq, Time: s.now().UTC(), Data: data}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], rec)
	s.byClientID[msg.ClientID] = rec
	s.notifyLocked(s.convWatchers[msg.ConversationID])
	return rec, nil
}

// Messages returns the message log view of s. Store.Watch is the
// conversation feed, so the log's Watch lives on a separate type.
func (s *Store) Messages() store.MessageLog {
	return messageLog{s}
}

type messageLog struct{ *Store }

func (l messageLog) Watch(ctx context.Context, conversationID string) (<-chan store.Snapshot[store.MessageRecord], error) {
	return l.watchMessages(ctx, conversationID)
}

func (s *Store) watchMessages(ctx context.Context, conversationID string) (<-chan store.Snapshot[store.MessageRecord], error) {
	s.mu.Lock()
	if s.unavailable != nil {
		s.mu.Unlock()
		return nil, s.unavailable
	}
	notify := make(chan struct{}, 1)
	notify <- struct{}{}
	addWatcher(s.convWatchers, conversationID, notify)
	s.mu.Unlock()

	out := make(chan store.Snapshot[store.MessageRecord])
	go func() {
		defer close(out)
		defer s.removeWatcher(s.convWatchers, conversationID, notify)
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			s.mu.Lock()
			records := append([]store.MessageRecord(nil), s.messages[conversationID]...)
			s.mu.Unlock()
			select {
			case out <- store.Snapshot[store.MessageRecord]{Records: records}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) docLocked(id string) (map[string]string, error) {
	if s.unavailable != nil {
		return nil, s.unavailable
	}
	doc, ok := s.conversations[id]
	if !ok {
		return nil, model.ErrConversationNotFound
	}
	return doc, nil
}

// markAppliedLocked records clientID against conversation id. It reports
// false if clientID was already recorded.
func (s *Store) markAppliedLocked(id, clientID string) bool {
	if clientID == "" {
		return true
	}
	recent := s.applied[id]
	for _, c := range recent {
		if c == clientID {
			return false
		}
	}
	recent = append(recent, clientID)
	if len(recent) > store.AppliedWindow {
		recent = append(recent[:0:0], recent[len(recent)-store.AppliedWindow:]...)
	}
	s.applied[id] = recent
	return true
}

func (s *Store) listLocked(userID string) []store.ConversationRecord {
	var out []store.ConversationRecord
	for key, doc := range s.conversations {
		if doc[store.FieldProviderID] == userID || doc[store.FieldCustomerID] == userID {
			out = append(out, store.ConversationRecord{Key: key, Fields: copyFields(doc)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Store) notifyParticipantsLocked(id string) {
	doc := s.conversations[id]
	s.notifyLocked(s.userWatchers[doc[store.FieldProviderID]])
	s.notifyLocked(s.userWatchers[doc[store.FieldCustomerID]])
}

func (s *Store) notifyLocked(watchers map[chan struct{}]struct{}) {
	for ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) removeWatcher(set map[string]map[chan struct{}]struct{}, key string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(set[key], ch)
	if len(set[key]) == 0 {
		delete(set, key)
	}
}

func addWatcher(set map[string]map[chan struct{}]struct{}, key string, ch chan struct{}) {
	if set[key] == nil {
		set[key] = make(map[chan struct{}]struct{})
	}
	set[key][ch] = struct{}{}
}

func addCounter(doc map[string]string, field string, delta int) {
	n, _ := strconv.Atoi(doc[field])
	doc[field] = strconv.Itoa(n + delta)
}

func newer(stored string, candidate time.Time) bool {
	if stored == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, stored)
	if err != nil {
		return true
	}
	return !candidate.Before(t)
}

func copyFields(f map[string]string) map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
