package realtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/realtime"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/internal/testutil"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

const timeout = 2 * time.Second

func newClient(t *testing.T) (*realtime.Client, *memory.Store) {
	t.Helper()
	s := memory.New()
	return realtime.NewClient(s, s.Messages(), logger.NewNop()), s
}

func conversation(id, provider, customer string, last time.Time) model.Conversation {
	return model.Conversation{
		ID:           id,
		Participants: model.Participants{Provider: provider, Customer: customer},
		LastMessage:  model.LastMessage{Content: "hi", SentAt: last, SentBy: customer},
		Counters:     model.Counters{ProviderUnread: 1},
		CreatedAt:    last,
	}
}

func ids(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestSubscribeConversations_SortedReplacement(t *testing.T) {
	ctx := context.Background()
	client, s := newClient(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mustCreate(t, s, conversation("c1_p1", "p1", "c1", base))
	mustCreate(t, s, conversation("c2_p1", "p1", "c2", base.Add(time.Minute)))

	sub, err := client.SubscribeConversations(ctx, "p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	first := testutil.RequireReceive(t, sub.C, timeout, "initial snapshot")
	if got := ids(first); len(got) != 2 || got[0] != "c2_p1" || got[1] != "c1_p1" {
		t.Fatalf("initial order = %v", got)
	}

	last := model.LastMessage{Content: "again", SentAt: base.Add(2 * time.Minute), SentBy: "c1"}
	if err := s.ApplyMessage(ctx, "c1_p1", last, model.RoleProvider); err != nil {
		t.Fatalf("apply: %v", err)
	}

	next := testutil.ReceiveUntil(t, sub.C, timeout, func(cs []model.Conversation) bool {
		return len(cs) == 2 && cs[0].ID == "c1_p1"
	}, "re-sorted snapshot")
	if next[0].Counters.ProviderUnread != 2 {
		t.Fatalf("snapshot not a full replacement: %+v", next[0])
	}
}

func TestSubscribeConversations_SkipsMalformed(t *testing.T) {
	client, s := newClient(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustCreate(t, s, conversation("c1_p1", "p1", "c1", base))

	s.PutRaw("c3_p1", map[string]string{
		store.FieldID:             "c3_p1",
		store.FieldProviderID:     "p1",
		store.FieldCustomerID:     "c3",
		store.FieldCreatedAt:      "yesterday",
		store.FieldProviderUnread: "1",
		store.FieldCustomerUnread: "0",
	}, "p1")
	s.PutRaw("c4_p1", map[string]string{
		store.FieldID:             "c4_p1",
		store.FieldProviderID:     "p1",
		store.FieldCustomerID:     "c4",
		store.FieldCreatedAt:      store.FormatTime(base),
		store.FieldProviderUnread: "-3",
		store.FieldCustomerUnread: "0",
	}, "p1")

	sub, err := client.SubscribeConversations(context.Background(), "p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	snap := testutil.RequireReceive(t, sub.C, timeout, "snapshot")
	if got := ids(snap); len(got) != 1 || got[0] != "c1_p1" {
		t.Fatalf("snapshot = %v, want only the valid conversation", got)
	}
	if sub.Err() != nil {
		t.Fatalf("feed ended: %v", sub.Err())
	}
}

func TestSubscription_UnsubscribeIdempotent(t *testing.T) {
	client, _ := newClient(t)
	sub, err := client.SubscribeConversations(context.Background(), "p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	testutil.RequireClosed(t, sub.C, timeout, "channel after unsubscribe")
	if sub.Err() != nil {
		t.Fatalf("Err after unsubscribe = %v", sub.Err())
	}
}

func TestSubscription_StoreFailureEndsFeed(t *testing.T) {
	client, s := newClient(t)
	mustCreate(t, s, conversation("c1_p1", "p1", "c1", time.Now()))

	sub, err := client.SubscribeConversations(context.Background(), "p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	testutil.RequireReceive(t, sub.C, timeout, "initial snapshot")

	s.SetUnavailable(errors.New("connection reset"))
	s.PutRaw("c2_p1", map[string]string{}, "p1")
	testutil.RequireClosed(t, sub.C, timeout, "feed after failure")

	var pe *model.PersistenceError
	if !errors.As(sub.Err(), &pe) {
		t.Fatalf("Err = %v, want PersistenceError", sub.Err())
	}
	// Unsubscribing a dead feed is still safe.
	sub.Unsubscribe()
}

func TestSubscribe_Unavailable(t *testing.T) {
	client, s := newClient(t)
	s.SetUnavailable(errors.New("down"))

	_, err := client.SubscribeMessages(context.Background(), "c1_p1")
	var pe *model.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PersistenceError", err)
	}
}

func TestSubscribeMessages_RoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	client := realtime.NewClient(s, s.Messages(), logger.NewNop())

	sub, err := client.SubscribeMessages(ctx, "c1_p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if initial := testutil.RequireReceive(t, sub.C, timeout, "empty log"); len(initial) != 0 {
		t.Fatalf("initial = %+v", initial)
	}

	sent := []model.Message{
		{ConversationID: "c1_p1", ClientID: "k1", Sender: "c1", Content: "Hello"},
		{ConversationID: "c1_p1", ClientID: "k2", Sender: "p1", Content: "Hi there"},
		{ConversationID: "c1_p1", ClientID: "k3", Sender: "c1", Content: "Tuesday?"},
	}
	for _, m := range sent {
		if _, err := s.Messages().Append(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.PutRawMessage("c1_p1", []byte(`{"conversation_id":"c1_p1","sender":"c1"}`))
	s.PutRawMessage("c1_p1", []byte(`not json`))

	got := testutil.ReceiveUntil(t, sub.C, timeout, func(ms []model.Message) bool {
		return len(ms) == len(sent)
	}, "all messages")
	for i, m := range got {
		if m.Sender != sent[i].Sender || m.Content != sent[i].Content || m.ClientID != sent[i].ClientID {
			t.Errorf("message %d = %+v, want %+v", i, m, sent[i])
		}
		if i > 0 && !got[i-1].SentAt.Before(m.SentAt) {
			t.Errorf("message %d not after its predecessor", i)
		}
	}
}

func TestFetchConversations(t *testing.T) {
	client, s := newClient(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustCreate(t, s, conversation("c1_p1", "p1", "c1", base))
	mustCreate(t, s, conversation("c1_p2", "p2", "c1", base.Add(time.Hour)))

	convs, err := client.FetchConversations(context.Background(), "c1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(convs); len(got) != 2 || got[0] != "c1_p2" {
		t.Fatalf("fetch = %v", got)
	}
}

func TestMap(t *testing.T) {
	client, s := newClient(t)
	mustCreate(t, s, conversation("c1_p1", "p1", "c1", time.Now()))

	sub, err := client.SubscribeConversations(context.Background(), "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	counts := realtime.Map(sub, "test", func(cs []model.Conversation) int { return len(cs) })

	if n := testutil.RequireReceive(t, counts.C, timeout, "mapped"); n != 1 {
		t.Fatalf("mapped = %d", n)
	}
	counts.Unsubscribe()
	testutil.RequireClosed(t, sub.C, timeout, "source closed with derived")
}

func mustCreate(t *testing.T, s *memory.Store, c model.Conversation) {
	t.Helper()
	if _, err := s.Create(context.Background(), c); err != nil {
		t.Fatalf("create %s: %v", c.ID, err)
	}
}
