package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/moderation"
	"github.com/capitalize-ai/chatsync/internal/outbox"
	"github.com/capitalize-ai/chatsync/internal/realtime"
	"github.com/capitalize-ai/chatsync/internal/registry"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/internal/store/flagfile"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/internal/testutil"
	"github.com/capitalize-ai/chatsync/internal/unread"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

const timeout = 2 * time.Second

var (
	customer = session.Session{UserID: "c1", Role: model.RoleCustomer, Profile: model.Profile{Name: "Cara"}}
	provider = session.Session{UserID: "p1", Role: model.RoleProvider, Profile: model.Profile{Name: "Pat"}}
)

type app struct {
	store         *memory.Store
	registry      *registry.Registry
	pipeline      *outbox.Pipeline
	conversations *service.ConversationService
	messages      *service.MessageService
}

func newApp(t *testing.T, policy moderation.Policy) app {
	t.Helper()
	log := logger.NewNop()
	s := memory.New()
	flags, err := flagfile.Open(filepath.Join(t.TempDir(), "flags.json"))
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	counters := unread.NewEngine(s)
	reg := registry.New(s, s.Messages(), counters, log)
	cfg := outbox.Config{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, AttemptTimeout: time.Second}
	pipeline := outbox.New(reg, cfg, log)
	rt := realtime.NewClient(s, s.Messages(), log)
	guard := moderation.NewGuard(moderation.NewDefaultFilter(), policy, flags, log)
	return app{
		store:         s,
		registry:      reg,
		pipeline:      pipeline,
		conversations: service.NewConversationService(rt, counters, pipeline, log),
		messages:      service.NewMessageService(guard, pipeline, log),
	}
}

func (a app) send(t *testing.T, sess session.Session, text string) service.SendResult {
	t.Helper()
	res, err := a.messages.SendMessage(context.Background(), sess, "c1_p1", text)
	if err != nil {
		t.Fatalf("send %q: %v", text, err)
	}
	a.pipeline.Wait()
	return res
}

func (a app) counters(t *testing.T) model.Counters {
	t.Helper()
	c, err := a.registry.Get(context.Background(), "c1_p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return c.Counters
}

func TestConversationScenario(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, moderation.PolicyBlock)

	id, err := registry.GenerateID("p1", "c1")
	if err != nil || id != "c1_p1" {
		t.Fatalf("GenerateID = %q, %v", id, err)
	}

	a.send(t, customer, "Hello")
	if got := a.counters(t); got != (model.Counters{ProviderUnread: 1}) {
		t.Fatalf("after create: %+v", got)
	}

	a.send(t, customer, "Can you fix my sink")
	if got := a.counters(t); got != (model.Counters{ProviderUnread: 2}) {
		t.Fatalf("after second message: %+v", got)
	}

	badge, err := a.conversations.UnreadBadge(ctx, provider)
	if err != nil || badge != 2 {
		t.Fatalf("provider badge = %d, %v", badge, err)
	}

	sub, err := a.conversations.OpenConversation(ctx, provider, "c1_p1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Unsubscribe()
	if got := a.counters(t); got != (model.Counters{}) {
		t.Fatalf("after open: %+v", got)
	}

	msgs := testutil.ReceiveUntil(t, sub.C, timeout, func(ms []model.Message) bool { return len(ms) == 2 }, "history")
	if msgs[0].Content != "Hello" || msgs[1].Content != "Can you fix my sink" {
		t.Fatalf("history = %+v", msgs)
	}

	// Messages arriving while open do not trigger another reset.
	a.send(t, customer, "Thanks")
	testutil.ReceiveUntil(t, sub.C, timeout, func(ms []model.Message) bool { return len(ms) == 3 }, "live message")
	if got := a.counters(t); got != (model.Counters{ProviderUnread: 1}) {
		t.Fatalf("after message while open: %+v", got)
	}
}

func TestOpenConversation_ShowsOwnPendingSends(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, moderation.PolicyAllow)

	sub, err := a.conversations.OpenConversation(ctx, customer, "c1_p1")
	if err != nil {
		t.Fatalf("open new conversation: %v", err)
	}
	defer sub.Unsubscribe()
	testutil.RequireReceive(t, sub.C, timeout, "empty history")

	res, err := a.messages.SendMessage(ctx, customer, "c1_p1", "On my way")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := testutil.ReceiveUntil(t, sub.C, timeout, func(ms []model.Message) bool {
		return len(ms) == 1 && ms[0].ClientID == res.Message.ClientID && ms[0].Status == model.StatusSent
	}, "reconciled echo")
	if msgs[0].ID == "" {
		t.Fatalf("message not authoritative: %+v", msgs[0])
	}
	a.pipeline.Wait()

	sub.Unsubscribe()
	if n := a.pipeline.Views(); n != 0 {
		t.Fatalf("views after closing the conversation = %d", n)
	}
}

func TestListConversations(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, moderation.PolicyAllow)

	sub, err := a.conversations.ListConversations(ctx, provider)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer sub.Unsubscribe()

	a.send(t, customer, "Hello")
	views := testutil.ReceiveUntil(t, sub.C, timeout, func(vs []model.ConversationView) bool {
		return len(vs) == 1 && vs[0].Unread == 1
	}, "conversation view")

	v := views[0]
	if v.PeerID != "c1" || v.PeerName != "Cara" || v.ViewerRole != model.RoleProvider || v.LastMessage.Content != "Hello" {
		t.Fatalf("view = %+v", v)
	}
}

func TestSendMessage_Moderation(t *testing.T) {
	ctx := context.Background()

	blocking := newApp(t, moderation.PolicyBlock)
	res, err := blocking.messages.SendMessage(ctx, customer, "c1_p1", "Let's meet for coffee at 5")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Decision != moderation.DecisionBlock || res.Message != nil {
		t.Fatalf("block result = %+v", res)
	}
	if _, err := blocking.registry.Get(ctx, "c1_p1"); !errors.Is(err, model.ErrConversationNotFound) {
		t.Fatalf("blocked message was persisted: %v", err)
	}

	warning := newApp(t, moderation.PolicyWarnOnce)
	first := warning.send(t, customer, "CALL ME now")
	if first.Decision != moderation.DecisionWarn || first.Notice == "" || first.Message != nil {
		t.Fatalf("first flagged send = %+v", first)
	}
	second := warning.send(t, customer, "CALL ME now")
	if second.Decision != moderation.DecisionSend || second.Message == nil {
		t.Fatalf("second flagged send = %+v", second)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, moderation.PolicyAllow)

	if _, err := a.messages.SendMessage(ctx, customer, "c1_p1", ""); !errors.Is(err, model.ErrEmptyMessage) {
		t.Errorf("empty: %v", err)
	}
	if _, err := a.messages.SendMessage(ctx, customer, "c2_p1", "hi"); !errors.Is(err, model.ErrNotParticipant) {
		t.Errorf("outsider: %v", err)
	}
	if _, err := a.conversations.OpenConversation(ctx, customer, "c2_p1"); !errors.Is(err, model.ErrNotParticipant) {
		t.Errorf("open outsider: %v", err)
	}
}

func TestUnreadBadge_StoreDown(t *testing.T) {
	a := newApp(t, moderation.PolicyAllow)
	a.store.SetUnavailable(errors.New("down"))

	_, err := a.conversations.UnreadBadge(context.Background(), provider)
	var pe *model.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PersistenceError", err)
	}
}
