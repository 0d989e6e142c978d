package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/chatsync/internal/handler"
	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/moderation"
	"github.com/capitalize-ai/chatsync/internal/outbox"
	"github.com/capitalize-ai/chatsync/internal/realtime"
	"github.com/capitalize-ai/chatsync/internal/registry"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/internal/store/flagfile"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/internal/unread"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

const secret = "handler-test-secret"

var (
	customer = session.Session{UserID: "c1", Role: model.RoleCustomer, Profile: model.Profile{Name: "Cara"}}
	provider = session.Session{UserID: "p1", Role: model.RoleProvider, Profile: model.Profile{Name: "Pat"}}
)

type server struct {
	*httptest.Server
	store    *memory.Store
	pipeline *outbox.Pipeline
	registry *registry.Registry
}

func newServer(t *testing.T, policy moderation.Policy, opts ...outbox.Option) server {
	t.Helper()
	log := logger.NewNop()
	s := memory.New()
	flags, err := flagfile.Open(filepath.Join(t.TempDir(), "flags.json"))
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	counters := unread.NewEngine(s)
	reg := registry.New(s, s.Messages(), counters, log)
	pipeline := outbox.New(reg, outbox.Config{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		RetryWindow:     time.Minute,
	}, log, opts...)
	rt := realtime.NewClient(s, s.Messages(), log)
	convSvc := service.NewConversationService(rt, counters, pipeline, log)
	msgSvc := service.NewMessageService(moderation.NewGuard(moderation.NewDefaultFilter(), policy, flags, log), pipeline, log)

	router := handler.NewRouter(handler.RouterConfig{
		Logger:            log,
		JWTSecret:         secret,
		CORSOrigins:       []string{"*"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Health: handler.NewHealthHandler(map[string]handler.ReadinessCheck{
			"store": func(ctx context.Context) error {
				_, err := s.List(ctx, "readiness")
				return err
			},
		}),
		Conversations: handler.NewConversationHandler(convSvc, log),
		Messages:      handler.NewMessageHandler(msgSvc, log),
		Stream:        handler.NewStreamHandler(convSvc, time.Minute, log),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return server{Server: srv, store: s, pipeline: pipeline, registry: reg}
}

func (s server) do(t *testing.T, sess session.Session, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "" {
		token, err := middleware.SignToken(secret, sess, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (s server) send(t *testing.T, sess session.Session, text string) (*http.Response, model.SendMessageResponse) {
	t.Helper()
	body, _ := json.Marshal(model.SendMessageRequest{Content: text})
	resp, data := s.do(t, sess, http.MethodPost, "/api/v1/conversations/c1_p1/messages", string(body))
	var out model.SendMessageResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode send response %q: %v", data, err)
	}
	s.pipeline.Wait()
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newServer(t, moderation.PolicyAllow)

	if resp, _ := srv.do(t, session.Session{}, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	if resp, _ := srv.do(t, session.Session{}, http.MethodGet, "/ready", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready = %d", resp.StatusCode)
	}

	srv.store.SetUnavailable(errors.New("down"))
	if resp, _ := srv.do(t, session.Session{}, http.MethodGet, "/ready", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready while down = %d", resp.StatusCode)
	}
}

func TestAPI_RequiresAuth(t *testing.T) {
	srv := newServer(t, moderation.PolicyAllow)
	if resp, _ := srv.do(t, session.Session{}, http.MethodGet, "/api/v1/badge", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSendBadgeOpen(t *testing.T) {
	srv := newServer(t, moderation.PolicyAllow)

	resp, out := srv.send(t, customer, "Hello")
	if resp.StatusCode != http.StatusAccepted || out.Message == nil || out.Message.Status != model.StatusPending {
		t.Fatalf("send = %d %+v", resp.StatusCode, out)
	}
	srv.send(t, customer, "Are you free Tuesday?")

	var badge model.BadgeResponse
	resp, data := srv.do(t, provider, http.MethodGet, "/api/v1/badge", "")
	if err := json.Unmarshal(data, &badge); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("badge = %d %s", resp.StatusCode, data)
	}
	if badge.Unread != 2 || badge.Role != model.RoleProvider {
		t.Fatalf("badge = %+v", badge)
	}

	if resp, _ := srv.do(t, provider, http.MethodPost, "/api/v1/conversations/c1_p1/open", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("open = %d", resp.StatusCode)
	}

	c, err := srv.registry.Get(context.Background(), "c1_p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Counters != (model.Counters{}) {
		t.Fatalf("counters after open = %+v", c.Counters)
	}
}

func TestSend_Errors(t *testing.T) {
	srv := newServer(t, moderation.PolicyAllow)
	outsider := session.Session{UserID: "c9", Role: model.RoleCustomer}

	tests := []struct {
		name   string
		sess   session.Session
		path   string
		body   string
		status int
	}{
		{"bad id", customer, "/api/v1/conversations/p1_c1/messages", `{"content":"hi"}`, http.StatusBadRequest},
		{"bad body", customer, "/api/v1/conversations/c1_p1/messages", `{`, http.StatusBadRequest},
		{"empty", customer, "/api/v1/conversations/c1_p1/messages", `{"content":""}`, http.StatusBadRequest},
		{"outsider", outsider, "/api/v1/conversations/c1_p1/messages", `{"content":"hi"}`, http.StatusForbidden},
		{"retry unknown", customer, "/api/v1/conversations/c1_p1/messages/0190a5c4-7d2e-7c3b-9a1f-3f0f2b6e8d11/retry", ``, http.StatusNotFound},
		{"retry bad id", customer, "/api/v1/conversations/c1_p1/messages/nope/retry", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp, body := srv.do(t, tt.sess, http.MethodPost, tt.path, tt.body); resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
		})
	}
}

func TestRetry_Expired(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	srv := newServer(t, moderation.PolicyAllow, outbox.WithClock(clock))
	srv.store.SetUnavailable(errors.New("down"))

	resp, out := srv.send(t, customer, "Hello")
	if resp.StatusCode != http.StatusAccepted || out.Message == nil {
		t.Fatalf("send = %d %+v", resp.StatusCode, out)
	}
	path := "/api/v1/conversations/c1_p1/messages/" + out.Message.ClientID + "/retry"

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	srv.store.SetUnavailable(nil)

	if resp, body := srv.do(t, customer, http.MethodPost, path, ""); resp.StatusCode != http.StatusGone {
		t.Fatalf("retry = %d %s, want 410", resp.StatusCode, body)
	}
	if resp, _ := srv.do(t, customer, http.MethodPost, path, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second retry = %d, want 404", resp.StatusCode)
	}
}

func TestSend_Moderation(t *testing.T) {
	blocking := newServer(t, moderation.PolicyBlock)
	resp, out := blocking.send(t, customer, "add me on whatsapp")
	if resp.StatusCode != http.StatusUnprocessableEntity || out.Warning == "" || out.Message != nil {
		t.Fatalf("blocked = %d %+v", resp.StatusCode, out)
	}

	warning := newServer(t, moderation.PolicyWarnOnce)
	resp, out = warning.send(t, customer, "add me on whatsapp")
	if resp.StatusCode != http.StatusOK || out.Warning == "" {
		t.Fatalf("first warn = %d %+v", resp.StatusCode, out)
	}
	resp, out = warning.send(t, customer, "add me on whatsapp")
	if resp.StatusCode != http.StatusAccepted || out.Message == nil {
		t.Fatalf("after warning = %d %+v", resp.StatusCode, out)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, srv server, sess session.Session, path string) (<-chan sseEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	token, _ := middleware.SignToken(secret, sess, time.Minute)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET %s: %v", path, err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		cancel()
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan sseEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				ev = sseEvent{}
			}
		}
	}()
	t.Cleanup(cancel)
	return events, cancel
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string, match func(string) bool) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed waiting for %q", name)
			}
			if ev.name == name && match(ev.data) {
				return ev.data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", name)
		}
	}
}

func TestConversationStream(t *testing.T) {
	srv := newServer(t, moderation.PolicyAllow)
	events, _ := readEvents(t, srv, provider, "/api/v1/conversations")

	nextEvent(t, events, "snapshot", func(string) bool { return true })
	srv.send(t, customer, "Hello")

	data := nextEvent(t, events, "snapshot", func(d string) bool { return strings.Contains(d, "Hello") })
	var views []model.ConversationView
	if err := json.Unmarshal([]byte(data), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].PeerID != "c1" || views[0].Unread != 1 {
		t.Fatalf("views = %+v", views)
	}
	nextEvent(t, events, "badge", func(d string) bool { return d == `{"unread":1}` })
}

func TestMessageStream_ResetsOnceAndStreams(t *testing.T) {
	srv := newServer(t, moderation.PolicyAllow)
	srv.send(t, customer, "Hello")

	events, _ := readEvents(t, srv, provider, "/api/v1/conversations/c1_p1/messages")
	nextEvent(t, events, "snapshot", func(d string) bool { return strings.Contains(d, "Hello") })

	c, _ := srv.registry.Get(context.Background(), "c1_p1")
	if c.Counters.ProviderUnread != 0 {
		t.Fatalf("provider unread after open = %d", c.Counters.ProviderUnread)
	}

	srv.send(t, customer, "Still there?")
	data := nextEvent(t, events, "snapshot", func(d string) bool { return strings.Contains(d, "Still there?") })
	var msgs []model.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "Hello" || msgs[1].Content != "Still there?" {
		t.Fatalf("messages = %+v", msgs)
	}

	c, _ = srv.registry.Get(context.Background(), "c1_p1")
	if c.Counters.ProviderUnread != 1 {
		t.Fatalf("provider unread while open = %d, want 1", c.Counters.ProviderUnread)
	}
}
