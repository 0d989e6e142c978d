package moderation_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/moderation"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/internal/store/flagfile"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

var customer = session.Session{UserID: "c1", Role: model.RoleCustomer}

func newGuard(t *testing.T, policy moderation.Policy, opts ...moderation.GuardOption) (*moderation.Guard, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.json")
	flags, err := flagfile.Open(path)
	if err != nil {
		t.Fatalf("open flags: %v", err)
	}
	return moderation.NewGuard(moderation.NewDefaultFilter(), policy, flags, logger.NewNop(), opts...), path
}

func check(t *testing.T, g *moderation.Guard, text string) moderation.Result {
	t.Helper()
	res, err := g.Check(context.Background(), customer, text)
	if err != nil {
		t.Fatalf("Check(%q): %v", text, err)
	}
	return res
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    moderation.Policy
		wantErr bool
	}{
		{"", moderation.PolicyWarnOnce, false},
		{"block", moderation.PolicyBlock, false},
		{" WARN_ONCE ", moderation.PolicyWarnOnce, false},
		{"allow", moderation.PolicyAllow, false},
		{"shadowban", "", true},
	}
	for _, tt := range tests {
		got, err := moderation.ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestGuard_CleanMessageSends(t *testing.T) {
	g, _ := newGuard(t, moderation.PolicyBlock)
	if res := check(t, g, "Can you fix my sink"); res.Decision != moderation.DecisionSend || res.Verdict.Blocked {
		t.Fatalf("result = %+v", res)
	}
}

func TestGuard_Block(t *testing.T) {
	g, _ := newGuard(t, moderation.PolicyBlock)
	for i := 0; i < 2; i++ {
		res := check(t, g, "call me")
		if res.Decision != moderation.DecisionBlock || res.Notice == "" {
			t.Fatalf("attempt %d: result = %+v", i, res)
		}
	}
}

func TestGuard_Allow(t *testing.T) {
	g, _ := newGuard(t, moderation.PolicyAllow)
	res := check(t, g, "call me")
	if res.Decision != moderation.DecisionSend || !res.Verdict.Blocked {
		t.Fatalf("result = %+v", res)
	}
}

func TestGuard_WarnOnce(t *testing.T) {
	g, path := newGuard(t, moderation.PolicyWarnOnce)

	if res := check(t, g, "what's your phone number?"); res.Decision != moderation.DecisionWarn {
		t.Fatalf("first flagged send: %+v", res)
	}
	if res := check(t, g, "what's your phone number?"); res.Decision != moderation.DecisionSend {
		t.Fatalf("second flagged send: %+v", res)
	}

	// The warned flag survives a restart.
	flags, err := flagfile.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	g2 := moderation.NewGuard(moderation.NewDefaultFilter(), moderation.PolicyWarnOnce, flags, logger.NewNop())
	if res := check(t, g2, "call me"); res.Decision != moderation.DecisionSend {
		t.Fatalf("after restart: %+v", res)
	}

	// Other users still get their own warning.
	provider := session.Session{UserID: "p1", Role: model.RoleProvider}
	res, err := g2.Check(context.Background(), provider, "call me")
	if err != nil || res.Decision != moderation.DecisionWarn {
		t.Fatalf("other user: %+v, %v", res, err)
	}
}

type screenFunc func(ctx context.Context, text string) (bool, error)

func (f screenFunc) Flagged(ctx context.Context, text string) (bool, error) { return f(ctx, text) }

func TestGuard_ScreenFlags(t *testing.T) {
	screen := screenFunc(func(ctx context.Context, text string) (bool, error) { return true, nil })
	g, _ := newGuard(t, moderation.PolicyBlock, moderation.WithScreen(screen))

	if res := check(t, g, "perfectly polite"); res.Decision != moderation.DecisionBlock {
		t.Fatalf("result = %+v", res)
	}
}

func TestGuard_ScreenFailsOpen(t *testing.T) {
	screen := screenFunc(func(ctx context.Context, text string) (bool, error) { return false, errors.New("timeout") })
	g, _ := newGuard(t, moderation.PolicyBlock, moderation.WithScreen(screen))

	if res := check(t, g, "perfectly polite"); res.Decision != moderation.DecisionSend {
		t.Fatalf("result = %+v", res)
	}
}

func TestOpenAIScreen(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"modr-1","model":"text-moderation-latest","results":[{"flagged":true}]}`))
	}))
	defer srv.Close()

	screen, err := moderation.NewOpenAIScreen("test-key", srv.URL+"/v1")
	if err != nil {
		t.Fatalf("NewOpenAIScreen: %v", err)
	}
	flagged, err := screen.Flagged(context.Background(), "something")
	if err != nil {
		t.Fatalf("Flagged: %v", err)
	}
	if !flagged {
		t.Fatal("expected flagged")
	}
	if gotPath != "/v1/moderations" {
		t.Fatalf("path = %q", gotPath)
	}

	if _, err := moderation.NewOpenAIScreen("", ""); err == nil {
		t.Fatal("empty key accepted")
	}
}
