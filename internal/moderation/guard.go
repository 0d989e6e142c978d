package moderation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Policy decides what happens to a flagged message.
type Policy string

const (
	// PolicyBlock rejects every flagged message.
	PolicyBlock Policy = "block"
	// PolicyWarnOnce holds back a user's first flagged message with a
	// warning and lets later ones through.
	PolicyWarnOnce Policy = "warn_once"
	// PolicyAllow sends flagged messages and only records the verdict.
	PolicyAllow Policy = "allow"
)

// ParsePolicy parses a policy name. The empty string selects PolicyWarnOnce.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyWarnOnce, nil
	case PolicyBlock, PolicyWarnOnce, PolicyAllow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown moderation policy %q", s)
	}
}

// Decision is what the caller must do with a message.
type Decision string

const (
	DecisionSend  Decision = "send"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// WarningText is returned with DecisionWarn.
const WarningText = "For your safety, keep contact details and payments inside the app. Send the message again to continue."

// BlockedText is returned with DecisionBlock.
const BlockedText = "Messages that share contact details or arrange off-platform payment are not allowed."

// Result is the outcome of Guard.Check.
type Result struct {
	Decision Decision
	Verdict  Verdict
	Notice   string
}

// Screen is an optional remote content check run after the local filter.
type Screen interface {
	Flagged(ctx context.Context, text string) (bool, error)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithScreen adds a remote screen. Screen errors never block a message.
func WithScreen(s Screen) GuardOption {
	return func(g *Guard) { g.screen = s }
}

// Guard applies a Policy to Filter verdicts.
type Guard struct {
	filter *Filter
	policy Policy
	flags  store.FlagStore
	screen Screen
	logger *logger.Logger
}

// NewGuard creates a guard. flags is required for PolicyWarnOnce.
func NewGuard(filter *Filter, policy Policy, flags store.FlagStore, log *logger.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		filter: filter,
		policy: policy,
		flags:  flags,
		logger: log.Named("moderation"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the configured policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// WarnedKey is the flag store key recording that userID was warned.
func WarnedKey(userID string) string {
	return "moderation.warned." + userID
}

// Check scans text sent by sess and returns what to do with it.
func (g *Guard) Check(ctx context.Context, sess session.Session, text string) (Result, error) {
	v := g.filter.Scan(text)
	if !v.Blocked && g.screen != nil {
		flagged, err := g.screen.Flagged(ctx, text)
		if err != nil {
			g.logger.Warn("remote moderation screen failed",
				zap.String("user_id", sess.UserID),
				zap.Error(err),
			)
		} else if flagged {
			v = Verdict{Blocked: true, Matches: []string{"remote screen"}}
		}
	}

	res := Result{Decision: DecisionSend, Verdict: v}
	if v.Blocked {
		switch g.policy {
		case PolicyBlock:
			res.Decision = DecisionBlock
			res.Notice = BlockedText
		case PolicyWarnOnce:
			warned, err := g.flags.IsSet(ctx, WarnedKey(sess.UserID))
			if err != nil {
				return Result{}, model.NewPersistenceError("read warned flag", err)
			}
			if !warned {
				if err := g.flags.Set(ctx, WarnedKey(sess.UserID)); err != nil {
					return Result{}, model.NewPersistenceError("set warned flag", err)
				}
				res.Decision = DecisionWarn
				res.Notice = WarningText
			}
		}
		g.logger.Info("message flagged",
			zap.String("user_id", sess.UserID),
			zap.Strings("matches", v.Matches),
			zap.String("decision", string(res.Decision)),
		)
	}

	metrics.ModerationVerdictsTotal.WithLabelValues(string(g.policy), string(res.Decision)).Inc()
	return res, nil
}
