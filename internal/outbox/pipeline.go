// Package outbox implements optimistic sending: a placeholder is shown
// immediately and persisted in the background, then reconciled with the
// authoritative copy from the message feed.
package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/registry"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Config bounds background persistence.
type Config struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration

	// RetryWindow is how long a failed placeholder may be retried. The
	// message log deduplicates client IDs only for a bounded window, so a
	// retry after it could store the message twice. Zero disables expiry.
	RetryWindow time.Duration
}

// DefaultConfig returns the production retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  10 * time.Second,
		RetryWindow:     30 * time.Minute,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the clock used for placeholder timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline sends messages optimistically.
type Pipeline struct {
	registry *registry.Registry
	cfg      Config
	now      func() time.Time
	logger   *logger.Logger
	tracer   trace.Tracer

	// mu guards views and every View's viewers count. It is taken before
	// a View's own lock.
	mu    sync.Mutex
	views map[viewKey]*View

	inflight sync.WaitGroup
}

type viewKey struct {
	conversationID string
	userID         string
}

// New creates a pipeline persisting through reg.
func New(reg *registry.Registry, cfg Config, log *logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.Named("outbox"),
		tracer:   otel.Tracer("github.com/capitalize-ai/chatsync/internal/outbox"),
		views:    make(map[viewKey]*View),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open returns userID's view of conversationID for display. The view
// stays alive until release is called; release is safe to call more
// than once.
func (p *Pipeline) Open(conversationID, userID string) (view *View, release func()) {
	k := viewKey{conversationID, userID}
	p.mu.Lock()
	v := p.viewLocked(k)
	v.viewers++
	p.mu.Unlock()

	var once sync.Once
	return v, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			v.viewers--
			if v.viewers == 0 {
				v.detach()
			}
			p.evictLocked(k, v)
		})
	}
}

// Placeholder returns the tracked placeholder for clientID in userID's
// view of conversationID.
func (p *Pipeline) Placeholder(conversationID, userID, clientID string) (model.Message, bool) {
	p.mu.Lock()
	v, ok := p.views[viewKey{conversationID, userID}]
	p.mu.Unlock()
	if !ok {
		return model.Message{}, false
	}
	return v.Placeholder(clientID)
}

// Views reports how many views are currently held.
func (p *Pipeline) Views() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.views)
}

// Send validates text, shows a pending placeholder in the sender's view
// and persists the message in the background. It returns the placeholder.
func (p *Pipeline) Send(ctx context.Context, sess session.Session, conversationID, text string) (model.Message, error) {
	if err := sess.Validate(); err != nil {
		return model.Message{}, err
	}
	if strings.TrimSpace(text) == "" {
		return model.Message{}, model.ErrEmptyMessage
	}
	participants, err := registry.ParticipantsFor(conversationID, sess.UserID, sess.Role)
	if err != nil {
		return model.Message{}, err
	}

	placeholder := model.Message{
		ConversationID: conversationID,
		ClientID:       uuid.Must(uuid.NewV7()).String(),
		Sender:         sess.UserID,
		Content:        text,
		SentAt:         p.now().UTC(),
		Status:         model.StatusPending,
	}
	k := viewKey{conversationID, sess.UserID}
	p.mu.Lock()
	v := p.viewLocked(k)
	p.expireLocked(v)
	v.add(placeholder)
	p.mu.Unlock()

	p.logger.Debug("placeholder added",
		zap.String("conversation_id", conversationID),
		zap.String("client_id", placeholder.ClientID),
	)
	p.persistAsync(ctx, sess, participants, placeholder)
	return placeholder, nil
}

// Retry re-drives a failed placeholder. A placeholder that failed longer
// ago than cfg.RetryWindow is dropped and model.ErrRetryExpired returned.
func (p *Pipeline) Retry(ctx context.Context, sess session.Session, conversationID, clientID string) (model.Message, error) {
	if err := sess.Validate(); err != nil {
		return model.Message{}, err
	}
	participants, err := registry.ParticipantsFor(conversationID, sess.UserID, sess.Role)
	if err != nil {
		return model.Message{}, err
	}

	var msg model.Message
	var retry, expired bool
	k := viewKey{conversationID, sess.UserID}
	p.mu.Lock()
	v, found := p.views[k]
	if found {
		found = v.update(clientID, func(m *model.Message) {
			if m.Status == model.StatusFailed {
				if p.expired(*m) {
					expired = true
					return
				}
				m.Status = model.StatusPending
				m.Error = ""
				retry = true
			}
			msg = *m
		})
		if expired {
			v.remove(clientID)
			p.evictLocked(k, v)
		}
	}
	p.mu.Unlock()

	switch {
	case !found:
		return model.Message{}, model.ErrMessageNotFound
	case expired:
		return model.Message{}, model.ErrRetryExpired
	}
	if retry {
		p.persistAsync(ctx, sess, participants, msg)
	}
	return msg, nil
}

// Wait blocks until every background persistence has finished.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

func (p *Pipeline) viewLocked(k viewKey) *View {
	v, ok := p.views[k]
	if !ok {
		v = newView()
		p.views[k] = v
	}
	return v
}

func (p *Pipeline) evictLocked(k viewKey, v *View) {
	if v.viewers == 0 && v.idle() && p.views[k] == v {
		delete(p.views, k)
	}
}

func (p *Pipeline) expired(m model.Message) bool {
	return p.cfg.RetryWindow > 0 && p.now().Sub(m.SentAt) > p.cfg.RetryWindow
}

func (p *Pipeline) expireLocked(v *View) {
	if p.cfg.RetryWindow > 0 {
		v.expire(p.now().Add(-p.cfg.RetryWindow))
	}
}

// finish records the outcome of a persist and evicts the view when
// nothing is left in it.
func (p *Pipeline) finish(k viewKey, clientID string, fn func(*model.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.views[k]
	if !ok {
		return
	}
	v.settle(clientID, fn, v.viewers > 0)
	p.evictLocked(k, v)
}

func (p *Pipeline) persistAsync(ctx context.Context, sess session.Session, participants model.Participants, placeholder model.Message) {
	ctx = context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.persist(ctx, sess, participants, placeholder)
	}()
}

// persist appends placeholder to the log and then updates the
// conversation. The placeholder stays tracked until both have succeeded,
// so a failed conversation update can still be retried after the feed
// has shown the logged message.
func (p *Pipeline) persist(ctx context.Context, sess session.Session, participants model.Participants, placeholder model.Message) {
	ctx, span := p.tracer.Start(ctx, "outbox.persist", trace.WithAttributes(
		attribute.String("conversation_id", placeholder.ConversationID),
		attribute.String("client_id", placeholder.ClientID),
	))
	defer span.End()

	k := viewKey{placeholder.ConversationID, sess.UserID}
	log := p.logger.With(
		zap.String("conversation_id", placeholder.ConversationID),
		zap.String("client_id", placeholder.ClientID),
	)

	var sent model.Message
	err := p.retry(ctx, log, "append", func(ctx context.Context) error {
		var err error
		sent, err = p.registry.AppendMessage(ctx, placeholder.ConversationID, placeholder)
		return err
	})
	if err == nil {
		err = p.retry(ctx, log, "upsert", func(ctx context.Context) error {
			_, err := p.registry.Upsert(ctx, participants, sent, sess.Profile)
			return err
		})
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.SendOutcomesTotal.WithLabelValues("failed").Inc()
		log.Error("send failed", zap.Error(err))
		p.finish(k, placeholder.ClientID, func(m *model.Message) {
			m.Status = model.StatusFailed
			m.Error = err.Error()
		})
		return
	}

	metrics.SendOutcomesTotal.WithLabelValues("sent").Inc()
	p.finish(k, placeholder.ClientID, func(m *model.Message) {
		*m = sent
	})
}

// retry runs op with exponential backoff until it succeeds, fails
// permanently or exhausts cfg.MaxRetries.
func (p *Pipeline) retry(ctx context.Context, log *logger.Logger, step string, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = 0

	attempt := func() error {
		metrics.SendAttemptsTotal.Inc()
		actx := ctx
		if p.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
			defer cancel()
		}
		err := op(actx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("persist attempt failed",
			zap.String("step", step),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.MaxRetries), ctx), notify)
}

// retryable reports whether err may succeed on another attempt.
func retryable(err error) bool {
	var pe *model.PersistenceError
	return errors.As(err, &pe)
}
