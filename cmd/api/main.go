// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/config"
	"github.com/capitalize-ai/chatsync/internal/handler"
	"github.com/capitalize-ai/chatsync/internal/moderation"
	natsclient "github.com/capitalize-ai/chatsync/internal/nats"
	"github.com/capitalize-ai/chatsync/internal/outbox"
	"github.com/capitalize-ai/chatsync/internal/realtime"
	"github.com/capitalize-ai/chatsync/internal/registry"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/internal/store/flagfile"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/internal/store/redisstore"
	"github.com/capitalize-ai/chatsync/internal/unread"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	newLogger := logger.New
	if cfg.Env == config.EnvDevelopment {
		newLogger = logger.NewDevelopment
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreBackend),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	stores, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer stores.close()

	guard, err := newGuard(cfg, stores.flags, log)
	if err != nil {
		log.Error("failed to configure moderation", zap.Error(err))
		os.Exit(1)
	}

	// Initialize the chat core
	counters := unread.NewEngine(stores.conversations)
	reg := registry.New(stores.conversations, stores.messages, counters, log)
	// A retry must land while the log still recognises the client ID.
	retryWindow := cfg.SendRetryWindow
	if retryWindow <= 0 || retryWindow > natsclient.DuplicateWindow {
		retryWindow = natsclient.DuplicateWindow
	}
	pipeline := outbox.New(reg, outbox.Config{
		MaxRetries:      cfg.SendMaxRetries,
		InitialInterval: cfg.SendRetryInitial,
		MaxInterval:     cfg.SendRetryMax,
		AttemptTimeout:  cfg.SendAttemptTimeout,
		RetryWindow:     retryWindow,
	}, log)
	rt := realtime.NewClient(stores.conversations, stores.messages, log)

	// Initialize services
	conversationSvc := service.NewConversationService(rt, counters, pipeline, log)
	messageSvc := service.NewMessageService(guard, pipeline, log)

	// Create router
	r := handler.NewRouter(handler.RouterConfig{
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Health:            handler.NewHealthHandler(stores.checks),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		Stream:            handler.NewStreamHandler(conversationSvc, cfg.HeartbeatInterval, log),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight sends settle before the stores close.
	settled := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-shutdownCtx.Done():
		log.Warn("pending sends abandoned at shutdown")
	}

	log.Info("server stopped")
}

// backend is the storage the chat core runs on.
type backend struct {
	conversations store.ConversationStore
	messages      store.MessageLog
	flags         store.FlagStore
	checks        map[string]handler.ReadinessCheck
	closers       []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn("using in-memory store, data is lost on restart")
		flags, err := flagfile.Open(cfg.FlagFile)
		if err != nil {
			return nil, fmt.Errorf("open flag file %s: %w", cfg.FlagFile, err)
		}
		s := memory.New()
		return &backend{
			conversations: s,
			messages:      s.Messages(),
			flags:         flags,
			checks:        map[string]handler.ReadinessCheck{},
		}, nil
	}

	b := &backend{checks: map[string]handler.ReadinessCheck{}}

	// Connect to Redis
	rc, err := redisstore.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() { rc.Close() })
	convs := redisstore.New(rc)
	b.conversations = convs
	b.flags = redisstore.NewFlagStore(rc)
	b.checks["redis"] = convs.Ping

	// Connect to NATS
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:              cfg.NATSURL,
		CAFile:           cfg.NATSCAFile,
		CertFile:         cfg.NATSCertFile,
		KeyFile:          cfg.NATSKeyFile,
		Token:            cfg.NATSToken,
		MaxReconnects:    cfg.NATSMaxReconnects,
		ReconnectWait:    cfg.NATSReconnectWait,
		ReconnectBufSize: cfg.NATSReconnectBuffer,
	}, log)
	if err != nil {
		b.close()
		return nil, err
	}
	b.closers = append(b.closers, nc.Close)
	b.checks["nats"] = func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	}

	// Ensure JetStream stream exists
	log.Info("ensuring message stream", zap.String("stream", natsclient.StreamName))
	msgs := natsclient.NewMessageLog(nc)
	if err := msgs.EnsureStream(ctx); err != nil {
		b.close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	b.messages = msgs

	return b, nil
}

func newGuard(cfg *config.Config, flags store.FlagStore, log *logger.Logger) (*moderation.Guard, error) {
	policy, err := moderation.ParsePolicy(cfg.ModerationPolicy)
	if err != nil {
		return nil, err
	}

	filter := moderation.NewDefaultFilter()
	if cfg.ModerationTermsFile != "" {
		terms, err := moderation.LoadTerms(cfg.ModerationTermsFile)
		if err != nil {
			return nil, err
		}
		filter = moderation.NewFilter(terms)
	}
	log.Info("moderation configured",
		zap.String("policy", string(policy)),
		zap.Int("terms", filter.Len()),
	)

	var opts []moderation.GuardOption
	if cfg.OpenAIAPIKey != "" {
		screen, err := moderation.NewOpenAIScreen(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			log.Warn("failed to create OpenAI moderation screen, using term list only", zap.Error(err))
		} else {
			opts = append(opts, moderation.WithScreen(screen))
		}
	}

	return moderation.NewGuard(filter, policy, flags, log, opts...), nil
}
