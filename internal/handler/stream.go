package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/realtime"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints. Every data event carries
// a full snapshot that replaces the previous one.
type StreamHandler struct {
	conversationService *service.ConversationService
	heartbeat           time.Duration
	logger              *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(convSvc *service.ConversationService, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		conversationService: convSvc,
		heartbeat:           heartbeat,
		logger:              log,
	}
}

// BadgeEvent is sent alongside every conversation list snapshot.
type BadgeEvent struct {
	Unread int `json:"unread"`
}

// Conversations handles GET /api/v1/conversations
//
// Events: "snapshot" with []ConversationView, then "badge".
func (h *StreamHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}

	sub, err := h.conversationService.ListConversations(r.Context(), sess)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer sub.Unsubscribe()

	serve(h, w, r, sub, func(send func(string, any) error, views []model.ConversationView) error {
		if err := send("snapshot", views); err != nil {
			return err
		}
		total := 0
		for _, v := range views {
			total += v.Unread
		}
		return send("badge", &BadgeEvent{Unread: total})
	})
}

// Messages handles GET /api/v1/conversations/{id}/messages
//
// Opening the stream counts as opening the conversation: the caller's
// unread counter is reset once. Events: "snapshot" with []Message.
func (h *StreamHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.conversationService.OpenConversation(r.Context(), sess, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer sub.Unsubscribe()

	serve(h, w, r, sub, func(send func(string, any) error, msgs []model.Message) error {
		return send("snapshot", msgs)
	})
}

// serve pumps sub to the client until either side goes away.
func serve[T any](h *StreamHandler, w http.ResponseWriter, r *http.Request, sub *realtime.Subscription[T], write func(send func(string, any) error, v T) error) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger).With(zap.String("path", r.URL.Path))

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Track active connection
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, data any) error {
		return sendSSEEvent(w, flusher, event, data)
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case v, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil && ctx.Err() == nil {
					log.Warn("subscription ended", zap.Error(err))
					send("error", &model.ErrorEvent{
						Code:       "feed_unavailable",
						Message:    "live updates interrupted, reconnect to resume",
						RetryAfter: 5,
					})
				}
				return
			}
			if err := write(send, v); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := send("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
