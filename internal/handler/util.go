package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/session"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps core errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	var pe *model.PersistenceError
	switch {
	case errors.Is(err, model.ErrInvalidParticipants), errors.Is(err, model.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not a participant of this conversation")
	case errors.Is(err, model.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, model.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, model.ErrRetryExpired):
		writeError(w, http.StatusGone, "message is too old to retry, send it again")
	case errors.As(err, &pe):
		middleware.RequestLogger(r.Context(), log).Error("store unavailable",
			zap.String("op", pe.Op),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		middleware.RequestLogger(r.Context(), log).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireSession returns the caller's session or writes 401.
func requireSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return sess, ok
}
