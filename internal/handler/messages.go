package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/moderation"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
//
// 202 with the pending placeholder when the message was queued, 200 with
// a warning when moderation held it back once, 422 when it was blocked.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.messageService.SendMessage(r.Context(), sess, conversationID, req.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	switch res.Decision {
	case moderation.DecisionBlock:
		writeJSON(w, http.StatusUnprocessableEntity, &model.SendMessageResponse{Warning: res.Notice})
	case moderation.DecisionWarn:
		writeJSON(w, http.StatusOK, &model.SendMessageResponse{Warning: res.Notice})
	default:
		writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{Message: res.Message})
	}
}

// Retry handles POST /api/v1/conversations/{id}/messages/{clientId}/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	clientID := chi.URLParam(r, "clientId")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateClientID(clientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messageService.RetryMessage(r.Context(), sess, conversationID, clientID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{Message: &msg})
}
