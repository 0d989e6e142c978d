package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatsync/internal/registry"
)

// MaxMessageLength is the largest accepted message body in bytes.
const MaxMessageLength = 4000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, _, err := registry.ParseID(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateClientID validates a client-generated message ID.
func ValidateClientID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid client ID format")
	}
	return nil
}
