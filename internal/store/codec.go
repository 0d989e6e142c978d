package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// Conversation document fields.
const (
	FieldID             = "id"
	FieldProviderID     = "provider_id"
	FieldCustomerID     = "customer_id"
	FieldCreatedAt      = "created_at"
	FieldLastContent    = "last_content"
	FieldLastSentAt     = "last_sent_at"
	FieldLastSentBy     = "last_sent_by"
	FieldLastClientID   = "last_client_id"
	FieldProviderUnread = "provider_unread"
	FieldCustomerUnread = "customer_unread"
	FieldProviderName   = "provider_name"
	FieldProviderAvatar = "provider_avatar"
	FieldCustomerName   = "customer_name"
	FieldCustomerAvatar = "customer_avatar"
)

// CounterField returns the document field holding role's unread count.
func CounterField(role model.Role) string {
	if role == model.RoleProvider {
		return FieldProviderUnread
	}
	return FieldCustomerUnread
}

// ProfileFields returns the name and avatar fields of role.
func ProfileFields(role model.Role) (name, avatar string) {
	if role == model.RoleProvider {
		return FieldProviderName, FieldProviderAvatar
	}
	return FieldCustomerName, FieldCustomerAvatar
}

// FormatTime renders t the way documents store timestamps.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeConversation flattens c into document fields.
func EncodeConversation(c model.Conversation) map[string]string {
	return map[string]string{
		FieldID:             c.ID,
		FieldProviderID:     c.Participants.Provider,
		FieldCustomerID:     c.Participants.Customer,
		FieldCreatedAt:      FormatTime(c.CreatedAt),
		FieldLastContent:    c.LastMessage.Content,
		FieldLastSentAt:     FormatTime(c.LastMessage.SentAt),
		FieldLastSentBy:     c.LastMessage.SentBy,
		FieldLastClientID:   c.LastMessage.ClientID,
		FieldProviderUnread: strconv.Itoa(c.Counters.ProviderUnread),
		FieldCustomerUnread: strconv.Itoa(c.Counters.CustomerUnread),
		FieldProviderName:   c.DisplayMeta.Provider.Name,
		FieldProviderAvatar: c.DisplayMeta.Provider.AvatarURL,
		FieldCustomerName:   c.DisplayMeta.Customer.Name,
		FieldCustomerAvatar: c.DisplayMeta.Customer.AvatarURL,
	}
}

// DecodeConversation validates rec and converts it to a Conversation.
// Any shape mismatch is reported as a *model.SerializationError.
func DecodeConversation(rec ConversationRecord) (model.Conversation, error) {
	fail := func(err error) (model.Conversation, error) {
		return model.Conversation{}, &model.SerializationError{Kind: "conversation", Key: rec.Key, Err: err}
	}
	f := rec.Fields
	if len(f) == 0 {
		return fail(errors.New("empty document"))
	}

	var c model.Conversation
	for _, req := range []struct {
		name string
		dst  *string
	}{
		{FieldID, &c.ID},
		{FieldProviderID, &c.Participants.Provider},
		{FieldCustomerID, &c.Participants.Customer},
	} {
		v := f[req.name]
		if v == "" {
			return fail(fmt.Errorf("missing field %s", req.name))
		}
		*req.dst = v
	}
	if rec.Key != "" && rec.Key != c.ID {
		return fail(fmt.Errorf("id %q does not match key", c.ID))
	}
	if c.Participants.Provider == c.Participants.Customer {
		return fail(errors.New("provider and customer are the same"))
	}

	var err error
	if c.CreatedAt, err = parseTime(f, FieldCreatedAt, true); err != nil {
		return fail(err)
	}
	if c.LastMessage.SentAt, err = parseTime(f, FieldLastSentAt, false); err != nil {
		return fail(err)
	}
	c.LastMessage.Content = f[FieldLastContent]
	c.LastMessage.SentBy = f[FieldLastSentBy]
	c.LastMessage.ClientID = f[FieldLastClientID]
	if by := c.LastMessage.SentBy; by != "" {
		if _, ok := c.Participants.RoleOf(by); !ok {
			return fail(fmt.Errorf("last message sender %q is not a participant", by))
		}
	}

	if c.Counters.ProviderUnread, err = parseCounter(f, FieldProviderUnread); err != nil {
		return fail(err)
	}
	if c.Counters.CustomerUnread, err = parseCounter(f, FieldCustomerUnread); err != nil {
		return fail(err)
	}

	c.DisplayMeta.Provider = model.Profile{Name: f[FieldProviderName], AvatarURL: f[FieldProviderAvatar]}
	c.DisplayMeta.Customer = model.Profile{Name: f[FieldCustomerName], AvatarURL: f[FieldCustomerAvatar]}
	return c, nil
}

func parseTime(f map[string]string, name string, required bool) (time.Time, error) {
	v := f[name]
	if v == "" {
		if required {
			return time.Time{}, fmt.Errorf("missing field %s", name)
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", name, err)
	}
	return t, nil
}

func parseCounter(f map[string]string, name string) (int, error) {
	v, ok := f[name]
	if !ok || v == "" {
		return 0, fmt.Errorf("missing field %s", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("field %s: negative counter %d", name, n)
	}
	return n, nil
}

// messageDocument is the stored body of a message log entry.
type messageDocument struct {
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	ClientID       string `json:"client_id"`
}

// EncodeMessage returns the stored body of msg. Identity and timing are
// assigned by the log and are not part of the body.
func EncodeMessage(msg model.Message) ([]byte, error) {
	data, err := json.Marshal(messageDocument{
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		ClientID:       msg.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage validates rec and converts it to a persisted Message.
func DecodeMessage(rec MessageRecord) (model.Message, error) {
	key := strconv.FormatUint(rec.Sequence, 10)
	fail := func(err error) (model.Message, error) {
		return model.Message{}, &model.SerializationError{Kind: "message", Key: key, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(rec.Data))
	dec.DisallowUnknownFields()
	var doc messageDocument
	if err := dec.Decode(&doc); err != nil {
		return fail(err)
	}
	switch {
	case doc.ConversationID == "":
		return fail(errors.New("missing conversation_id"))
	case doc.Sender == "":
		return fail(errors.New("missing sender"))
	case doc.ClientID == "":
		return fail(errors.New("missing client_id"))
	case rec.Time.IsZero():
		return fail(errors.New("missing server timestamp"))
	}

	return model.Message{
		ID:             key,
		ConversationID: doc.ConversationID,
		ClientID:       doc.ClientID,
		Sender:         doc.Sender,
		Content:        doc.Content,
		SentAt:         rec.Time,
		Sequence:       rec.Sequence,
		Status:         model.StatusSent,
	}, nil
}
