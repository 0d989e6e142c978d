package registry

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// Separator joins the two sorted participant identifiers of a conversation ID.
const Separator = "_"

// ValidateParticipantID checks that id can be part of a conversation ID.
// Identifiers may not contain the separator, whitespace, or the NATS
// subject metacharacters, which keeps IDs reversible and usable as
// subject tokens.
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty identifier", model.ErrInvalidParticipants)
	}
	if strings.ContainsAny(id, Separator+".*> \t\r\n") {
		return fmt.Errorf("%w: identifier %q contains a reserved character", model.ErrInvalidParticipants, id)
	}
	return nil
}

// GenerateID returns the conversation ID of the unordered pair {a, b}:
// the two identifiers sorted lexicographically and joined by Separator.
// GenerateID(a, b) == GenerateID(b, a) for every valid pair.
func GenerateID(a, b string) (string, error) {
	if a == b {
		return "", fmt.Errorf("%w: both parties are %q", model.ErrInvalidParticipants, a)
	}
	if err := ValidateParticipantID(a); err != nil {
		return "", err
	}
	if err := ValidateParticipantID(b); err != nil {
		return "", err
	}
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// ParseID splits a conversation ID into its two identifiers, in sorted
// order. It rejects anything GenerateID could not have produced.
func ParseID(id string) (string, string, error) {
	a, b, ok := strings.Cut(id, Separator)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed conversation id %q", model.ErrInvalidParticipants, id)
	}
	canonical, err := GenerateID(a, b)
	if err != nil {
		return "", "", err
	}
	if canonical != id {
		return "", "", fmt.Errorf("%w: conversation id %q is not canonical", model.ErrInvalidParticipants, id)
	}
	return a, b, nil
}

// ParticipantsFor resolves the participants of conversationID as seen by
// a caller acting as role. The caller must be one of the two parties.
func ParticipantsFor(conversationID, userID string, role model.Role) (model.Participants, error) {
	a, b, err := ParseID(conversationID)
	if err != nil {
		return model.Participants{}, err
	}
	var peer string
	switch userID {
	case a:
		peer = b
	case b:
		peer = a
	default:
		return model.Participants{}, model.ErrNotParticipant
	}
	if role == model.RoleProvider {
		return model.Participants{Provider: userID, Customer: peer}, nil
	}
	return model.Participants{Provider: peer, Customer: userID}, nil
}
