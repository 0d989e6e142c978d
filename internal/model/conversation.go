// Package model defines data structures for the conversation sync core.
package model

import (
	"time"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleProvider Role = "provider"
	RoleCustomer Role = "customer"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleCustomer
}

// Opposite returns the other role of a two-party conversation.
func (r Role) Opposite() Role {
	if r == RoleProvider {
		return RoleCustomer
	}
	return RoleProvider
}

// Participants holds the identifiers of both parties.
type Participants struct {
	Provider string `json:"provider"`
	Customer string `json:"customer"`
}

// RoleOf returns the role of userID, or false if userID is not a participant.
func (p Participants) RoleOf(userID string) (Role, bool) {
	switch userID {
	case p.Provider:
		return RoleProvider, true
	case p.Customer:
		return RoleCustomer, true
	}
	return "", false
}

// ID returns the participant identifier for role.
func (p Participants) ID(role Role) string {
	if role == RoleProvider {
		return p.Provider
	}
	return p.Customer
}

// LastMessage is the denormalized preview of the newest message.
// ClientID identifies the message it was taken from; stores use it to
// apply each message to the counters at most once.
type LastMessage struct {
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
	SentBy   string    `json:"sent_by"`
	ClientID string    `json:"client_id,omitempty"`
}

// Counters holds per-role unread counts.
type Counters struct {
	ProviderUnread int `json:"provider_unread"`
	CustomerUnread int `json:"customer_unread"`
}

// Get returns the unread count of role.
func (c Counters) Get(role Role) int {
	if role == RoleProvider {
		return c.ProviderUnread
	}
	return c.CustomerUnread
}

// Profile is the display information a party shows to the other.
type Profile struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayMeta is denormalized profile data for list rendering.
type DisplayMeta struct {
	Provider Profile `json:"provider"`
	Customer Profile `json:"customer"`
}

// Of returns the profile stored for role.
func (d DisplayMeta) Of(role Role) Profile {
	if role == RoleProvider {
		return d.Provider
	}
	return d.Customer
}

// Conversation is the persistent two-party thread.
type Conversation struct {
	ID           string       `json:"id"`
	Participants Participants `json:"participants"`
	LastMessage  LastMessage  `json:"last_message"`
	Counters     Counters     `json:"counters"`
	DisplayMeta  DisplayMeta  `json:"display_meta"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ConversationView is a conversation as rendered in a user's list.
type ConversationView struct {
	ID          string      `json:"id"`
	ViewerRole  Role        `json:"viewer_role"`
	PeerID      string      `json:"peer_id"`
	PeerName    string      `json:"peer_name,omitempty"`
	PeerAvatar  string      `json:"peer_avatar,omitempty"`
	LastMessage LastMessage `json:"last_message"`
	Unread      int         `json:"unread"`
}

// ViewFor projects c for userID. ok is false if userID is not a participant.
func (c Conversation) ViewFor(userID string) (ConversationView, bool) {
	role, ok := c.Participants.RoleOf(userID)
	if !ok {
		return ConversationView{}, false
	}
	peer := role.Opposite()
	meta := c.DisplayMeta.Of(peer)
	return ConversationView{
		ID:          c.ID,
		ViewerRole:  role,
		PeerID:      c.Participants.ID(peer),
		PeerName:    meta.Name,
		PeerAvatar:  meta.AvatarURL,
		LastMessage: c.LastMessage,
		Unread:      c.Counters.Get(role),
	}, true
}
