// ABOUTME: Data types for the support relay: clients, messages, conversations
// ABOUTME: Defines the sentinel errors shared by the store and the relay engine

package store

import (
	"errors"
	"time"
)

// ErrInvalidMessage is returned when message text is empty after trimming or too long.
var ErrInvalidMessage = errors.New("invalid message")

// ErrUnknownClient is returned when no conversation exists for a client id.
var ErrUnknownClient = errors.New("unknown client")

// Client is an end-user chat participant. ConnectionID is empty while the
// client has no live connection; the record outlives disconnection.
type Client struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Online reports whether the client currently has a bound connection.
func (c Client) Online() bool {
	return c.ConnectionID != ""
}

// Message is a single chat message. Messages are immutable once created.
type Message struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	ClientID    string    `json:"clientId"`
	Timestamp   time.Time `json:"timestamp"`
	IsFromAgent bool      `json:"isFromAgent"`
}

// Conversation is the ordered message history and unread counter for one client.
// Values handed out by the store are snapshots; mutating them has no effect
// on the authoritative record.
type Conversation struct {
	ClientID string    `json:"clientId"`
	Messages []Message `json:"messages"`
	Unread   int       `json:"unread"`
}

// Snapshot is a full copy of store state, used to hydrate a store from an archive.
type Snapshot struct {
	Conversations []Conversation
	Clients       []Client
}
