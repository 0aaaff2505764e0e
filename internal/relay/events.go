// ABOUTME: Wire event names and payload types of the relay protocol
// ABOUTME: Shared by the engine, the presence notifier and the client simulator

package relay

import (
	"errors"

	"github.com/2389/support-relay/internal/store"
)

// Inbound events.
const (
	EventRegisterUser           = "register-user"
	EventRegisterAgent          = "register-agent"
	EventUserMessage            = "user-message"
	EventAgentMessage           = "agent-message"
	EventGetClientConversations = "get-client-conversations"
)

// Outbound events.
const (
	EventMessage               = "message"
	EventHistory               = "history"
	EventExistingConversations = "existing-conversations"
	EventUserConnected         = "user-connected"
	EventUserDisconnected      = "user-disconnected"
	EventNewUserMessage        = "new-user-message"
)

var (
	// ErrUnknownEvent is returned for events the relay does not handle.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrInvalidPayload is returned when event data cannot be decoded.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNotRegistered is returned when a client event arrives on a
	// connection that has not sent register-user.
	ErrNotRegistered = errors.New("connection not registered as client")

	// ErrNotAgent is returned when an agent event arrives on a connection
	// that has not sent register-agent.
	ErrNotAgent = errors.New("connection not registered as agent")

	// ErrAgentNotAllowed is returned when a peer without agent rights sends
	// register-agent.
	ErrAgentNotAllowed = errors.New("agent role not allowed on this connection")

	// ErrClientMismatch is returned when a user-message names a client id
	// other than the one bound to the connection.
	ErrClientMismatch = errors.New("client id does not match registration")
)

// RegisterUserPayload is the data of register-user.
type RegisterUserPayload struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
}

// MessagePayload is the data of user-message and agent-message.
type MessagePayload struct {
	ClientID string `json:"clientId"`
	Text     string `json:"text"`
}

// ClientRef is the data of get-client-conversations and user-disconnected.
type ClientRef struct {
	ClientID string `json:"clientId"`
}

// ExistingConversations is the snapshot sent to an agent on registration.
type ExistingConversations struct {
	Conversations []store.Conversation `json:"conversations"`
	Clients       []store.Client       `json:"clients"`
}

// UserConnected announces a registered client to agents.
type UserConnected struct {
	ClientID     string             `json:"clientId"`
	Name         string             `json:"name"`
	Conversation store.Conversation `json:"conversation"`
}

// NewUserMessage carries the updated conversation after a client message.
type NewUserMessage struct {
	Conversation store.Conversation `json:"conversation"`
}

// History is sent to a client connection after register-user so it can
// replace any optimistic local copy with the authoritative sequence.
type History struct {
	ClientID string          `json:"clientId"`
	Messages []store.Message `json:"messages"`
}

// AckResult is the acknowledgment payload for every event.
type AckResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
