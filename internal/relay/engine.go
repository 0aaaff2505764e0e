// ABOUTME: Relay Engine interpreting inbound events from client and agent connections
// ABOUTME: Serialises all mutations under one mutex and computes outbound targets

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/support-relay/internal/dedupe"
	"github.com/2389/support-relay/internal/session"
	"github.com/2389/support-relay/internal/store"
	"github.com/2389/support-relay/internal/transport"
)

// ConversationStore is what the engine needs from the conversation store.
type ConversationStore interface {
	GetOrCreate(clientID string) store.Conversation
	Get(clientID string) (store.Conversation, bool)
	AppendMessage(clientID, text string, isFromAgent bool) (store.Message, error)
	MarkViewed(clientID string) (store.Conversation, error)
	SnapshotAll() ([]store.Conversation, []store.Client)
	Stats() store.Stats
}

// AgentObserver is told the number of connected agents whenever it changes.
type AgentObserver interface {
	AgentsChanged(count int)
}

// Options configures an Engine.
type Options struct {
	// Dedupe suppresses redelivered frames. Optional.
	Dedupe *dedupe.Cache

	// Observer is notified of agent count changes. Optional.
	Observer AgentObserver

	Logger *slog.Logger
}

// Engine routes events between clients and agents.
type Engine struct {
	mu       sync.Mutex
	store    ConversationStore
	registry *session.Registry
	sender   Sender
	presence *Presence
	dedupe   *dedupe.Cache
	observer AgentObserver
	logger   *slog.Logger
}

// NewEngine creates an engine. The sender may be nil and attached later
// with SetSender, before any connection is served.
func NewEngine(st ConversationStore, registry *session.Registry, sender Sender, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: registry,
		sender:   sender,
		presence: NewPresence(registry, sender, logger),
		dedupe:   opts.Dedupe,
		observer: opts.Observer,
		logger:   logger.With("component", "relay"),
	}
}

// SetSender attaches the transport used for outbound events.
func (e *Engine) SetSender(sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = sender
	e.presence.sender = sender
}

// HandleEvent implements transport.Handler.
func (e *Engine) HandleEvent(_ context.Context, peer transport.Peer, frame transport.Frame, ack transport.AckFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.With("conn_id", peer.ID, "event", frame.Event)

	guarded := e.dedupe != nil && mutating(frame.Event)
	if guarded && e.dedupe.Check(peer.ID, frame.ID) {
		logger.Debug("duplicate frame ignored", "frame_id", frame.ID)
		ack(AckResult{Success: true})
		return
	}

	var (
		data any
		err  error
	)
	switch frame.Event {
	case EventRegisterUser:
		data, err = e.registerUser(peer, frame.Data, logger)
	case EventRegisterAgent:
		data, err = e.registerAgent(peer, logger)
	case EventUserMessage:
		data, err = e.userMessage(peer, frame.Data, logger)
	case EventAgentMessage:
		data, err = e.agentMessage(peer, frame.Data, logger)
	case EventGetClientConversations:
		data, err = e.getClientConversations(peer, frame.Data)
	default:
		err = ErrUnknownEvent
	}

	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			logger.Debug("unknown event")
		} else {
			logger.Warn("event rejected", "error", err)
		}
		ack(AckResult{Success: false, Error: err.Error()})
		return
	}
	// Mark after success so a rejected frame can be retried with the same id.
	if guarded {
		e.dedupe.Mark(peer.ID, frame.ID)
	}
	ack(AckResult{Success: true, Data: data})
}

// HandleDisconnect implements transport.Handler. Safe to call repeatedly.
func (e *Engine) HandleDisconnect(peer transport.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dedupe != nil {
		e.dedupe.Forget(peer.ID)
	}

	dep, ok := e.registry.Unregister(peer.ID)
	if !ok {
		return
	}

	switch dep.Role {
	case session.RoleClient:
		if dep.LastBinding {
			e.presence.ClientDisconnected(dep.ClientID)
		}
	case session.RoleAgent:
		e.notifyObserver()
	}
}

// mutating reports whether replaying event would change state. Read-only
// and idempotent events are always processed so a retry gets a real answer.
func mutating(event string) bool {
	switch event {
	case EventRegisterUser, EventUserMessage, EventAgentMessage:
		return true
	default:
		return false
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (e *Engine) registerUser(peer transport.Peer, raw json.RawMessage, logger *slog.Logger) (any, error) {
	var p RegisterUserPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	client, err := e.registry.RegisterClient(peer.ID, p.ClientID, p.Name)
	if errors.Is(err, session.ErrDuplicateRegistration) {
		logger.Info("duplicate registration ignored", "client_id", client.ID)
		return e.store.GetOrCreate(client.ID), nil
	}
	if err != nil {
		return nil, err
	}

	conv := e.store.GetOrCreate(client.ID)
	e.presence.ClientConnected(client, conv)
	e.send(peer.ID, EventHistory, History{ClientID: client.ID, Messages: conv.Messages})
	return conv, nil
}

func (e *Engine) registerAgent(peer transport.Peer, logger *slog.Logger) (any, error) {
	if !peer.AgentAllowed {
		return nil, ErrAgentNotAllowed
	}
	if _, err := e.registry.RegisterAgent(peer.ID); err != nil {
		return nil, err
	}

	convs, clients := e.store.SnapshotAll()
	e.send(peer.ID, EventExistingConversations, ExistingConversations{
		Conversations: convs,
		Clients:       clients,
	})
	e.notifyObserver()

	logger.Debug("agent synced", "conversations", len(convs), "clients", len(clients))
	return nil, nil
}

func (e *Engine) userMessage(peer transport.Peer, raw json.RawMessage, logger *slog.Logger) (any, error) {
	var p MessagePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	role, clientID := e.registry.RoleOf(peer.ID)
	if role != session.RoleClient {
		return nil, ErrNotRegistered
	}
	if p.ClientID != "" && p.ClientID != clientID {
		return nil, fmt.Errorf("%w: got %q", ErrClientMismatch, p.ClientID)
	}

	msg, err := e.store.AppendMessage(clientID, p.Text, false)
	if err != nil {
		return nil, err
	}

	// Echo to every tab of the client so all of them render the stored copy.
	for _, connID := range e.registry.ClientConnections(clientID) {
		e.send(connID, EventMessage, msg)
	}

	conv, _ := e.store.Get(clientID)
	e.presence.Broadcast(EventNewUserMessage, NewUserMessage{Conversation: conv})

	logger.Debug("client message relayed", "client_id", clientID, "message_id", msg.ID, "unread", conv.Unread)
	return msg, nil
}

func (e *Engine) agentMessage(peer transport.Peer, raw json.RawMessage, logger *slog.Logger) (any, error) {
	role, _ := e.registry.RoleOf(peer.ID)
	if role != session.RoleAgent {
		return nil, ErrNotAgent
	}

	var p MessagePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	if _, ok := e.store.Get(p.ClientID); !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownClient, p.ClientID)
	}

	msg, err := e.store.AppendMessage(p.ClientID, p.Text, true)
	if err != nil {
		return nil, err
	}

	conns := e.registry.ClientConnections(p.ClientID)
	if len(conns) == 0 {
		logger.Info("client offline, message kept in history",
			"client_id", p.ClientID,
			"message_id", msg.ID)
		return msg, nil
	}
	for _, connID := range conns {
		e.send(connID, EventMessage, msg)
	}
	return msg, nil
}

func (e *Engine) getClientConversations(peer transport.Peer, raw json.RawMessage) (any, error) {
	role, _ := e.registry.RoleOf(peer.ID)
	if role != session.RoleAgent {
		return nil, ErrNotAgent
	}

	var p ClientRef
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	conv, err := e.store.MarkViewed(p.ClientID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// send queues one event and logs a failure. Failures never abort the caller.
func (e *Engine) send(connID, event string, payload any) {
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(connID, event, payload); err != nil {
		e.logger.Warn("send failed", "conn_id", connID, "event", event, "error", err)
	}
}

func (e *Engine) notifyObserver() {
	if e.observer != nil {
		e.observer.AgentsChanged(e.registry.AgentCount())
	}
}

// Stats combines store and registry counts.
type Stats struct {
	Clients           int `json:"clients"`
	OnlineClients     int `json:"online_clients"`
	ClientConnections int `json:"client_connections"`
	Agents            int `json:"agents"`
	Conversations     int `json:"conversations"`
	Messages          int `json:"messages"`
	Unread            int `json:"unread"`
}

// Stats returns a consistent view of relay counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.store.Stats()
	reg := e.registry.Stats()
	return Stats{
		Clients:           st.Clients,
		OnlineClients:     reg.OnlineClients,
		ClientConnections: reg.ClientConnections,
		Agents:            reg.Agents,
		Conversations:     st.Conversations,
		Messages:          st.Messages,
		Unread:            st.Unread,
	}
}

// Snapshot returns every conversation and client as of one point in time.
func (e *Engine) Snapshot() ExistingConversations {
	e.mu.Lock()
	defer e.mu.Unlock()

	convs, clients := e.store.SnapshotAll()
	return ExistingConversations{Conversations: convs, Clients: clients}
}
