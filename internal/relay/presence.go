// ABOUTME: Presence notifier broadcasting client connect/disconnect to all agents
// ABOUTME: Each agent send is independent; one failure never aborts the rest

package relay

import (
	"log/slog"

	"github.com/2389/support-relay/internal/store"
)

// Sender queues an outbound event for one connection. It must not block.
type Sender interface {
	Send(connID, event string, payload any) error
}

// AgentDirectory lists the connections currently registered as agents.
type AgentDirectory interface {
	AllAgentConnections() []string
}

// Presence fans presence and conversation updates out to every agent.
type Presence struct {
	agents AgentDirectory
	sender Sender
	logger *slog.Logger
}

// NewPresence creates a notifier. Pass nil logger for default.
func NewPresence(agents AgentDirectory, sender Sender, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		agents: agents,
		sender: sender,
		logger: logger.With("component", "presence"),
	}
}

// ClientConnected tells every agent that a client registered.
func (p *Presence) ClientConnected(client store.Client, conv store.Conversation) int {
	return p.Broadcast(EventUserConnected, UserConnected{
		ClientID:     client.ID,
		Name:         client.Name,
		Conversation: conv,
	})
}

// ClientDisconnected tells every agent that a client's last connection closed.
func (p *Presence) ClientDisconnected(clientID string) int {
	return p.Broadcast(EventUserDisconnected, ClientRef{ClientID: clientID})
}

// Broadcast sends event to every agent connection and returns how many
// sends were accepted.
func (p *Presence) Broadcast(event string, payload any) int {
	if p.sender == nil {
		return 0
	}

	targets := p.agents.AllAgentConnections()
	delivered := 0
	for _, connID := range targets {
		if err := p.sender.Send(connID, event, payload); err != nil {
			p.logger.Warn("broadcast to agent failed",
				"conn_id", connID,
				"event", event,
				"error", err)
			continue
		}
		delivered++
	}

	p.logger.Debug("broadcast",
		"event", event,
		"agents", len(targets),
		"delivered", delivered)
	return delivered
}
