// ABOUTME: Session Registry binding transport connections to client and agent roles
// ABOUTME: Owns live bindings; delegates persistent client records to a ClientDirectory

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/2389/support-relay/internal/store"
)

// ErrDuplicateRegistration indicates the connection is already bound as a client.
var ErrDuplicateRegistration = errors.New("connection already registered")

// ErrRoleConflict indicates the connection is already bound to the other role.
var ErrRoleConflict = errors.New("connection already bound to another role")

// ErrInvalidRegistration indicates a registration with a missing client id or name.
var ErrInvalidRegistration = errors.New("invalid registration")

// Role is the part a connection plays in the relay.
type Role int

const (
	RoleNone Role = iota
	RoleClient
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleAgent:
		return "agent"
	default:
		return "none"
	}
}

// ClientDirectory stores client records on behalf of the registry.
// *store.MemoryStore satisfies it.
type ClientDirectory interface {
	UpsertClient(clientID, name, connID string) store.Client
	SetConnection(clientID, connID string)
	LookupClient(clientID string) (store.Client, bool)
}

// AgentSession is the ephemeral record of a registered agent connection.
type AgentSession struct {
	ConnectionID string
}

// Departure describes what Unregister removed.
type Departure struct {
	Role     Role
	ClientID string

	// LastBinding is true when a client's final live connection was removed.
	LastBinding bool
}

// Stats summarises live bindings.
type Stats struct {
	OnlineClients     int `json:"online_clients"`
	ClientConnections int `json:"client_connections"`
	Agents            int `json:"agents"`
}

type binding struct {
	role     Role
	clientID string
}

// Registry tracks live connection bindings.
type Registry struct {
	mu          sync.RWMutex
	bindings    map[string]binding  // connID -> binding
	clientConns map[string][]string // clientID -> connIDs, oldest first
	agents      map[string]struct{}

	directory ClientDirectory
	logger    *slog.Logger
}

// NewRegistry creates an empty registry backed by directory.
func NewRegistry(directory ClientDirectory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bindings:    make(map[string]binding),
		clientConns: make(map[string][]string),
		agents:      make(map[string]struct{}),
		directory:   directory,
		logger:      logger.With("component", "session"),
	}
}

// RegisterClient binds connID to clientID and upserts the client record.
// A reconnecting client is rebound without duplicating its record. A second
// registration on the same connection returns ErrDuplicateRegistration along
// with the client it is already bound to.
func (r *Registry) RegisterClient(connID, clientID, name string) (store.Client, error) {
	clientID = strings.TrimSpace(clientID)
	name = strings.TrimSpace(name)
	if clientID == "" {
		return store.Client{}, fmt.Errorf("%w: client id is required", ErrInvalidRegistration)
	}
	if name == "" {
		return store.Client{}, fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[connID]; ok {
		if b.role == RoleAgent {
			return store.Client{}, ErrRoleConflict
		}
		existing, _ := r.directory.LookupClient(b.clientID)
		return existing, ErrDuplicateRegistration
	}

	r.bindings[connID] = binding{role: RoleClient, clientID: clientID}
	r.clientConns[clientID] = append(r.clientConns[clientID], connID)
	client := r.directory.UpsertClient(clientID, name, connID)

	r.logger.Info("=== CLIENT CONNECTED ===",
		"client_id", clientID,
		"name", client.Name,
		"conn_id", connID,
		"client_connections", len(r.clientConns[clientID]),
	)
	return client, nil
}

// RegisterAgent adds connID to the agent set. Registering twice is a no-op.
func (r *Registry) RegisterAgent(connID string) (AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[connID]; ok {
		if b.role == RoleClient {
			return AgentSession{}, ErrRoleConflict
		}
		return AgentSession{ConnectionID: connID}, nil
	}

	r.bindings[connID] = binding{role: RoleAgent}
	r.agents[connID] = struct{}{}

	r.logger.Info("=== AGENT CONNECTED ===",
		"conn_id", connID,
		"total_agents", len(r.agents),
	)
	return AgentSession{ConnectionID: connID}, nil
}

// Unregister removes whatever binding connID holds. It returns false when
// the connection was not bound, so calling it twice is harmless.
func (r *Registry) Unregister(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[connID]
	if !ok {
		return Departure{}, false
	}
	delete(r.bindings, connID)

	switch b.role {
	case RoleAgent:
		delete(r.agents, connID)
		r.logger.Info("=== AGENT DISCONNECTED ===",
			"conn_id", connID,
			"total_agents", len(r.agents),
		)
		return Departure{Role: RoleAgent}, true

	default:
		conns := slices.DeleteFunc(r.clientConns[b.clientID], func(id string) bool { return id == connID })
		dep := Departure{Role: RoleClient, ClientID: b.clientID}
		if len(conns) == 0 {
			delete(r.clientConns, b.clientID)
			r.directory.SetConnection(b.clientID, "")
			dep.LastBinding = true
		} else {
			r.clientConns[b.clientID] = conns
			r.directory.SetConnection(b.clientID, conns[len(conns)-1])
		}

		r.logger.Info("=== CLIENT DISCONNECTED ===",
			"client_id", b.clientID,
			"conn_id", connID,
			"remaining_connections", len(conns),
		)
		return dep, true
	}
}

// LookupClient returns the client record for clientID.
func (r *Registry) LookupClient(clientID string) (store.Client, bool) {
	return r.directory.LookupClient(clientID)
}

// IsClientOnline reports whether clientID has at least one live connection.
func (r *Registry) IsClientOnline(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clientConns[clientID]) > 0
}

// ClientConnections returns the live connections of clientID, oldest first.
func (r *Registry) ClientConnections(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.clientConns[clientID])
}

// AllAgentConnections returns every agent connection id in sorted order.
func (r *Registry) AllAgentConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]string, 0, len(r.agents))
	for id := range r.agents {
		conns = append(conns, id)
	}
	slices.Sort(conns)
	return conns
}

// RoleOf returns the role bound to connID and, for clients, the client id.
func (r *Registry) RoleOf(connID string) (Role, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[connID]
	if !ok {
		return RoleNone, ""
	}
	return b.role, b.clientID
}

// AgentCount returns the number of registered agent connections.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Stats returns binding counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		OnlineClients: len(r.clientConns),
		Agents:        len(r.agents),
	}
	for _, conns := range r.clientConns {
		st.ClientConnections += len(conns)
	}
	return st
}
