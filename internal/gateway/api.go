// ABOUTME: HTTP API handlers exposing relay state to operators and tooling
// ABOUTME: Provides conversation snapshots and live counters as JSON

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Clients           int `json:"clients"`
	OnlineClients     int `json:"online_clients"`
	ClientConnections int `json:"client_connections"`
	Agents            int `json:"agents"`
	Connections       int `json:"connections"`
	Conversations     int `json:"conversations"`
	Messages          int `json:"messages"`
	Unread            int `json:"unread"`
}

// handleConversations handles GET /api/conversations.
// Returns the same payload an agent receives as existing-conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.engine.Snapshot())
}

// handleConversation handles GET /api/conversations/{clientId}.
// Reading a conversation here does not reset its unread counter.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	conv, ok := g.store.Get(clientID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("no conversation for client %q", clientID))
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	st := g.engine.Stats()
	g.sendJSON(w, http.StatusOK, StatsResponse{
		Clients:           st.Clients,
		OnlineClients:     st.OnlineClients,
		ClientConnections: st.ClientConnections,
		Agents:            st.Agents,
		Connections:       g.hub.Count(),
		Conversations:     st.Conversations,
		Messages:          st.Messages,
		Unread:            st.Unread,
	})
}

// handleHealth returns 200 OK while the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.AgentCount()
	if agents == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", agents)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
