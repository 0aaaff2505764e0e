// Package relay is the protocol layer between clients, agents and the
// conversation store.
//
// # Events
//
// Client connections send register-user and user-message. Agent connections
// send register-agent, agent-message and get-client-conversations. The
// Engine validates each event, mutates the store and the session registry,
// and decides which connections receive which outbound events.
//
// # Ordering
//
// Every handler runs under one engine mutex. Outbound frames are queued on
// the transport (never written) while the mutex is held, so every agent sees
// the appends of a conversation in the same order and a slow connection can
// never stall intake.
//
// # Presence
//
// Presence broadcasts user-connected and user-disconnected to every agent.
// A failed send to one agent is logged and the broadcast continues.
package relay
