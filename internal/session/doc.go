// Package session tracks which live connections belong to clients and agents.
//
// # Bindings
//
// Every transport connection is bound to at most one role:
//
//   - client: bound to exactly one client id; a client may hold several
//     connections at once (one per browser tab)
//   - agent: anonymous operator connection; all agents see every conversation
//
// The Registry owns the connection bindings only. Client records (name,
// current connection id) live in the conversation store and are updated
// through the ClientDirectory interface, so a client survives disconnection.
//
// # Presence
//
// Unregister reports a Departure. LastBinding is set when a client's final
// connection goes away, which is the moment agents should be told the
// client is offline.
package session
