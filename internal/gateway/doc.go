// Package gateway orchestrates the support-relay server components.
//
// # Overview
//
// The gateway package is the central coordinator of the relay. It owns and
// wires all major components: the conversation store and its optional
// SQLite archive, the session registry, the relay engine, the WebSocket hub,
// the redelivery cache and the gRPC health server.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run listens on plain TCP, or on a tsnet node when tailscale.enabled is set.
// On cancellation it calls Shutdown with a fresh five second deadline. The
// shutdown order is: health NOT_SERVING, close live sockets (each fires its
// disconnect), stop HTTP and gRPC, drain the archive recorder, close the
// archive.
//
// # HTTP Routes
//
//   - GET /ws: client socket. Carries agent rights when auth is disabled or
//     a valid agent token is presented.
//   - GET /ws/agent: agent socket, token required when auth.jwt_secret is set
//   - GET /health: liveness
//   - GET /health/ready: 200 once at least one agent is registered
//   - GET /api/conversations: snapshot of all conversations and clients
//   - GET /api/conversations/{clientId}: one conversation (does not mark viewed)
//   - GET /api/stats: live counters
//
// # gRPC
//
// The standard grpc.health.v1 service. The empty service name reports the
// process; "support.relay.agents" is SERVING only while an agent is
// registered.
package gateway
