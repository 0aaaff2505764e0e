// Package auth authenticates agent connections to the support relay.
//
// Clients are anonymous: any caller may claim any client id. Agents are
// operators and, when auth.jwt_secret is configured, must present an HS256
// JWT minted by "support-relay token". Tokens carry:
//
//   - sub: operator name, logged as the principal
//   - role: always "agent"
//   - iat / exp: issue and optional expiry time
//
// # HTTP
//
//	AgentMiddleware(verifier)         // 401 unless a valid token is present
//	OptionalAgentMiddleware(verifier) // attaches identity when present
//
// The token is read from "Authorization: Bearer <jwt>" or, for browser
// WebSocket handshakes that cannot set headers, the "token" query parameter.
// Handlers read the identity with FromContext.
package auth
