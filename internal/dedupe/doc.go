// Package dedupe suppresses redelivered inbound frames.
//
// The transport guarantees at-least-once delivery per connection, so a peer
// may resend a frame it did not see acknowledged. Frames that carry an id are
// checked here before the relay acts on them; a repeat within the TTL window
// is acknowledged without touching conversation state.
package dedupe
