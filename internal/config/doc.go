// Package config handles configuration loading for support-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package provides validation and defaults for every relay
// setting.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from SUPPORT_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/support-relay/relay.yaml
//  3. ~/.config/support-relay/relay.yaml
//
// Files ending in .toml are decoded with BurntSushi/toml; anything else is
// YAML. "support-relay init" writes the Starter template.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SUPPORT_RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string. SUPPORT_RELAY_DB_PATH, when
// set, replaces database.path after parsing.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  write_timeout: "10s"
//	  ping_interval: "30s"
//	  replay_ttl: "5m"
//
// # Sections
//
//   - server: http_addr (required unless tailscale), grpc_addr (optional)
//   - tailscale: tsnet node; replaces server addresses when enabled
//   - database: path of the SQLite archive; empty keeps state in memory
//   - auth: jwt_secret for agent tokens; empty disables agent auth
//   - relay: outbound queue size, timeouts, size limits, redelivery window,
//     allowed browser origins
//   - logging: level (debug, info, warn, error) and format (text, json)
package config
