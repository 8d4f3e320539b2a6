// Package config handles configuration loading for relay-gateway.
//
// # Configuration File
//
// The path is taken from RELAY_CONFIG, or defaults to
// $XDG_CONFIG_HOME/agent-relay/gateway.yaml (~/.config when unset).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Only the ${VAR_NAME} form is expanded. Unset variables become "".
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_timeout: "90s"
//	  ping_interval: "25s"
//	  reconnect_delay: "3s"
//	api:
//	  dedupe_ttl: "5m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"     # ignored when tailscale is enabled
//	tailscale:
//	  enabled: false
//	  hostname: "relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: ""
//	  ephemeral: false
//	  https: false
//	database:
//	  path: "./relay.db"            # required
//	auth:
//	  jwt_secret: ""                # empty disables signed agent tokens
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text or json
//	metrics:
//	  enabled: false
//	  path: "/metrics"
package config
