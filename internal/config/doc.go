// Package config handles configuration loading for opencode-web.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every field has a default, so a missing file is not an error.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from OPENCODE_WEB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/opencode-web/broker.yaml
//  3. ~/.config/opencode-web/broker.yaml
//
// Files ending in .toml are decoded as TOML.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	instances:
//	  heartbeat_interval: "10s"
//	  stale_after: "30s"
//	  start_timeout: "10s"
//	  stop_timeout: "10s"
//	  poll_interval: "200ms"
//
// stale_after must be at least twice heartbeat_interval.
//
// # Broker
//
//	broker:
//	  host: "127.0.0.1"
//	  ports: [13943, 14839, 18503, 19304, 20197]
//
// The host must be a loopback address. The port list is a deployment contract
// with the browser UI, which probes the same ports.
package config
