// Package config handles configuration loading for town-warden.
//
// # Overview
//
// The daemon reads one YAML file with environment variable expansion, plus
// a separate JSONC fleet document listing the supervised towns. Both are
// loaded once at startup; fleet edits require a daemon restart.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOWN_WARDEN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/town-warden/warden.yaml
//  3. ~/.config/town-warden/warden.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	multiaccount:
//	  token_secret: "${WARDEN_LINK_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to empty strings and are
// caught by validation when the field is required.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	supervision:
//	  poll_interval: "20s"
//	  retry_window: "3m"
//
// # Configuration Sections
//
// Listeners:
//
//	server:
//	  ops_addr: "127.0.0.1:7070"     # ops HTTP API
//	  bridge_addr: "127.0.0.1:7171"  # inbound bridge connections
//
// Database:
//
//	database:
//	  path: "/var/lib/town-warden/warden.db"
//
// Supervision knobs (fleet-wide; towns override restart_period and flags
// in the fleet document):
//
//	supervision:
//	  poll_interval: "20s"
//	  poll_timeout: "5s"
//	  unresponsive_at: 3   # consecutive failures before unresponsive
//	  dead_at: 5           # consecutive failures before dead
//	  retry_budget: 3
//	  retry_window: "3m"
//
// Multi-account link:
//
//	multiaccount:
//	  enabled: true
//	  addr: "mahost:9300"
//	  name: "warden-east"
//	  token_secret: "${WARDEN_LINK_SECRET}"
//	  staleness_grace: "90s"
//
// Tailscale (optional ops listener):
//
//	tailscale:
//	  enabled: false
//	  hostname: "town-warden"
//	  auth_key: "${TS_AUTHKEY}"
//
// # Fleet Document
//
// towns_file points at a JSONC array of town entries; see LoadTowns. JSONC
// keeps operators' inline comments legal.
//
// # Validation
//
// Load() fails with a field-identifying error on the first problem: missing
// database path, inverted thresholds, enabled multi-account without a
// secret, malformed durations. LoadTowns() does the same per fleet entry.
package config
