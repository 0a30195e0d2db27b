// Package config handles configuration loading for coven-gatekeeper.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML. Unset limits get
// defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_GATEKEEPER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/gatekeeper.yaml
//  3. ~/.config/coven/gatekeeper.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  driver: "sqlite"                    # sqlite or postgres
//	  path: "/var/lib/coven/gatekeeper.db"
//	  dsn: "${DATABASE_URL}"              # postgres only
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"   # API callers; empty disables auth
//	  whitelist: ["alice", "ops-bot"]
//	  token_auth_enabled: true
//
//	rate_limit:
//	  requests_per_window: 10
//	  window: "60s"
//	  burst: 20
//	  idle_ttl: "10m"
//
//	sessions:
//	  max_per_user: 5
//	  idle_timeout: "30m"
//	  eviction: "lru"                     # lru or reject
//	  closed_retention: "1h"
//	  sweep_interval: "1m"
//
//	budget:
//	  cost_ceiling: "10.00"               # dollars; "0" is unlimited
//
//	audit:
//	  shards: 4
//	  queue_size: 1024
//	  write_timeout: "5s"
//
//	admission:
//	  replay_ttl: "5m"                    # "0s" disables replay
//	  replay_size: 10000
//
//	logging:
//	  level: "info"                       # debug, info, warn, error
//	  format: "text"                      # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
