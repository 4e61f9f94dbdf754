// Package config handles configuration loading for dm-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "24h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, event streams, websocket
//
// Database:
//
//	database:
//	  path: "/var/lib/dm/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${DM_JWT_SECRET}"  # Required
//	  token_ttl: "24h"                # Defaults to 24h
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/dm/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
