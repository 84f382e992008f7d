// Package config handles configuration loading for the testcentric agency.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
// Agent processes are not configured here; they take everything from their
// command line.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	database:
//	  path: "${TESTCENTRIC_DATA}/agents.db"
//
// Unset variables expand to the empty string, which then picks up the default.
//
// # Duration Parsing
//
// Timeouts use Go's time.ParseDuration syntax:
//
//	agents:
//	  launch_timeout: "30s"
//	  stop_timeout: "10s"
//	  handshake_timeout: "5s"
//
// # Example
//
//	server:
//	  agent_addr: "127.0.0.1:0"
//	  http_addr: "127.0.0.1:8480"
//	  grpc_addr: "127.0.0.1:8481"
//	agents:
//	  executable: "/usr/local/bin/testcentric-agent"
//	  trace: "Info"
//	database:
//	  path: "/var/lib/testcentric/agents.db"
//	logging:
//	  level: "info"
//	  format: "json"
//	metrics:
//	  enabled: true
//
// The same settings in TOML:
//
//	[server]
//	agent_addr = "127.0.0.1:0"
//
//	[agents]
//	executable = "/usr/local/bin/testcentric-agent"
//	launch_timeout = "30s"
package config
