// Package logging provides structured logging for the BenQ bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the bridge and the CLI.
//
// # Features
//
//   - JSON output for the bridge service (machine-parsable)
//   - Text output for interactive use (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	projector.SetLogger(logger.Component("projector"))
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
