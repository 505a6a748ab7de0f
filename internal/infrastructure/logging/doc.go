// Package logging provides structured logging for Homecore.
//
// It wraps log/slog so every subsystem logs the same way:
//
//   - JSON output for production, text output for development
//   - Default fields (service, version) on all records
//   - Level-based filtering (debug, info, warn, error)
//
// Configuration lives in the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	bus := event.NewBus(event.BusConfig{Logger: logger.Component("bus")})
//
// Never log secrets, tokens or passwords.
package logging
