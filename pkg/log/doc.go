// Package log provides structured event logging for the statehub client.
//
// This package defines the Logger interface and Event types for capturing
// client-level events: connection lifecycle, request and push traffic,
// token lifecycle actions, and errors. It is separate from operational
// logging (slog) - event capture provides a complete machine-readable
// trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.EventLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.EventLogger, _ = log.NewFileLogger("/var/log/statehub/client.slog")
//
//	// Both: use MultiLogger
//	cfg.EventLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    log.NewFileLogger("/var/log/statehub/client.slog"),
//	)
//
// # Event Types
//
// Each event carries at most one typed payload:
//   - MessageEvent: outbound requests, replies, inbound push notifications
//   - StateChangeEvent: connection and session state transitions
//   - TokenEvent: token refresh scheduling, lease activity, propagation
//   - ErrorEventData: errors at any layer
//
// # File Format
//
// Log files use CBOR encoding with integer keys for compactness.
// Reader decodes captured files back into Events.
package log
