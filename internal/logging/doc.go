// Package logging provides structured logging for the iotgate server.
//
// This package wraps a zap logger with package-level convenience functions so
// that the event loop, the connection state machine and the CLI all log through
// the same configured core.
//
// # Log Levels
//
//   - Debug: frame hex dumps, replay window decisions, partial writes
//   - Info: accepted/closed connections, device identification, frames
//   - Warn: rejected frames, malformed outbound entries, accept retries
//   - Error: listener failure, store errors
//
// # Configuration
//
// Initialize logging at startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// An empty level falls back to IOTGATE_LOG_LEVEL; when that is unset too the
// logger is a no-op, which keeps CLI subcommands quiet by default.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use.
package logging
