/*
Package log provides structured logging for contain using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and are written to
stderr so they never interleave with a container's stdout.

# Usage

Initialize once at process start, then derive component loggers:

	log.Init(log.Config{Level: log.InfoLevel})

	logger := log.WithComponent("lifecycle")
	logger.Info().Str("container_id", id).Msg("container started")

Console output (human-readable) is the default; pass JSONOutput for
machine-parseable logs.
*/
package log
