/*
Package log provides structured logging for CodeHub using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	wcLog := log.WithComponent("controller")
	wcLog.Info().Str("workspace_id", ws.ID).Msg("operation started")

The global logger is initialized once in main() before any other component
starts; every loop derives a child logger with its component name so log
lines are attributable without passing loggers through every call.
*/
package log
