/*
Package log provides structured logging for all shelf components.

It is a thin wrapper around zerolog. Init configures the global logger
once at daemon start; components derive child loggers carrying stable
identifying fields:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("family", "tape").Msg("scheduler started")

Interactive runs (-i) get human-readable console output; daemonized runs
emit JSON, one event per line, suitable for log shippers.
*/
package log
