// Package logging provides structured logging for flotilla with subsystem
// tagging and level filtering.
//
// The package wraps Go's standard slog with printf-style helpers that carry
// a subsystem identifier, so log output can be filtered by the component
// that produced it:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Gateway", "listening on %s:%d", host, port)
//	logging.Error("Backend", err, "deploy of %s failed", templateID)
//
// The global log level is taken from MCP_LOG_LEVEL when InitFromEnv is used.
//
// Subsystems in use: Bootstrap, Config, Registry, Processor, Backend,
// Deployer, Connection, Tools, Gateway, Health, Router.
package logging
