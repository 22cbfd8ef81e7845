// Package logging provides structured logging for the Panda Breath bridge.
//
// It wraps log/slog with the service defaults every entry carries
// (service, version) and a level taken from configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	transport, err := pandabreath.NewTransport(tcfg, heater.Handlers(), logger.Component("transport"))
//
// Never log broker passwords or the InfluxDB token.
package logging
