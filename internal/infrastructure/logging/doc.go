// Package logging is devicelink's structured logger, a thin layer over a
// zap SugaredLogger.
//
// Every entry carries service=devicelink and the build version. Call sites
// pass alternating key/value pairs, which lets the broker, registry and
// liveness packages accept any logger with the same four methods:
//
//	log := logging.New(cfg.Logging, version)
//	log.Info("device discovered", "device_id", id, "display_name", name)
//	log.Warn("command delivery failed", "device_id", id, "reason", reason)
//
// logging.format selects json (production) or text (console encoder);
// logging.level filters debug, info, warn or error. Broker passwords and
// bot tokens must never appear as values.
package logging
