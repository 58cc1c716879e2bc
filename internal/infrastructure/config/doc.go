// Package config loads devicelink's settings.
//
// Values are layered: built-in defaults, then configs/config.yaml (or the
// file named by DEVICELINK_CONFIG), then an optional .env file, then
// DEVICELINK_* environment variables. Validate runs last and rejects
// settings the brokers or the liveness tracker could not honour, such as
// a sweep interval longer than the offline threshold.
//
// Secrets (MQTT password, AMQP URL credentials, Telegram bot token,
// InfluxDB token) are expected from the environment rather than the YAML.
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//	threshold := cfg.OfflineThreshold()
package config
