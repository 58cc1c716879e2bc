package mqtt

import (
	"crypto/tls"
	"fmt"
	"math"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds a single connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval when none is configured.
	defaultKeepAlive = 60 * time.Second

	// defaultMaxDelay caps the reconnect backoff when none is configured.
	defaultMaxDelay = 60 * time.Second

	// backoffFactor doubles the delay after each failed attempt.
	backoffFactor = 2.0

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Role selects the retry policy of a connection.
type Role int

const (
	// RolePublisher bounds connection attempts and surfaces the final
	// failure to the caller.
	RolePublisher Role = iota

	// RoleConsumer retries until its context is cancelled; it carries the
	// platform's inbound liveness path.
	RoleConsumer
)

// String returns the role name used in logs.
func (r Role) String() string {
	if r == RoleConsumer {
		return "consumer"
	}
	return "publisher"
}

// clientIDFor returns the configured client ID for a role.
func clientIDFor(cfg config.MQTTConfig, role Role) string {
	if role == RoleConsumer {
		return cfg.Session.ConsumerClientID
	}
	return cfg.Session.PublisherClientID
}

// buildClientOptions creates paho MQTT options for one role.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Fixed client ID with CleanSession=false when sessions are persistent,
//     so the broker keeps subscriptions and queued QoS 1 messages across
//     reconnects
//   - Authentication credentials (if provided)
//   - Keepalive pings
//   - TLS configuration (if enabled)
//
// paho's own reconnect is disabled: Client drives reconnects with its
// capped backoff so both roles share one retry implementation.
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))

	opts.SetClientID(clientID)
	opts.SetCleanSession(!cfg.Session.Persistent)
	opts.SetOrderMatters(false)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout(cfg))

	keepAlive := defaultKeepAlive
	if cfg.KeepAlive > 0 {
		keepAlive = time.Duration(cfg.KeepAlive) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// connectTimeout returns the per-attempt connection timeout.
func connectTimeout(cfg config.MQTTConfig) time.Duration {
	if cfg.Reconnect.ConnectTimeout > 0 {
		return time.Duration(cfg.Reconnect.ConnectTimeout) * time.Second
	}
	return defaultConnectTimeout
}

// newBackoff returns the reconnect schedule: InitialDelay doubling up to
// MaxDelay, then MaxDelay forever. Attempt bounds are enforced by Client,
// not by the backoff.
func newBackoff(cfg config.MQTTReconnectConfig) wait.Backoff {
	initial := time.Duration(cfg.InitialDelay) * time.Second
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := time.Duration(cfg.MaxDelay) * time.Second
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return wait.Backoff{
		Duration: initial,
		Factor:   backoffFactor,
		Steps:    math.MaxInt32,
		Cap:      maxDelay,
	}
}

// configureLWT sets up Last Will and Testament for the connection's
// presence topic. The broker publishes it if the connection drops without
// a clean disconnect.
//
// Topic: devicelink/{client_id}/status
// QoS: 1
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect"}`,
		clientID,
	)
	opts.SetWill(Topics{}.ServiceStatus(clientID), willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string, now time.Time) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		now.UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string, now time.Time) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		now.UTC().Format(time.RFC3339),
	)
}
