package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

const (
	dialTimeout  = 10 * time.Second
	probeTimeout = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

// Client is the telemetry and connectivity sink backed by InfluxDB v2.
//
// Points go through the library's batching WriteAPI, so every Write* call
// returns immediately. Delivery failures surface later on the error
// callback and in WriteErrors.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	closed  atomic.Bool
	written atomic.Int64
	failed  atomic.Int64

	cbMu    sync.RWMutex
	onError func(err error)

	drained chan struct{}
}

// Connect opens the sink described by cfg and verifies the server answers
// a ping. It returns ErrDisabled when the sink is switched off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize, flushSeconds := batchSettings(cfg)
	// #nosec G115 -- batchSettings only returns positive values
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).
		SetFlushInterval(uint((time.Duration(flushSeconds) * time.Second).Milliseconds()))

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	return newClient(client, client.WriteAPI(cfg.Org, cfg.Bucket)), nil
}

// newClient wires a write API to a sink and starts draining its error channel.
func newClient(client influxdb2.Client, writeAPI api.WriteAPI) *Client {
	c := &Client{
		client:   client,
		writeAPI: writeAPI,
		drained:  make(chan struct{}),
	}
	go c.drainErrors(writeAPI.Errors())
	return c
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// batchSettings returns positive batch size and flush interval (seconds).
func batchSettings(cfg config.InfluxDBConfig) (batchSize, flushInterval int) {
	batchSize, flushInterval = cfg.BatchSize, cfg.FlushInterval
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return batchSize, flushInterval
}

func (c *Client) drainErrors(errs <-chan error) {
	defer close(c.drained)
	if errs == nil {
		return
	}
	for err := range errs {
		c.failed.Add(1)

		c.cbMu.RLock()
		cb := c.onError
		c.cbMu.RUnlock()
		if cb != nil {
			cb(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// SetOnError registers the callback for asynchronous write failures.
// Errors passed to it wrap ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	c.cbMu.Lock()
	c.onError = callback
	c.cbMu.Unlock()
}

// IsConnected reports whether the sink still accepts points.
// It does not probe the server; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points have been sent. No-op once closed.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// WriteErrors returns how many batches the server rejected or never received.
func (c *Client) WriteErrors() int64 {
	return c.failed.Load()
}

// Close flushes pending points and releases the client. Subsequent writes
// are dropped. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	if c.client != nil {
		// Closing the client closes the write API and its error channel.
		c.client.Close()
		<-c.drained
	}
	return nil
}
