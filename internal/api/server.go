package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rnrsolutions/devicelink/internal/command"
	"github.com/rnrsolutions/devicelink/internal/device"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/logging"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/mqtt"
	"github.com/rnrsolutions/devicelink/internal/ingest"
	"github.com/rnrsolutions/devicelink/internal/liveness"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by every component whose reachability is
// reported on /health (database, broker connections, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionReporter exposes an MQTT connection's session state.
type SessionReporter interface {
	Session() mqtt.Session
}

// IngestStats exposes ingestion counters.
type IngestStats interface {
	Stats() ingest.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Registry  *device.Registry
	Publisher *command.Publisher
	Liveness  *liveness.Tracker
	Ingest    IngestStats       // optional
	Sessions  []SessionReporter // optional, one per MQTT connection
	Checks    map[string]HealthChecker
	Version   string
}

// Server is the operator HTTP API server.
//
// It manages the HTTP listener, routes, and middleware.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	registry  *device.Registry
	publisher *command.Publisher
	liveness  *liveness.Tracker
	ingest    IngestStats
	sessions  []SessionReporter
	checks    map[string]HealthChecker
	version   string
	startTime time.Time
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("command publisher is required")
	}
	if deps.Liveness == nil {
		return nil, fmt.Errorf("liveness tracker is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		registry:  deps.Registry,
		publisher: deps.Publisher,
		liveness:  deps.Liveness,
		ingest:    deps.Ingest,
		sessions:  deps.Sessions,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
