package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-pandabreath/internal/bridges/pandabreath"
	"github.com/nerrad567/gray-logic-pandabreath/internal/history"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Chamber is the heater view the API reads. *pandabreath.Heater satisfies it.
type Chamber interface {
	Status() pandabreath.Status
	QueueEvictions() uint64
}

// TargetSetter applies a target on behalf of a caller.
// *pandabreath.Bridge satisfies it.
type TargetSetter interface {
	SetTarget(ctx context.Context, degrees float64, source string) error
}

// HistoryReader serves recent readings and commands.
// *history.Repository satisfies it.
type HistoryReader interface {
	Readings(ctx context.Context, deviceID string, limit int) ([]history.Reading, error)
	Commands(ctx context.Context, deviceID string, limit int) ([]history.Command, error)
}

// BusStatus reports Gray Logic bus connectivity. *mqtt.Client satisfies it.
type BusStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	DeviceID string
	Version  string

	Chamber   Chamber
	Targets   TargetSetter
	Transport pandabreath.TransportMonitor

	// Optional.
	History HistoryReader
	Bus     BusStatus
}

// Server is the HTTP API for the chamber heater.
//
// It serves REST endpoints under /api/v1 and a WebSocket feed of status
// changes. Create with New, then Start.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	deviceID  string
	version   string
	chamber   Chamber
	targets   TargetSetter
	transport pandabreath.TransportMonitor
	history   HistoryReader
	bus       BusStatus

	hub      *Hub
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Chamber == nil {
		return nil, errors.New("chamber is required")
	}
	if deps.Targets == nil {
		return nil, errors.New("target setter is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		deviceID:  deps.DeviceID,
		version:   deps.Version,
		chamber:   deps.Chamber,
		targets:   deps.Targets,
		transport: deps.Transport,
		history:   deps.History,
		bus:       deps.Bus,
		hub:       NewHub(deps.Config.WebSocket, deps.Logger),
	}, nil
}

// Hub returns the live feed hub so heater updates can be broadcast.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in a background goroutine. A bind
// failure (port in use) is returned here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("api listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("API server listening", "address", ln.Addr().String(), "tls", s.cfg.TLS.Enabled)

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the feed and waits up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
