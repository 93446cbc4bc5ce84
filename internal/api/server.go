// Package api provides the HTTP REST API and event streams for warpd.
//
// It exposes cell status, manual device commands, sequence control and
// two live event transports (Server-Sent Events and WebSocket) to
// operator interfaces.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/infrastructure/config"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
	"github.com/warpfluidics/warpd/internal/sequence"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Controller *cell.Controller
	Engine     *sequence.Engine
	Library    *sequence.Library
	Runs       sequence.Repository // may be nil; GET /runs then returns an empty list
	Bus        *broadcast.Broadcaster
	Version    string
}

// Server is the HTTP API server for warpd.
//
// It manages the HTTP listener, routes, middleware, the WebSocket hub
// and the SSE relay. The server is created with New() and started with
// Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	ctrl    *cell.Controller
	engine  *sequence.Engine
	library *sequence.Library
	runs    sequence.Repository
	bus     *broadcast.Broadcaster
	version string
	server  *http.Server
	hub     *Hub
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("cell controller is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("sequence engine is required")
	}
	if deps.Library == nil {
		return nil, fmt.Errorf("sequence library is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event broadcaster is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		logger:  deps.Logger,
		ctrl:    deps.Controller,
		engine:  deps.Engine,
		library: deps.Library,
		runs:    deps.Runs,
		bus:     deps.Bus,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, connects the hub to
// the event broadcaster and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation of background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)
	go s.relayEvents(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		// WriteTimeout stays unset: the SSE and WebSocket endpoints are
		// long-lived streams that manage their own deadlines.
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// relayEvents feeds broadcaster events into the WebSocket hub. SSE
// clients subscribe to the broadcaster directly in their handlers.
func (s *Server) relayEvents(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			s.hub.Broadcast(evt.Type, evt.Payload)
		}
	}
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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
