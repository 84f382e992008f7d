// ABOUTME: Server wires the agent listener, launcher, history store, HTTP API and gRPC health service
// ABOUTME: Runs every listener under one errgroup and shuts them down together

package agency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/testcentric-engine/internal/config"
	"github.com/2389/testcentric-engine/internal/logging"
	"github.com/2389/testcentric-engine/internal/metrics"
	"github.com/2389/testcentric-engine/internal/store"
)

// healthService is the gRPC health service name reported by the agency.
const healthService = "testcentric.Agency"

// Server is a running agency.
type Server struct {
	config    *config.Config
	manager   *Manager
	launcher  *Launcher
	transport *RemoteTransport
	store     store.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger

	agentLn    net.Listener
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates the agency from cfg. The agent listener is bound at once so
// AgencyURL is known before Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	trace, err := logging.ParseTraceLevel(cfg.Agents.Trace)
	if err != nil {
		return nil, fmt.Errorf("agents.trace: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = store.MemoryPath
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	manager := NewManager(ManagerConfig{
		Logger:           logger,
		Metrics:          m,
		Store:            st,
		HandshakeTimeout: cfg.Agents.HandshakeTimeout,
	})

	agentLn, err := manager.Listen(cfg.Server.AgentAddr)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	launcher := NewLauncher(manager, LauncherConfig{
		Executable:    cfg.Agents.Executable,
		AgencyURL:     "tcp://" + agentLn.Addr().String(),
		Trace:         trace,
		WorkDir:       cfg.Agents.WorkDir,
		LaunchTimeout: cfg.Agents.LaunchTimeout,
		StopTimeout:   cfg.Agents.StopTimeout,
		Output:        os.Stderr,
		Logger:        logger,
		Metrics:       m,
		Store:         st,
	})

	s := &Server{
		config:    cfg,
		manager:   manager,
		launcher:  launcher,
		transport: NewRemoteTransport(manager, launcher, logger),
		store:     st,
		metrics:   m,
		logger:    logger.With("component", "agency"),
		agentLn:   agentLn,
	}

	if cfg.Server.HTTPAddr != "" {
		mux := http.NewServeMux()
		s.registerRoutes(mux)
		s.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.Server.GRPCAddr != "" {
		s.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
		)
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	return s, nil
}

// Manager returns the agent connection manager.
func (s *Server) Manager() *Manager { return s.manager }

// Launcher returns the agent process launcher.
func (s *Server) Launcher() *Launcher { return s.launcher }

// Transport returns the engine transport backed by launched agents.
func (s *Server) Transport() *RemoteTransport { return s.transport }

// Store returns the agent history store.
func (s *Server) Store() store.Store { return s.store }

// AgencyURL is the address agents are told to connect back to.
func (s *Server) AgencyURL() string {
	return "tcp://" + s.agentLn.Addr().String()
}

// Run serves until ctx is canceled or a listener fails, then shuts down.
// It returns nil after a shutdown caused by ctx.
func (s *Server) Run(ctx context.Context) error {
	var httpLn, grpcLn net.Listener
	if s.httpServer != nil {
		ln, err := net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			_ = s.gracefulShutdown()
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
		httpLn = ln
	}
	if s.grpcServer != nil {
		ln, err := net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			_ = s.gracefulShutdown()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
		grpcLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.manager.Serve(gctx, s.agentLn)
	})

	if httpLn != nil {
		g.Go(func() error {
			s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}

	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	}

	s.ready.Store(true)
	s.logger.Info("agency started", "agency_url", s.AgencyURL())

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("context canceled, initiating shutdown")
		return s.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second+s.config.Agents.StopTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops agents, listeners and the store. Later calls return the
// first call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("shutting down agency")
	s.ready.Store(false)

	var errs []error
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	}
	if s.grpcServer != nil {
		s.shutdownGRPCServer(ctx)
	}

	errs = appendCloseError(errs, "transport close", s.transport.Close())
	errs = appendCloseError(errs, "agent stop", s.launcher.StopAll(ctx))
	errs = appendCloseError(errs, "agent manager close", s.manager.Close())
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// shutdownGRPCServer stops gracefully, or forcibly once ctx is done.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
