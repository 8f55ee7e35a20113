// Package api provides the HTTP and gRPC surface of the levelx engine:
// status and position queries, the audit journal, metrics, per-component
// health and the live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/engine"
	"levelx/internal/levels"
	"levelx/internal/live"
	"levelx/internal/store"
)

// Trading is the part of the engine the API reads and controls.
type Trading interface {
	Status() engine.Status
	Positions() []domain.Position
	Orders() []domain.Order
	Levels(contract string) (*levels.Set, bool)
	Resume(ctx context.Context)
	Unsubscribe(ctx context.Context, contract string) error
}

// Reauthenticator forces a fresh gateway login.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Deps are the collaborators behind the endpoints. Auth, Events and Feed
// are optional.
type Deps struct {
	Trading Trading
	Auth    Reauthenticator
	Events  store.EventStore
	Feed    *live.Feed
	Logger  *slog.Logger
}

// Server hosts the HTTP and gRPC listeners.
type Server struct {
	httpAddr string
	grpcAddr string

	trading Trading
	auth    Reauthenticator
	events  store.EventStore
	feed    *live.Feed
	log     *slog.Logger

	health *health.Server

	mu         sync.Mutex
	components map[string]bool

	httpServer *http.Server
	grpcServer *grpc.Server
}

// NewServer creates a Server listening on cfg.Host. The gRPC listener is
// skipped when cfg.GRPCPort is zero.
func NewServer(cfg config.Server, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		httpAddr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		trading:    deps.Trading,
		auth:       deps.Auth,
		events:     deps.Events,
		feed:       deps.Feed,
		log:        log.With("component", "api"),
		health:     health.NewServer(),
		components: make(map[string]bool),
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	if s.feed != nil {
		live.NewServer(s.feed, s.log).RegisterGRPC(s.grpcServer)
	}
	return s
}

// GRPCServer returns the underlying gRPC server.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// SetComponent records a component's health for /healthz and the gRPC
// health service, where it is reported under the component's name.
func (s *Server) SetComponent(name string, healthy bool) {
	s.mu.Lock()
	prev, known := s.components[name]
	s.components[name] = healthy
	all := true
	for _, ok := range s.components {
		all = all && ok
	}
	s.mu.Unlock()

	s.health.SetServingStatus(name, servingStatus(healthy))
	s.health.SetServingStatus("", servingStatus(all))
	if known && prev != healthy {
		s.log.Info("component health changed", "name", name, "healthy", healthy)
	}
}

// Components returns a copy of the component health map.
func (s *Server) Components() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.components))
	for k, v := range s.components {
		out[k] = v
	}
	return out
}

// WatchComponent keeps a component's health in step with a status channel
// until ctx is cancelled or the channel closes.
func WatchComponent[T any](ctx context.Context, s *Server, name string, ch <-chan T, healthy func(T) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			s.SetComponent(name, healthy(v))
		}
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	var grpcLis net.Listener
	if s.grpcAddr != "" {
		grpcLis, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server starting", "addr", s.httpAddr)
		if err := s.httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			s.log.Info("grpc server starting", "addr", s.grpcAddr)
			if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of both servers. Event streams that
// are still open when ctx expires are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	err := s.httpServer.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	s.log.Info("api stopped")
	return err
}
