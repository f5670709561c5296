// Package httpserver wraps the scheduler's admin HTTP surface (ready,
// status, buildinfo, the future runtime-config endpoints) as a
// dskit/services.Service, grounded on cmd/tempo/app/server_service.go's
// NewServerService: an http.Server wrapped so Run blocks until the
// context is cancelled and Stopping waits for every other module before
// shutting the listener down.
//
// The teacher routes through gorilla/mux; this module's admin API has no
// need for mux's path-variable matching (DESIGN.md records gorilla/mux as
// dropped in favor of stdlib net/http.ServeMux), so Router here is a plain
// *http.ServeMux.
package httpserver

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// Config holds the admin HTTP server's runtime-mutable knobs.
type Config struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// RegisterFlagsAndApplyDefaults registers f under prefix and applies
// defaults, the same prefix-delegation shape every other component's
// Config.RegisterFlagsAndApplyDefaults uses.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.HTTPListenPort, prefix+"http-listen-port", 8080, "HTTP server listen port.")
	f.StringVar(&c.HTTPListenAddress, prefix+"http-listen-address", "", "HTTP server listen address.")
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 5 * time.Second
	}
}

// Server owns the admin HTTP listener and route table.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
}

// New constructs a Server; it does not yet bind a listener (that happens
// when NewService's runFn starts, matching the teacher's deferred-bind
// shape in StartAndReturnService).
func New(cfg Config) *Server {
	mux := http.NewServeMux()
	return &Server{
		cfg: cfg,
		mux: mux,
		server: &http.Server{
			Handler: mux,
		},
	}
}

// Router exposes the route table so modules can register their own
// handlers during init, the way initServer/initOverrides/etc. reach for
// t.Server.HTTPRouter() in the teacher's modules.go.
func (s *Server) Router() *http.ServeMux { return s.mux }

// NewService wraps the listener lifecycle as a services.Service:
// starting binds the listener, running serves until the context is
// cancelled, stopping waits for servicesToWaitFor (every other module) to
// terminate before shutting the server down, matching
// cmd/tempo/app/server_service.go's NewServerService ordering exactly
// (modules drain first, then the server that was keeping them alive
// stops).
func (s *Server) NewService(servicesToWaitFor func() []services.Service) services.Service {
	var listener net.Listener

	startingFn := func(_ context.Context) error {
		addr := fmt.Sprintf("%s:%d", s.cfg.HTTPListenAddress, s.cfg.HTTPListenPort)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("httpserver: listen %s: %w", addr, err)
		}
		listener = l
		return nil
	}

	serverDone := make(chan error, 1)
	runningFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- s.server.Serve(listener)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		for _, svc := range servicesToWaitFor() {
			_ = svc.AwaitTerminated(context.Background())
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			level.Warn(utillog.Logger).Log("msg", "httpserver: graceful shutdown failed", "err", err)
		}

		<-serverDone
		level.Info(utillog.Logger).Log("msg", "httpserver: stopped")
		return nil
	}

	return services.NewBasicService(startingFn, runningFn, stoppingFn)
}
