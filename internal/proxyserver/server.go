// Package proxyserver wires the protocol, authentication, filter, router,
// and worker-pool packages into a running proxy: an accept loop per
// configured listener, each accepted connection pinned to a worker and
// driven through handshake, authentication, and the command loop.
//
// Grounded on the teacher's internal/proxy/server.go accept-loop shape:
// one goroutine per listener calling Accept in a loop and handing the
// connection off to a per-protocol handler, generalized here from a fixed
// postgres/mysql pair to however many listeners the configuration names.
package proxyserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dbbouncer/mdbproxy/internal/authn"
	"github.com/dbbouncer/mdbproxy/internal/config"
	"github.com/dbbouncer/mdbproxy/internal/filter/namedserver"
	"github.com/dbbouncer/mdbproxy/internal/filter/s3load"
	"github.com/dbbouncer/mdbproxy/internal/metrics"
	"github.com/dbbouncer/mdbproxy/internal/router"
	"github.com/dbbouncer/mdbproxy/internal/workerpool"
)

// Server accepts client connections on every configured listener.
type Server struct {
	cfg         *config.Config
	authReg     *authn.Registry
	router      router.Dispatcher
	pool        *workerpool.Pool
	metrics     *metrics.Collector
	namedServer *namedserver.Filter // nil if no named_server rules are configured
	s3Filter    *s3load.Filter      // nil if s3_load is disabled

	listeners []net.Listener
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New builds a Server from its fully wired collaborators. namedServer and
// s3Filter may be nil when the corresponding filter is not configured.
func New(cfg *config.Config, authReg *authn.Registry, disp router.Dispatcher, pool *workerpool.Pool, m *metrics.Collector, namedServer *namedserver.Filter, s3Filter *s3load.Filter) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		authReg:     authReg,
		router:      disp,
		pool:        pool,
		metrics:     m,
		namedServer: namedServer,
		s3Filter:    s3Filter,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start opens every configured listener and begins accepting connections.
func (s *Server) Start() error {
	for _, lc := range s.cfg.Listeners {
		ln, err := s.listen(lc)
		if err != nil {
			return fmt.Errorf("listener %q: %w", lc.Name, err)
		}
		s.listeners = append(s.listeners, ln)
		slog.Info("listener started", "name", lc.Name, "address", lc.Address)

		s.wg.Add(1)
		go func(ln net.Listener, lc config.ListenerConfig) {
			defer s.wg.Done()
			s.acceptLoop(ln, lc)
		}(ln, lc)
	}
	return nil
}

func (s *Server) listen(lc config.ListenerConfig) (net.Listener, error) {
	network := "tcp"
	if lc.Socket {
		network = "unix"
	}
	ln, err := net.Listen(network, lc.Address)
	if err != nil {
		return nil, err
	}
	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("loading TLS cert/key: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener, lc config.ListenerConfig) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "listener", lc.Name, "error", err)
				continue
			}
		}

		w := s.pool.NextTaskWorker()
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			h := &connHandler{server: s, listener: lc, worker: w}
			h.handle(conn)
		}(conn)
	}
}

// Stop closes every listener and waits for in-flight connections to exit
// their accept/handle goroutines.
func (s *Server) Stop() {
	s.cancel()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.wg.Wait()
	slog.Info("proxy server stopped")
}
