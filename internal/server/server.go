package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-relay/relay/config"
	"github.com/agent-relay/relay/internal/relay"
	"github.com/agent-relay/relay/internal/store"
)

// Options tunes the listeners.
type Options struct {
	SocketPath string
	WSAddr     string
	SendBuffer int
}

// Server accepts agent connections and hands each one to the router.
type Server struct {
	logger *slog.Logger
	router *relay.Router
	store  store.Store
	opts   Options

	upgrader websocket.Upgrader

	mu       sync.Mutex
	unixLn   net.Listener
	httpSrv  *http.Server
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

func New(logger *slog.Logger, router *relay.Router, st store.Store, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Server{
		logger: logger,
		router: router,
		store:  st,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start opens the unix socket and, when configured, the websocket listener.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.opts.SocketPath != "" {
		if err := s.listenUnix(ctx); err != nil {
			cancel()
			return err
		}
	}
	if s.opts.WSAddr != "" {
		if err := s.listenWS(ctx); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// Stop closes the listeners and waits for in-flight connections to drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, ln, srv := s.cancel, s.unixLn, s.httpSrv
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}

	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) listenUnix(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.opts.SocketPath), 0o755); err != nil {
		return fmt.Errorf("server: socket dir: %w", err)
	}
	// A previous crash can leave the socket file behind.
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("server: stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("server: listen unix: %w", err)
	}
	s.mu.Lock()
	s.unixLn = ln
	s.mu.Unlock()
	s.logger.Info("listening for agents", "socket", s.opts.SocketPath)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("unix accept failed", "error", err)
				}
				return
			}
			s.handlers.Add(1)
			go func() {
				defer s.handlers.Done()
				s.serveTransport(ctx, newStreamTransport(conn))
			}()
		}
	}()
	return nil
}

func (s *Server) listenWS(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.handlers.Add(1)
		defer s.handlers.Done()
		s.serveTransport(ctx, newWSTransport(ws))
	})

	srv := &http.Server{Addr: s.opts.WSAddr, Handler: mux}
	ln, err := net.Listen("tcp", s.opts.WSAddr)
	if err != nil {
		return fmt.Errorf("server: listen ws: %w", err)
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("listening for websocket agents", "addr", s.opts.WSAddr)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("ws server stopped", "error", err)
		}
	}()
	return nil
}

// OptionsFromConfig maps daemon config onto listener options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SocketPath: cfg.SocketPath,
		WSAddr:     cfg.WSAddr,
	}
}
