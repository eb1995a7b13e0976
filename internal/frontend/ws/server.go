// Package ws serves the relay protocol over WebSocket. A Server upgrades
// HTTP requests on one path and hands each connection, wrapped as a line
// transport, to a SessionHandler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/config"
)

const shutdownTimeout = 5 * time.Second

// SessionHandler processes one WebSocket client session and returns when it
// ends.
type SessionHandler interface {
	HandleWebSocket(ctx context.Context, conn *Conn) error
}

// Server accepts WebSocket upgrades and runs one session per connection.
type Server struct {
	cfg      config.WebSocketConfig
	handler  SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	running  bool
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	active   atomic.Int64
}

// NewServer creates a WebSocket server.
//
// Precondition: handler and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, handler SessionHandler, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		quit: make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves upgrades
// until Stop is called.
//
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		lis.Close()
		return nil
	default:
	}
	s.http = srv
	s.listener = lis
	s.running = true
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("path", s.cfg.Path),
	)

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		raw.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.serveConn(raw)
}

func (s *Server) serveConn(raw *websocket.Conn) {
	start := time.Now()
	addr := raw.RemoteAddr().String()

	s.active.Add(1)
	defer s.active.Add(-1)

	s.logger.Info("websocket client connected", zap.String("remote_addr", addr))

	conn := NewConn(raw, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.MaxMessageSize)
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked",
				zap.String("remote_addr", addr),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.handler.HandleWebSocket(ctx, conn); err != nil {
		s.logger.Debug("websocket session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	s.logger.Info("websocket session ended cleanly",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop closes the listener, ends every open session and waits for them.
// It may be called before ListenAndServe.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.quit) })
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.http
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown", zap.Error(err))
	}
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
}

// Addr returns the listening address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning reports whether the server is accepting upgrades.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// originChecker accepts requests without an Origin header (non-browser
// clients), any origin when allowed contains "*", origins listed in allowed,
// and otherwise only same-host origins.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := lo.Contains(allowed, "*")
	origins := lo.FilterMap(allowed, func(o string, _ int) (string, bool) {
		return normalizeOrigin(o)
	})

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" || allowAll {
			return true
		}
		origin, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		if len(origins) == 0 {
			u, err := url.Parse(header)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		return lo.Contains(origins, origin)
	}
}

// normalizeOrigin lower-cases scheme and host and drops any path.
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
