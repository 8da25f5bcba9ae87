// Package stream is the stream gateway: long-lived authenticated connections
// (TCP with newline framing, or WebSocket) over which clients report progress,
// chat, and receive broadcasts.
package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/progress"
	"yuim/services/im-presence/internal/protocol"
	"yuim/services/im-presence/internal/registry"
)

var (
	ErrSendBufferFull = errors.New("stream: send buffer full")
	ErrNotEstablished = errors.New("stream: session not established")
	ErrServerClosed   = errors.New("stream: server closed")
)

type Config struct {
	AuthTimeout  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	MaxFrame     int
	// RateLimit is inbound messages per second per connection; 0 disables it.
	RateLimit float64
	RateBurst int

	// WebSocket handshake token lookup.
	TokenHeader  string
	BearerPrefix string
	TokenQuery   string
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 3 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = protocol.DefaultMaxFrame
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	if c.TokenHeader == "" {
		c.TokenHeader = "Authorization"
	}
	if c.BearerPrefix == "" {
		c.BearerPrefix = "Bearer "
	}
	if c.TokenQuery == "" {
		c.TokenQuery = "token"
	}
	return c
}

// ProgressReporter is implemented by progress.Service.
type ProgressReporter interface {
	Report(ctx context.Context, id auth.Identity, origin registry.Handle, rep protocol.ProgressReport) (progress.Result, error)
}

// ChatRouter is implemented by chat.Router.
type ChatRouter interface {
	Join(h registry.Handle, room string) error
	Leave(h registry.Handle, room string) error
	Depart(h registry.Handle, id auth.Identity, rooms []string)
	Send(ctx context.Context, id auth.Identity, h registry.Handle, room, body string) (event.Event, error)
}

type Deps struct {
	Validator auth.TokenValidator
	Registry  *registry.Registry
	Progress  ProgressReporter
	Chat      ChatRouter
	Clock     clock.Clock
	Log       *zap.Logger
	// OnRegistryChange is called after a session is registered or removed.
	OnRegistryChange func()
}

type Server struct {
	cfg Config
	d   Deps
	log *zap.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	lns    map[net.Listener]struct{}
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config, d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg: cfg,
		d:   d,
		log: d.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		lns:   make(map[net.Listener]struct{}),
		conns: make(map[*conn]struct{}),
	}
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts TCP connections on ln until Shutdown. It returns
// ErrServerClosed after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.lns[ln] = struct{}{}
	s.mu.Unlock()

	s.log.Info("stream gateway listening", zap.String("addr", ln.Addr().String()))
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("stream accept error", zap.Error(err), zap.Duration("retry_in", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		s.start(newTCPTransport(c, s.cfg.MaxFrame), "tcp:"+c.RemoteAddr().String(), "")
	}
}

// ServeWS upgrades an HTTP request to a WebSocket session. A token in the
// handshake (header or query) stands in for the auth message.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	token := auth.ExtractToken(r, s.cfg.TokenHeader, s.cfg.BearerPrefix, s.cfg.TokenQuery)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	s.start(newWSTransport(ws, s.cfg.MaxFrame), "ws:"+r.RemoteAddr, token)
}

func (s *Server) start(t transport, endpoint, token string) *conn {
	c := newConn(s, t, endpoint)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return nil
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.run(token)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	return c
}

// Shutdown stops accepting, closes every session and waits for them to finish
// or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.lns {
		_ = ln.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(reasonShutdown, true)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of open connections, authenticated or not.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) registryChanged() {
	if s.d.OnRegistryChange != nil {
		s.d.OnRegistryChange()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
