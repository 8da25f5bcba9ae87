package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/chat"
	"yuim/services/im-presence/internal/metrics"
	"yuim/services/im-presence/internal/progress"
	"yuim/services/im-presence/internal/protocol"
	"yuim/services/im-presence/internal/registry"
)

type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	reasonAuthTimeout  = "auth_timeout"
	reasonAuthFailed   = "auth_failed"
	reasonPongTimeout  = "pong_timeout"
	reasonSlowConsumer = "slow_consumer"
	reasonPeerClosed   = "peer_closed"
	reasonReadError    = "read_error"
	reasonWriteError   = "write_error"
	reasonBadFrame     = "bad_frame"
	reasonShutdown     = "shutdown"
)

// conn is one stream session. run owns the protocol state; the reader and
// writer goroutines only move bytes.
type conn struct {
	srv      *Server
	t        transport
	endpoint string

	// mu orders the Established transition against Deliver so no broadcast
	// is queued ahead of auth_success.
	mu     sync.Mutex
	state  atomic.Int32
	handle registry.Handle
	id     auth.Identity

	out     chan []byte
	in      chan []byte
	done    chan struct{}
	readErr chan error
	once    sync.Once
	flush   atomic.Bool

	lastSeen time.Time
	limiter  *rate.Limiter
}

func newConn(s *Server, t transport, endpoint string) *conn {
	c := &conn{
		srv:      s,
		t:        t,
		endpoint: endpoint,
		out:      make(chan []byte, s.cfg.SendBuffer),
		in:       make(chan []byte),
		done:     make(chan struct{}),
		readErr:  make(chan error, 1),
	}
	if s.cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}
	return c
}

// registry.Session

func (c *conn) Kind() registry.Kind     { return registry.KindStream }
func (c *conn) Identity() auth.Identity { return c.id }
func (c *conn) Endpoint() string        { return c.endpoint }

func (c *conn) State() State { return State(c.state.Load()) }

// Deliver queues an event for the client. A full queue means the client is not
// keeping up: the connection is dropped and ErrSendBufferFull returned.
func (c *conn) Deliver(evt event.Event) error {
	typ, body, err := protocol.StreamMessage(evt)
	if err != nil {
		return err
	}
	b, err := protocol.Encode(typ, c.srv.d.Clock.Now(), body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.State() != StateEstablished {
		c.mu.Unlock()
		return ErrNotEstablished
	}
	select {
	case c.out <- b:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	metrics.SlowConsumerDrops.Inc()
	c.srv.log.Warn("stream slow consumer dropped",
		zap.String("user_id", c.id.UserID),
		zap.String("session_id", string(c.handle)),
		zap.Int("send_buffer", cap(c.out)))
	c.close(reasonSlowConsumer, false)
	return ErrSendBufferFull
}

func (c *conn) run(token string) {
	c.state.Store(int32(StateAuthenticating))
	c.lastSeen = c.srv.d.Clock.Now()
	go c.readLoop()
	go c.writeLoop()

	authTick := c.srv.d.Clock.NewTicker(c.srv.cfg.AuthTimeout)
	defer authTick.Stop()
	pingTick := c.srv.d.Clock.NewTicker(c.srv.cfg.PingInterval)
	defer pingTick.Stop()

	if token != "" {
		c.authenticate(protocol.Auth{Token: token})
		if c.State() == StateEstablished {
			authTick.Stop()
		}
	}

	for {
		select {
		case <-c.done:
			return
		case b := <-c.in:
			if c.State() >= StateClosing {
				continue
			}
			c.lastSeen = c.srv.d.Clock.Now()
			c.dispatch(b)
			if c.State() == StateEstablished {
				authTick.Stop()
			}
		case err := <-c.readErr:
			switch {
			case errors.Is(err, io.EOF):
				c.close(reasonPeerClosed, false)
			case errors.Is(err, protocol.ErrFrameTooLarge):
				c.sendError(protocol.CodeInvalidMessage, "frame too large")
				c.close(reasonBadFrame, true)
			default:
				c.close(reasonReadError, false)
			}
		case <-authTick.C:
			if c.State() == StateAuthenticating {
				metrics.AuthFailures.WithLabelValues("stream", string(protocol.CodeAuthTimeout)).Inc()
				c.send(protocol.TypeAuthFailed, protocol.AuthFailed{Reason: protocol.CodeAuthTimeout, Message: "no auth message received in time"})
				c.close(reasonAuthTimeout, true)
			}
		case now := <-pingTick.C:
			if c.State() != StateEstablished {
				continue
			}
			if now.Sub(c.lastSeen) >= c.srv.cfg.PongTimeout {
				c.close(reasonPongTimeout, false)
				continue
			}
			c.send(protocol.TypePing, protocol.Ping{})
		}
	}
}

func (c *conn) readLoop() {
	for {
		b, err := c.t.ReadFrame()
		if err != nil {
			c.readErr <- err
			return
		}
		select {
		case c.in <- b:
		case <-c.done:
			return
		}
	}
}

func (c *conn) writeLoop() {
	defer func() {
		_ = c.t.Close()
		c.state.Store(int32(StateClosed))
	}()
	write := func(b []byte) bool {
		if err := c.t.WriteFrame(b, time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
			c.close(reasonWriteError, false)
			return false
		}
		return true
	}
	for {
		select {
		case b := <-c.out:
			if !write(b) {
				return
			}
		case <-c.done:
			if !c.flush.Load() {
				return
			}
			for {
				select {
				case b := <-c.out:
					if !write(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// close moves the session to Closing exactly once: it leaves the registry, stops
// the loops and lets the writer flush queued replies if flush is set.
func (c *conn) close(reason string, flush bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosing))
		h := c.handle
		c.mu.Unlock()
		c.flush.Store(flush)
		if h != "" {
			in, _ := c.srv.d.Registry.InterestOf(h)
			if c.srv.d.Registry.Deregister(h) {
				c.srv.registryChanged()
				if len(in.Rooms) > 0 {
					c.srv.d.Chat.Depart(h, c.id, in.Rooms)
				}
			}
		}
		close(c.done)
		metrics.StreamClosed.WithLabelValues(reason).Inc()
		c.srv.log.Debug("stream session closed",
			zap.String("endpoint", c.endpoint),
			zap.String("user_id", c.id.UserID),
			zap.String("session_id", string(h)),
			zap.String("reason", reason))
	})
}

// send queues a reply. Replies obey the same buffer limit as broadcasts.
func (c *conn) send(typ protocol.Type, body any) {
	b, err := c.encode(typ, body)
	if err != nil {
		return
	}
	if !c.enqueue(b) {
		metrics.SlowConsumerDrops.Inc()
		c.close(reasonSlowConsumer, false)
	}
}

func (c *conn) encode(typ protocol.Type, body any) ([]byte, error) {
	b, err := protocol.Encode(typ, c.srv.d.Clock.Now(), body)
	if err != nil {
		c.srv.log.Error("stream encode", zap.String("type", string(typ)), zap.Error(err))
	}
	return b, err
}

func (c *conn) enqueue(b []byte) bool {
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

func (c *conn) sendError(code protocol.Code, msg string) {
	c.send(protocol.TypeError, protocol.Error{Code: code, Message: msg})
}

func (c *conn) dispatch(b []byte) {
	m, err := protocol.Decode(b)
	if err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error())
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		metrics.RateLimited.WithLabelValues("stream").Inc()
		c.sendError(protocol.CodeRateLimited, "slow down")
		return
	}

	switch m.Type {
	case protocol.TypePing:
		var p protocol.Ping
		_ = m.Bind(&p)
		c.send(protocol.TypePong, protocol.Pong{ClientTime: p.ClientTime, ServerTime: c.srv.d.Clock.Now().UTC()})
		return
	case protocol.TypePong:
		return
	}

	if c.State() == StateAuthenticating {
		if m.Type != protocol.TypeAuth {
			c.sendError(protocol.CodeAuthRequired, "authenticate first")
			return
		}
		var a protocol.Auth
		if err := m.Bind(&a); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		c.authenticate(a)
		return
	}

	ctx := context.Background()
	switch m.Type {
	case protocol.TypeAuth:
		c.sendError(protocol.CodeInvalidMessage, "already authenticated")

	case protocol.TypeProgress:
		var rep protocol.ProgressReport
		if err := m.Bind(&rep); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		res, err := c.srv.d.Progress.Report(ctx, c.id, c.handle, rep)
		if err != nil {
			c.sendError(progress.CodeOf(err), errMessage(err))
			return
		}
		c.send(protocol.TypeProgressAccepted, protocol.ProgressAccepted{
			MangaID:        res.Record.MangaID,
			CurrentChapter: res.Record.Chapter,
			Status:         res.Record.Status,
			EventID:        res.EventID,
		})

	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		var sub protocol.Subscription
		if err := m.Bind(&sub); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		subscribe := m.Type == protocol.TypeSubscribe
		err := c.srv.d.Registry.ModifyInterest(c.handle, func(in *registry.Interest) {
			if subscribe {
				in.Subscribe(sub.MangaIDs...)
			} else {
				in.Unsubscribe(sub.MangaIDs...)
			}
		})
		if err != nil {
			c.sendError(protocol.CodeUnavailable, err.Error())
		}

	case protocol.TypeJoin, protocol.TypeLeave:
		var room protocol.Room
		if err := m.Bind(&room); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		if m.Type == protocol.TypeJoin {
			err = c.srv.d.Chat.Join(c.handle, room.RoomID)
		} else {
			err = c.srv.d.Chat.Leave(c.handle, room.RoomID)
		}
		if err != nil {
			c.sendError(chat.CodeOf(err), errMessage(err))
		}

	case protocol.TypeChat:
		var msg protocol.Chat
		if err := m.Bind(&msg); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		if _, err := c.srv.d.Chat.Send(ctx, c.id, c.handle, msg.RoomID, msg.Body); err != nil {
			c.sendError(chat.CodeOf(err), errMessage(err))
		}

	default:
		c.sendError(protocol.CodeUnknownMessageType, "unknown message type "+string(m.Type))
	}
}

func (c *conn) authenticate(a protocol.Auth) {
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.AuthTimeout)
	id, err := c.srv.d.Validator.Validate(ctx, a.Token)
	cancel()
	if err != nil {
		reason := auth.ReasonOf(err)
		metrics.AuthFailures.WithLabelValues("stream", string(reason)).Inc()
		c.srv.log.Warn("stream auth failed", zap.String("endpoint", c.endpoint), zap.String("reason", string(reason)), zap.Error(err))
		c.send(protocol.TypeAuthFailed, protocol.AuthFailed{Reason: reason})
		c.close(reasonAuthFailed, true)
		return
	}

	in := registry.ParseInterest(a.Interests, nil)
	c.mu.Lock()
	if c.State() != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.id = id
	h, err := c.srv.d.Registry.Register(id, c, in)
	if err != nil {
		c.mu.Unlock()
		metrics.AuthFailures.WithLabelValues("stream", string(protocol.CodeDuplicateRegistration)).Inc()
		c.send(protocol.TypeAuthFailed, protocol.AuthFailed{Reason: protocol.CodeDuplicateRegistration, Message: err.Error()})
		c.close(reasonAuthFailed, true)
		return
	}
	c.handle = h
	ok := false
	if b, err := c.encode(protocol.TypeAuthSuccess, protocol.AuthSuccess{
		SessionID: string(h),
		UserID:    id.UserID,
		Username:  id.Username,
		Interests: in.Wire(),
		Message:   "authenticated",
	}); err == nil {
		ok = c.enqueue(b)
	}
	if ok {
		c.state.Store(int32(StateEstablished))
	}
	c.mu.Unlock()
	if !ok {
		c.close(reasonSlowConsumer, false)
		return
	}
	c.srv.registryChanged()

	for _, room := range a.Rooms {
		if err := c.srv.d.Chat.Join(h, room); err != nil {
			c.sendError(chat.CodeOf(err), errMessage(err))
		}
	}
	c.srv.log.Info("stream session established",
		zap.String("user_id", id.UserID), zap.String("session_id", string(h)), zap.String("endpoint", c.endpoint))
}

func errMessage(err error) string {
	var pe *progress.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
