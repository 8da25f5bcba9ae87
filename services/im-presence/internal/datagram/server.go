// Package datagram is the datagram gateway: short-lived UDP registrations for
// clients that cannot hold a stream open. Notifications to them are pushed
// at-least-once with bounded retries; registrations expire unless refreshed.
package datagram

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/delivery"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/metrics"
	"yuim/services/im-presence/internal/protocol"
	"yuim/services/im-presence/internal/registry"
)

var ErrServerClosed = errors.New("datagram: server closed")

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	AuthTimeout   time.Duration
	Workers       int
	QueueSize     int
	MaxPacket     int

	Retries    int
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxPending int
	RetryTick  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxPacket <= 0 {
		c.MaxPacket = protocol.DefaultMaxFrame
	}
	return c
}

type Deps struct {
	Validator auth.TokenValidator
	Registry  *registry.Registry
	Clock     clock.Clock
	Log       *zap.Logger
	// OnRegistryChange is called after a registration is added or removed.
	OnRegistryChange func()
}

type packet struct {
	b    []byte
	from *net.UDPAddr
}

type Server struct {
	cfg    Config
	d      Deps
	log    *zap.Logger
	engine *delivery.Engine

	mu     sync.Mutex
	pc     net.PacketConn
	regs   map[registry.Handle]*registration
	closed bool
	cancel context.CancelFunc
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
	s := &Server{
		cfg:  cfg,
		d:    d,
		log:  d.Log,
		regs: make(map[registry.Handle]*registration),
	}
	s.engine = delivery.New(d.Clock, delivery.Options{
		MaxRetries:   cfg.Retries,
		BaseBackoff:  cfg.RetryBase,
		MaxBackoff:   cfg.RetryMax,
		MaxPending:   cfg.MaxPending,
		TickInterval: cfg.RetryTick,
		OnRetry: func(key string, env delivery.Envelope, err error) {
			if env.RetryCount > 0 {
				metrics.DatagramRetries.Inc()
			}
			if err != nil {
				s.log.Debug("datagram send failed", zap.String("registration_id", key),
					zap.Uint64("message_id", env.MessageID), zap.Error(err))
			}
		},
		OnExhausted: func(key string, env delivery.Envelope) {
			metrics.DatagramExhausted.Inc()
			s.log.Warn("datagram notification dropped after retries",
				zap.String("registration_id", key),
				zap.Uint64("message_id", env.MessageID),
				zap.String("kind", env.Kind),
				zap.Int("retries", env.RetryCount))
		},
	})
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return s.Serve(pc)
}

// Serve reads packets from pc until Shutdown and returns ErrServerClosed.
func (s *Server) Serve(pc net.PacketConn) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = pc.Close()
		return ErrServerClosed
	}
	s.pc = pc
	s.cancel = cancel
	s.mu.Unlock()

	queue := make(chan packet, s.cfg.QueueSize)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for p := range queue {
				s.handle(ctx, p)
			}
		}()
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.engine.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	s.log.Info("datagram gateway listening", zap.String("addr", pc.LocalAddr().String()))
	defer close(queue)
	buf := make([]byte, s.cfg.MaxPacket)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		ua, ok := from.(*net.UDPAddr)
		if !ok || n == 0 {
			continue
		}
		p := packet{b: append([]byte(nil), buf[:n]...), from: ua}
		select {
		case queue <- p:
		default:
			metrics.DatagramPacketsDropped.Inc()
		}
	}
}

// Shutdown stops reading, drops every registration and waits for the workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pc, cancel := s.pc, s.cancel
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.regs = make(map[registry.Handle]*registration)
	s.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	if cancel != nil {
		cancel()
	}
	for _, r := range regs {
		s.remove(r, "shutdown")
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

// Addr is the bound socket address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

// Len is the number of live registrations.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Pending is the number of notifications awaiting ack.
func (s *Server) Pending() int { return s.engine.Len() }

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

func (s *Server) handle(ctx context.Context, p packet) {
	m, err := protocol.Decode(p.b)
	if err != nil {
		s.replyError(p.from, protocol.CodeInvalidMessage, err.Error())
		return
	}
	switch m.Type {
	case protocol.TypeRegister:
		var req protocol.Register
		if err := m.Bind(&req); err != nil {
			s.reply(p.from, protocol.TypeRegisterFailed, protocol.RegisterFailed{Reason: protocol.CodeInvalidMessage, Message: err.Error()})
			return
		}
		s.register(ctx, p.from, req)
	case protocol.TypeUnregister:
		var req protocol.Unregister
		if err := m.Bind(&req); err != nil {
			s.replyError(p.from, protocol.CodeInvalidMessage, err.Error())
			return
		}
		s.unregister(registry.Handle(req.RegistrationID))
	case protocol.TypePing:
		var req protocol.Ping
		if err := m.Bind(&req); err != nil {
			s.replyError(p.from, protocol.CodeInvalidMessage, err.Error())
			return
		}
		s.ping(p.from, req)
	case protocol.TypeAck:
		var req protocol.Ack
		if err := m.Bind(&req); err != nil {
			s.replyError(p.from, protocol.CodeInvalidMessage, err.Error())
			return
		}
		s.ack(req)
	default:
		s.replyError(p.from, protocol.CodeUnknownMessageType, "unknown message type "+string(m.Type))
	}
}

func (s *Server) register(ctx context.Context, from *net.UDPAddr, req protocol.Register) {
	fail := func(reason protocol.Code, msg, existing string) {
		metrics.AuthFailures.WithLabelValues("datagram", string(reason)).Inc()
		s.reply(from, protocol.TypeRegisterFailed, protocol.RegisterFailed{Reason: reason, Message: msg, RegistrationID: existing})
	}

	addr, err := replyAddr(from, req.Address)
	if err != nil {
		fail(protocol.CodeValidation, err.Error(), "")
		return
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	id, err := s.d.Validator.Validate(actx, req.Token)
	cancel()
	if err != nil {
		reason := auth.ReasonOf(err)
		s.log.Warn("datagram register rejected", zap.String("addr", from.String()), zap.String("reason", string(reason)), zap.Error(err))
		fail(reason, "", "")
		return
	}

	r := newRegistration(s, id, addr, s.d.Clock.Now().Add(s.cfg.TTL))
	in := registry.ParseInterest(req.Interests, nil)
	h, err := s.d.Registry.Register(id, r, in)
	if errors.Is(err, registry.ErrDuplicateSession) {
		t, ok := s.d.Registry.ByEndpoint(r.endpoint)
		// An expired registration that has not been swept yet gives way.
		if old := s.lookup(t.Handle); ok && old != nil && old.expired(s.d.Clock.Now()) {
			s.unregister(t.Handle)
			h, err = s.d.Registry.Register(id, r, in)
		}
	}
	if errors.Is(err, registry.ErrDuplicateSession) {
		existing := ""
		if t, ok := s.d.Registry.ByEndpoint(r.endpoint); ok && t.Session.Identity().UserID == id.UserID {
			existing = string(t.Handle)
		}
		fail(protocol.CodeDuplicateRegistration, "address already registered", existing)
		return
	}
	if err != nil {
		fail(protocol.CodeUnavailable, err.Error(), "")
		return
	}

	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.regs[h] = r
	}
	s.mu.Unlock()
	if closed {
		s.d.Registry.Deregister(h)
		return
	}
	s.registryChanged()
	s.log.Info("datagram registered",
		zap.String("user_id", id.UserID), zap.String("registration_id", string(h)), zap.String("addr", addr.String()))
	s.reply(from, protocol.TypeRegisterSuccess, protocol.RegisterSuccess{
		RegistrationID: string(h),
		TTLSeconds:     int(s.cfg.TTL / time.Second),
	})
}

// unregister is idempotent: unknown or expired ids are ignored.
func (s *Server) unregister(h registry.Handle) {
	s.mu.Lock()
	r, ok := s.regs[h]
	delete(s.regs, h)
	s.mu.Unlock()
	if ok {
		s.remove(r, "unregister")
	}
}

func (s *Server) ping(from *net.UDPAddr, req protocol.Ping) {
	now := s.d.Clock.Now()
	r := s.lookup(registry.Handle(req.RegistrationID))
	if r == nil || r.expired(now) {
		s.replyError(from, protocol.CodeUnknownRegistration, "register again")
		return
	}
	r.refresh(now.Add(s.cfg.TTL))
	s.reply(from, protocol.TypePong, protocol.Pong{
		RegistrationID: req.RegistrationID,
		ClientTime:     req.ClientTime,
		ServerTime:     now.UTC(),
		TTLSeconds:     int(s.cfg.TTL / time.Second),
	})
}

// ack settles a notification. An ack also proves the address is reachable, so
// it refreshes the registration like a ping.
func (s *Server) ack(req protocol.Ack) {
	r := s.lookup(registry.Handle(req.RegistrationID))
	if r == nil {
		return
	}
	s.engine.Ack(req.RegistrationID, req.MessageID)
	now := s.d.Clock.Now()
	if !r.expired(now) {
		r.refresh(now.Add(s.cfg.TTL))
	}
}

func (s *Server) lookup(h registry.Handle) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[h]
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := s.d.Clock.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Sweep(now)
		}
	}
}

// Sweep removes registrations whose TTL has passed and returns how many went.
func (s *Server) Sweep(now time.Time) int {
	var gone []*registration
	s.mu.Lock()
	for h, r := range s.regs {
		if r.expired(now) {
			delete(s.regs, h)
			gone = append(gone, r)
		}
	}
	s.mu.Unlock()

	for _, r := range gone {
		metrics.DatagramExpired.Inc()
		s.remove(r, "expired")
	}
	metrics.DatagramPending.Set(float64(s.engine.Len()))
	return len(gone)
}

func (s *Server) remove(r *registration, why string) {
	h := r.Handle()
	removed := s.d.Registry.Deregister(h)
	dropped := s.engine.Drop(string(h))
	if removed {
		s.registryChanged()
	}
	s.log.Debug("datagram registration removed",
		zap.String("registration_id", string(h)),
		zap.String("user_id", r.id.UserID),
		zap.String("reason", why),
		zap.Int("dropped", dropped))
}

func (s *Server) reply(to *net.UDPAddr, typ protocol.Type, body any) error {
	b, err := protocol.Encode(typ, s.d.Clock.Now(), body)
	if err != nil {
		s.log.Error("datagram encode", zap.String("type", string(typ)), zap.Error(err))
		return err
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrServerClosed
	}
	_, err = pc.WriteTo(b, to)
	return err
}

func (s *Server) replyError(to *net.UDPAddr, code protocol.Code, msg string) {
	_ = s.reply(to, protocol.TypeError, protocol.Error{Code: code, Message: msg})
}

// replyAddr resolves where notifications go. The host, if given, must be the
// packet's source so a registration cannot aim traffic at a third party.
func replyAddr(from *net.UDPAddr, info protocol.AddressInfo) (*net.UDPAddr, error) {
	addr := &net.UDPAddr{IP: from.IP, Port: from.Port, Zone: from.Zone}
	if info.Host != "" {
		ip := net.ParseIP(info.Host)
		if ip == nil || !ip.Equal(from.IP) {
			return nil, errors.New("address host must match the packet source")
		}
	}
	if info.Port != 0 {
		if info.Port < 1 || info.Port > 65535 {
			return nil, errors.New("address port out of range")
		}
		addr.Port = info.Port
	}
	return addr, nil
}
