package datagram

import (
	"errors"
	"net"
	"sync"
	"time"

	"yuim/libs/core-push-go/pkg/delivery"
	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/protocol"
	"yuim/services/im-presence/internal/registry"
)

var errNotReady = errors.New("datagram: registration not ready")

// registration is a DatagramRegistration: an address to push notifications to,
// alive until its expiry passes without a refresh.
type registration struct {
	srv      *Server
	id       auth.Identity
	addr     *net.UDPAddr
	endpoint string

	mu      sync.Mutex
	handle  registry.Handle
	expires time.Time
}

func newRegistration(s *Server, id auth.Identity, addr *net.UDPAddr, expires time.Time) *registration {
	return &registration{srv: s, id: id, addr: addr, endpoint: endpointOf(addr), expires: expires}
}

func endpointOf(addr *net.UDPAddr) string { return "udp:" + addr.String() }

func (r *registration) Kind() registry.Kind     { return registry.KindDatagram }
func (r *registration) Identity() auth.Identity { return r.id }
func (r *registration) Endpoint() string        { return r.endpoint }

func (r *registration) Handle() registry.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Bind is called by the registry before the registration becomes visible to
// lookups, so Deliver never sees it without a handle.
func (r *registration) Bind(h registry.Handle) {
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
}

func (r *registration) refresh(expires time.Time) {
	r.mu.Lock()
	if expires.After(r.expires) {
		r.expires = expires
	}
	r.mu.Unlock()
}

func (r *registration) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !now.Before(r.expires)
}

// Deliver hands evt to the retry engine, which sends the first copy at once.
func (r *registration) Deliver(evt event.Event) error {
	if r.Handle() == "" {
		return errNotReady
	}
	n, err := protocol.NotificationOf(evt)
	if err != nil {
		return err
	}
	return r.srv.engine.Deliver(r, delivery.Envelope{
		MessageID: n.MessageID,
		Kind:      string(n.Kind),
		Payload:   n.Payload,
	})
}

// delivery.Target

func (r *registration) Key() string { return string(r.Handle()) }

func (r *registration) Send(env delivery.Envelope) error {
	return r.srv.reply(r.addr, protocol.TypeNotification, protocol.Notification{
		MessageID:  env.MessageID,
		Kind:       event.Kind(env.Kind),
		Payload:    env.Payload,
		RetryCount: env.RetryCount,
	})
}
