// Package registry is the session registry: which identities are connected,
// over which transport endpoints, and what each session wants to hear about.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/auth"
)

var (
	ErrDuplicateSession = errors.New("registry: endpoint already registered")
	ErrUnknownSession   = errors.New("registry: unknown session")
)

type Kind string

const (
	KindStream   Kind = "stream"
	KindDatagram Kind = "datagram"
)

// Handle identifies a registered session. For datagram registrations it is
// also the registration id handed to the client.
type Handle string

// Session is one live delivery path. Deliver must not block on the network
// for long: stream sessions enqueue, datagram sessions hand off to the retry engine.
type Session interface {
	Kind() Kind
	Identity() auth.Identity
	// Endpoint is the transport-level address; unique among live sessions.
	Endpoint() string
	Deliver(evt event.Event) error
}

// Binder is implemented by sessions that need their handle before Lookup can
// return them. Bind runs under the registry lock and must not call back into it.
type Binder interface {
	Bind(h Handle)
}

// Target is a lookup result.
type Target struct {
	Handle  Handle
	Session Session
}

type entry struct {
	handle   Handle
	session  Session
	identity auth.Identity
	interest Interest
}

// Registry holds every live session behind one RWMutex. Callers never do I/O
// while it is held.
type Registry struct {
	mu sync.RWMutex

	entries   map[Handle]*entry
	endpoints map[string]Handle
	users     map[string]map[Handle]struct{}
	manga     map[string]map[Handle]struct{}
	allManga  map[Handle]struct{}
	rooms     map[string]map[Handle]struct{}

	newHandle func() Handle
}

func New() *Registry {
	return &Registry{
		entries:   make(map[Handle]*entry),
		endpoints: make(map[string]Handle),
		users:     make(map[string]map[Handle]struct{}),
		manga:     make(map[string]map[Handle]struct{}),
		allManga:  make(map[Handle]struct{}),
		rooms:     make(map[string]map[Handle]struct{}),
		newHandle: func() Handle { return Handle(uuid.NewString()) },
	}
}

// Register adds s for id with an initial interest set and returns its handle.
// A second registration of the same endpoint fails with ErrDuplicateSession
// until the first is deregistered.
func (r *Registry) Register(id auth.Identity, s Session, in Interest) (Handle, error) {
	ep := s.Endpoint()
	in = in.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.endpoints[ep]; dup {
		return "", ErrDuplicateSession
	}
	h := r.newHandle()
	if b, ok := s.(Binder); ok {
		b.Bind(h)
	}
	e := &entry{handle: h, session: s, identity: id, interest: in}
	r.entries[h] = e
	r.endpoints[ep] = h
	addIdx(r.users, id.UserID, h)
	r.index(e)
	return h, nil
}

// Deregister removes h. It reports false if h was not registered, so repeated
// calls are harmless.
func (r *Registry) Deregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return false
	}
	r.unindex(e)
	delIdx(r.users, e.identity.UserID, h)
	if r.endpoints[e.session.Endpoint()] == h {
		delete(r.endpoints, e.session.Endpoint())
	}
	delete(r.entries, h)
	return true
}

// UpdateInterest replaces the interest set of h.
func (r *Registry) UpdateInterest(h Handle, in Interest) error {
	return r.ModifyInterest(h, func(cur *Interest) { *cur = in })
}

// ModifyInterest applies fn to a copy of h's interest set and installs the result.
func (r *Registry) ModifyInterest(h Handle, fn func(*Interest)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return ErrUnknownSession
	}
	next := e.interest.clone()
	fn(&next)
	r.unindex(e)
	e.interest = next.normalize()
	r.index(e)
	return nil
}

// Lookup returns the sessions interested in topic as of the call.
func (r *Registry) Lookup(topic event.Topic) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch topic.Kind {
	case event.TopicManga:
		direct := r.manga[topic.ID]
		out := make([]Target, 0, len(direct)+len(r.allManga))
		for h := range direct {
			out = append(out, r.target(h))
		}
		for h := range r.allManga {
			if _, dup := direct[h]; dup {
				continue
			}
			out = append(out, r.target(h))
		}
		return out
	case event.TopicRoom:
		members := r.rooms[topic.ID]
		out := make([]Target, 0, len(members))
		for h := range members {
			out = append(out, r.target(h))
		}
		return out
	}
	return nil
}

// SessionsOf returns every live session of a user across devices and transports.
func (r *Registry) SessionsOf(userID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.users[userID]
	out := make([]Target, 0, len(hs))
	for h := range hs {
		out = append(out, r.target(h))
	}
	return out
}

func (r *Registry) Get(h Handle) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// ByEndpoint finds the session bound to a transport endpoint.
func (r *Registry) ByEndpoint(ep string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.endpoints[ep]
	if !ok {
		return Target{}, false
	}
	return r.target(h), true
}

// InterestOf returns a copy of h's interest set.
func (r *Registry) InterestOf(h Handle) (Interest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return Interest{}, false
	}
	return e.interest.clone(), true
}

// InRoom reports whether h is a member of room.
func (r *Registry) InRoom(h Handle, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][h]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type Stats struct {
	Sessions  int `json:"sessions"`
	Streams   int `json:"streams"`
	Datagrams int `json:"datagrams"`
	Users     int `json:"users"`
	Manga     int `json:"manga"`
	Rooms     int `json:"rooms"`
}

func (r *Registry) Counts() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		Sessions: len(r.entries),
		Users:    len(r.users),
		Manga:    len(r.manga),
		Rooms:    len(r.rooms),
	}
	for _, e := range r.entries {
		switch e.session.Kind() {
		case KindStream:
			st.Streams++
		case KindDatagram:
			st.Datagrams++
		}
	}
	return st
}

// caller holds mu
func (r *Registry) target(h Handle) Target {
	return Target{Handle: h, Session: r.entries[h].session}
}

func (r *Registry) index(e *entry) {
	if e.interest.AllManga {
		r.allManga[e.handle] = struct{}{}
	}
	for _, m := range e.interest.Manga {
		addIdx(r.manga, m, e.handle)
	}
	for _, room := range e.interest.Rooms {
		addIdx(r.rooms, room, e.handle)
	}
}

func (r *Registry) unindex(e *entry) {
	delete(r.allManga, e.handle)
	for _, m := range e.interest.Manga {
		delIdx(r.manga, m, e.handle)
	}
	for _, room := range e.interest.Rooms {
		delIdx(r.rooms, room, e.handle)
	}
}

func addIdx(idx map[string]map[Handle]struct{}, key string, h Handle) {
	set, ok := idx[key]
	if !ok {
		set = make(map[Handle]struct{})
		idx[key] = set
	}
	set[h] = struct{}{}
}

func delIdx(idx map[string]map[Handle]struct{}, key string, h Handle) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(idx, key)
	}
}
