package breaker

import (
	"errors"
	"sync"
	"time"

	"yuim/libs/core-push-go/pkg/clock"
)

var ErrOpen = errors.New("breaker: open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "closed"
}

// Breaker tracks failures per key (a store name, a downstream host).
//
// Threshold failures inside Window open the key for OpenFor. After that a
// single probe call is let through; its outcome closes or reopens the key.
type Breaker struct {
	mu     sync.Mutex
	clk    clock.Clock
	opt    Options
	onOpen func(key string)
	keys   map[string]*keyState
}

type keyState struct {
	state    State
	failures int
	since    time.Time // first failure while closed, or last transition otherwise
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
	Clock     clock.Clock
	// OnOpen is called each time a key trips.
	OnOpen func(key string)
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	return &Breaker{clk: opt.Clock, opt: opt, onOpen: opt.OnOpen, keys: map[string]*keyState{}}
}

// State reports the current state of key without moving it.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ks, ok := b.keys[key]; ok {
		return ks.state
	}
	return Closed
}

// Allow reports whether a call for key may proceed. An open key whose cool-down
// has elapsed moves to half-open and admits one probe; a probe that never
// reports back is replaced after another OpenFor.
func (b *Breaker) Allow(key string) bool {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok || ks.state == Closed {
		return true
	}
	if now.Sub(ks.since) < b.opt.OpenFor {
		return false
	}
	ks.state = HalfOpen
	ks.since = now
	return true
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

// Failure records a failure and reports whether it opened the breaker.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{since: now}
		b.keys[key] = ks
	}
	switch ks.state {
	case Open:
		return false
	case HalfOpen:
		b.trip(ks, now)
		return true
	}

	if now.Sub(ks.since) > b.opt.Window {
		ks.failures = 0
		ks.since = now
	}
	ks.failures++
	if ks.failures >= b.opt.Threshold {
		b.trip(ks, now)
		return true
	}
	return false
}

func (b *Breaker) trip(ks *keyState, now time.Time) {
	ks.state = Open
	ks.failures = 0
	ks.since = now
}

// Do runs fn unless key is open, and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		if b.Failure(key) && b.onOpen != nil {
			b.onOpen(key)
		}
		return err
	}
	b.Success(key)
	return nil
}
