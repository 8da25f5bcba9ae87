package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"yuim/libs/core-push-go/pkg/clock"
)

var ErrQueueFull = errors.New("delivery: pending queue full")

// Envelope is the unit of at-least-once delivery. MessageID is shared by every
// copy of the same event so the receiver can drop retransmissions.
type Envelope struct {
	MessageID  uint64          `json:"message_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
}

// Target is a recipient that can be written to without blocking for long
// (a datagram registration, typically). Key must be stable for the target's life.
type Target interface {
	Key() string
	Send(env Envelope) error
}

type Options struct {
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxPending   int
	TickInterval time.Duration

	// OnRetry and OnExhausted are called outside the engine lock.
	OnRetry     func(key string, env Envelope, err error)
	OnExhausted func(key string, env Envelope)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 4
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 4 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 65536
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	return o
}

// backoff is the wait before retry number retry+1: base doubling per retry, capped.
func (o Options) backoff(retry int) time.Duration {
	d := o.BaseBackoff << min(retry, 16)
	if d <= 0 || d > o.MaxBackoff {
		d = o.MaxBackoff
	}
	return d
}

type pending struct {
	target Target
	env    Envelope
	due    time.Time
}

// Engine tracks unacknowledged envelopes per target and retransmits them with
// exponential backoff until acked, dropped or exhausted.
type Engine struct {
	clk  clock.Clock
	opts Options

	mu      sync.Mutex
	pending map[string]map[uint64]*pending
	total   int
}

func New(clk clock.Clock, opts Options) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		clk:     clk,
		opts:    opts.withDefaults(),
		pending: make(map[string]map[uint64]*pending),
	}
}

// Deliver sends env to t right away and keeps it pending until Ack. A failed
// first send is not reported; the retry schedule covers it.
func (e *Engine) Deliver(t Target, env Envelope) error {
	key := t.Key()
	now := e.clk.Now()
	env.RetryCount = 0

	e.mu.Lock()
	byID := e.pending[key]
	if _, exists := byID[env.MessageID]; !exists && e.total >= e.opts.MaxPending {
		e.mu.Unlock()
		return ErrQueueFull
	}
	if byID == nil {
		byID = make(map[uint64]*pending)
		e.pending[key] = byID
	}
	if _, exists := byID[env.MessageID]; !exists {
		e.total++
	}
	byID[env.MessageID] = &pending{target: t, env: env, due: now.Add(e.opts.backoff(0))}
	e.mu.Unlock()

	if err := t.Send(env); err != nil && e.opts.OnRetry != nil {
		e.opts.OnRetry(key, env, err)
	}
	return nil
}

// Ack settles a pending envelope. It reports whether anything was pending.
func (e *Engine) Ack(key string, messageID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	byID, ok := e.pending[key]
	if !ok {
		return false
	}
	if _, ok := byID[messageID]; !ok {
		return false
	}
	delete(byID, messageID)
	e.total--
	if len(byID) == 0 {
		delete(e.pending, key)
	}
	return true
}

// Drop forgets everything pending for key and returns how many envelopes were
// discarded. Used when the target goes away.
func (e *Engine) Drop(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.pending[key])
	delete(e.pending, key)
	e.total -= n
	return n
}

// Tick retransmits due envelopes and drops the ones that ran out of retries.
func (e *Engine) Tick(now time.Time) {
	type resend struct {
		key    string
		target Target
		env    Envelope
	}
	var (
		sends     []resend
		exhausted []resend
	)

	e.mu.Lock()
	for key, byID := range e.pending {
		for id, p := range byID {
			if now.Before(p.due) {
				continue
			}
			if p.env.RetryCount >= e.opts.MaxRetries {
				delete(byID, id)
				e.total--
				exhausted = append(exhausted, resend{key: key, env: p.env})
				continue
			}
			p.env.RetryCount++
			p.due = now.Add(e.opts.backoff(p.env.RetryCount))
			sends = append(sends, resend{key: key, target: p.target, env: p.env})
		}
		if len(byID) == 0 {
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	for _, s := range sends {
		err := s.target.Send(s.env)
		if e.opts.OnRetry != nil {
			e.opts.OnRetry(s.key, s.env, err)
		}
	}
	if e.opts.OnExhausted != nil {
		for _, x := range exhausted {
			e.opts.OnExhausted(x.key, x.env)
		}
	}
}

// Run drives Tick until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	t := e.clk.NewTicker(e.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			e.Tick(now)
		}
	}
}

// Len is the number of envelopes awaiting ack across all targets.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// PendingFor is the number of envelopes awaiting ack from key.
func (e *Engine) PendingFor(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending[key])
}
