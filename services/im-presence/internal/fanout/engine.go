// Package fanout delivers each event to every interested session. Events are
// partitioned by topic so one worker owns a topic at a time: recipients see
// events of a topic in the order they were published.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/metrics"
	"yuim/services/im-presence/internal/registry"
)

var (
	ErrQueueFull = errors.New("fanout: partition queue full")
	ErrStopped   = errors.New("fanout: engine stopped")
)

// Resolver is the registry side the engine needs.
type Resolver interface {
	Lookup(topic event.Topic) []registry.Target
}

type Options struct {
	Partitions int
	QueueSize  int
}

func (o Options) withDefaults() Options {
	if o.Partitions <= 0 {
		o.Partitions = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	return o
}

// Report summarizes one dispatch.
type Report struct {
	Targets   int
	Delivered int
	Failed    int
}

type Engine struct {
	reg  Resolver
	log  *zap.Logger
	opts Options

	parts []chan event.Event
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	// OnDispatch, if set, is called after each event is dispatched by a worker.
	OnDispatch func(evt event.Event, r Report)
}

func New(reg Resolver, log *zap.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		reg:   reg,
		log:   log,
		opts:  opts,
		parts: make([]chan event.Event, opts.Partitions),
		stop:  make(chan struct{}),
	}
	for i := range e.parts {
		e.parts[i] = make(chan event.Event, opts.QueueSize)
	}
	return e
}

func (e *Engine) Start() {
	for i := range e.parts {
		e.wg.Add(1)
		go e.worker(e.parts[i])
	}
}

// Stop stops the workers. Queued events that were not dispatched yet are dropped.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Publish enqueues evt on its topic's partition without blocking.
func (e *Engine) Publish(_ context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	select {
	case <-e.stop:
		return ErrStopped
	default:
	}
	select {
	case e.parts[e.partitionFor(evt.Topic)] <- evt:
		return nil
	default:
		metrics.FanoutQueueFull.Inc()
		return ErrQueueFull
	}
}

func (e *Engine) partitionFor(t event.Topic) int {
	return int(xxhash.Sum64String(t.String()) % uint64(len(e.parts)))
}

func (e *Engine) worker(q <-chan event.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case evt := <-q:
			r := e.Dispatch(evt)
			if e.OnDispatch != nil {
				e.OnDispatch(evt, r)
			}
		}
	}
}

// Dispatch delivers evt to every session interested in its topic except the
// originating one. A failed delivery is counted and never affects the others.
func (e *Engine) Dispatch(evt event.Event) Report {
	targets := e.reg.Lookup(evt.Topic)
	metrics.FanoutEvents.WithLabelValues(string(evt.Kind)).Inc()

	var r Report
	for _, t := range targets {
		if evt.Origin != "" && string(t.Handle) == evt.Origin {
			continue
		}
		r.Targets++
		kind := string(t.Session.Kind())
		if err := deliver(t.Session, evt); err != nil {
			r.Failed++
			metrics.FanoutDeliveries.WithLabelValues(kind, "failed").Inc()
			e.log.Debug("fanout delivery failed",
				zap.String("handle", string(t.Handle)),
				zap.String("transport", kind),
				zap.String("topic", evt.Topic.String()),
				zap.Uint64("event_id", evt.ID),
				zap.Error(err))
			continue
		}
		r.Delivered++
		metrics.FanoutDeliveries.WithLabelValues(kind, "ok").Inc()
	}
	return r
}

func deliver(s registry.Session, evt event.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fanout: deliver panic: %v", p)
		}
	}()
	return s.Deliver(evt)
}
