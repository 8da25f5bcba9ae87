package progress

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/event"
)

// Producer is satisfied by producer.RocketMQProducer.
type Producer interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Mirror copies accepted progress events to MQ off the report path. The
// queue is bounded; when it is full the event is dropped and logged, since
// the realtime broadcast has already happened.
type Mirror struct {
	prod Producer
	log  *zap.Logger
	opt  MirrorOptions

	q chan event.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type MirrorOptions struct {
	QueueSize int
	Attempts  int
	Timeout   time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
}

func NewMirror(prod Producer, log *zap.Logger, opt MirrorOptions) *Mirror {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Attempts <= 0 {
		opt.Attempts = 3
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = 200 * time.Millisecond
	}
	if opt.RetryMax <= 0 {
		opt.RetryMax = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mirror{
		prod:   prod,
		log:    log,
		opt:    opt,
		q:      make(chan event.Event, opt.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case evt := <-m.q:
				m.publish(evt)
			}
		}
	}()
}

// Stop halts the worker, cutting short any publish or backoff in progress.
// Events still queued are dropped.
func (m *Mirror) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Mirror) Enqueue(evt event.Event) bool {
	select {
	case m.q <- evt:
		return true
	default:
		m.log.Warn("progress mirror queue full", zap.Uint64("event_id", evt.ID))
		return false
	}
}

func (m *Mirror) publish(evt event.Event) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opt.RetryBase
	eb.MaxInterval = m.opt.RetryMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.opt.Attempts-1)), m.ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		ctx, cancel := context.WithTimeout(m.ctx, m.opt.Timeout)
		defer cancel()
		return m.prod.Publish(ctx, evt)
	}, bo, func(err error, wait time.Duration) {
		m.log.Debug("progress mirror retry", zap.Uint64("event_id", evt.ID), zap.Duration("backoff", wait), zap.Error(err))
	})
	if err != nil && m.ctx.Err() == nil {
		m.log.Warn("progress mirror gave up", zap.Uint64("event_id", evt.ID), zap.Int("attempts", attempts), zap.Error(err))
	}
}
