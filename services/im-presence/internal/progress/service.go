package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/event"
	"yuim/libs/core-push-go/pkg/store/storeiface"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/breaker"
	"yuim/services/im-presence/internal/metrics"
	"yuim/services/im-presence/internal/protocol"
	"yuim/services/im-presence/internal/registry"
)

const (
	maxMangaIDLen = 128
	maxChapter    = 100000
	stripes       = 64
	storeKey      = "progress-store"
)

// Publisher hands an event to the fan-out engine without blocking on delivery.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Titles resolves display titles for broadcasts.
type Titles interface {
	Title(ctx context.Context, mangaID string) (string, bool)
}

type Options struct {
	PersistRetries int
	RetryBase      time.Duration
	RetryMax       time.Duration
	OpTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PersistRetries < 0 {
		o.PersistRetries = 0
	} else if o.PersistRetries == 0 {
		o.PersistRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// Service accepts progress reports from stream sessions: validate, authorize,
// enforce monotonic chapters, persist, then emit a progress event.
type Service struct {
	store   storeiface.ProgressStore
	authz   auth.Authorizer
	pub     Publisher
	titles  Titles
	ids     event.IDGenerator
	breaker *breaker.Breaker
	mirror  *Mirror
	clk     clock.Clock
	log     *zap.Logger
	opts    Options

	locks [stripes]sync.Mutex
}

type Deps struct {
	Store   storeiface.ProgressStore
	Authz   auth.Authorizer
	Pub     Publisher
	Titles  Titles
	IDs     event.IDGenerator
	Breaker *breaker.Breaker
	Mirror  *Mirror // optional
	Clock   clock.Clock
	Log     *zap.Logger
}

func NewService(d Deps, opts Options) *Service {
	if d.Authz == nil {
		d.Authz = auth.AllowAll()
	}
	if d.Breaker == nil {
		d.Breaker = breaker.New(breaker.Options{Clock: d.Clock})
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Service{
		store:   d.Store,
		authz:   d.Authz,
		pub:     d.Pub,
		titles:  d.Titles,
		ids:     d.IDs,
		breaker: d.Breaker,
		mirror:  d.Mirror,
		clk:     d.Clock,
		log:     d.Log,
		opts:    opts.withDefaults(),
	}
}

// Result is an accepted report.
type Result struct {
	Record  event.Progress
	EventID uint64
}

// Report applies rep for id. origin is the reporting session; it is excluded
// from the resulting broadcast.
//
// Monotonicity: a chapter lower than the stored one is STALE_PROGRESS unless
// rep.Correction is set; the same chapter with the same status is a duplicate
// and also STALE_PROGRESS; the same chapter with a new status is accepted.
func (s *Service) Report(ctx context.Context, id auth.Identity, origin registry.Handle, rep protocol.ProgressReport) (Result, error) {
	rec, err := s.validate(id, rep)
	if err != nil {
		metrics.ProgressReports.WithLabelValues("validation").Inc()
		return Result{}, err
	}

	actx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	ok, err := s.authz.CanAccess(actx, id, rec.MangaID)
	cancel()
	if err != nil {
		metrics.ProgressReports.WithLabelValues("unavailable").Inc()
		return Result{}, reject(protocol.CodeUnavailable, "authorization check failed", err)
	}
	if !ok {
		metrics.ProgressReports.WithLabelValues("forbidden").Inc()
		return Result{}, reject(protocol.CodeForbidden, "manga "+rec.MangaID+" is not in your library", nil)
	}

	mu := &s.locks[xxhash.Sum64String(rec.UserID+"\x00"+rec.MangaID)%stripes]
	mu.Lock()
	defer mu.Unlock()

	var (
		cur    event.Progress
		exists bool
	)
	err = s.withRetry(ctx, "get", func(ctx context.Context) error {
		var gerr error
		cur, exists, gerr = s.store.GetProgress(ctx, rec.UserID, rec.MangaID)
		return gerr
	})
	if err != nil {
		metrics.ProgressReports.WithLabelValues("persistence_failed").Inc()
		return Result{}, reject(protocol.CodePersistenceFailed, "could not read progress", err)
	}
	if exists {
		if rec.Chapter < cur.Chapter && !rep.Correction {
			metrics.ProgressReports.WithLabelValues("stale").Inc()
			return Result{}, reject(protocol.CodeStaleProgress,
				fmt.Sprintf("chapter %d is behind recorded chapter %d", rec.Chapter, cur.Chapter), nil)
		}
		if rec.Chapter == cur.Chapter && rec.Status == cur.Status {
			metrics.ProgressReports.WithLabelValues("stale").Inc()
			return Result{}, reject(protocol.CodeStaleProgress,
				fmt.Sprintf("chapter %d already recorded as %s", rec.Chapter, rec.Status), nil)
		}
	}

	// The id is taken before the write so an accepted report always carries
	// the id of its broadcast.
	evtID, err := s.ids.NextID()
	if err != nil {
		metrics.ProgressReports.WithLabelValues("unavailable").Inc()
		return Result{}, reject(protocol.CodeUnavailable, "could not allocate an event id", err)
	}

	if err := s.withRetry(ctx, "put", func(ctx context.Context) error {
		return s.store.PutProgress(ctx, rec)
	}); err != nil {
		metrics.ProgressReports.WithLabelValues("persistence_failed").Inc()
		return Result{}, reject(protocol.CodePersistenceFailed, "could not save progress", err)
	}
	metrics.ProgressReports.WithLabelValues("accepted").Inc()

	rec.Username = id.Username
	rec.MangaTitle = rec.MangaID
	if s.titles != nil {
		if t, ok := s.titles.Title(ctx, rec.MangaID); ok {
			rec.MangaTitle = t
		}
	}

	evt := event.Event{
		ID:       evtID,
		Kind:     event.KindProgress,
		Topic:    event.MangaTopic(rec.MangaID),
		Origin:   string(origin),
		At:       rec.Timestamp,
		Progress: &rec,
	}
	// Published under the stripe lock so events for one (user, manga) enter
	// the fan-out queue in acceptance order.
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.log.Warn("progress broadcast dropped",
			zap.String("user_id", rec.UserID), zap.String("manga_id", rec.MangaID), zap.Error(err))
	}
	if s.mirror != nil {
		s.mirror.Enqueue(evt)
	}
	return Result{Record: rec, EventID: evtID}, nil
}

func (s *Service) validate(id auth.Identity, rep protocol.ProgressReport) (event.Progress, error) {
	mangaID := strings.TrimSpace(rep.MangaID)
	if mangaID == "" {
		return event.Progress{}, reject(protocol.CodeValidation, "manga_id is required", nil)
	}
	if len(mangaID) > maxMangaIDLen {
		return event.Progress{}, reject(protocol.CodeValidation, "manga_id too long", nil)
	}
	if rep.CurrentChapter < 0 || rep.CurrentChapter > maxChapter {
		return event.Progress{}, reject(protocol.CodeValidation,
			fmt.Sprintf("current_chapter must be between 0 and %d", maxChapter), nil)
	}
	status := event.StatusReading
	if rep.Status != "" {
		st, ok := event.ParseStatus(rep.Status)
		if !ok {
			return event.Progress{}, reject(protocol.CodeValidation, "unknown status "+rep.Status, nil)
		}
		status = st
	}
	return event.Progress{
		UserID:    id.UserID,
		MangaID:   mangaID,
		Chapter:   rep.CurrentChapter,
		Status:    status,
		Timestamp: s.clk.Now().UTC(),
	}, nil
}

// withRetry runs op behind the store breaker, retrying transient failures a
// bounded number of times with exponential backoff.
func (s *Service) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.RetryBase
	eb.MaxInterval = s.opts.RetryMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.PersistRetries)), ctx)

	attempt := func() error {
		err := s.breaker.Do(storeKey, func() error {
			cctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
			defer cancel()
			return fn(cctx)
		})
		if errors.Is(err, breaker.ErrOpen) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.PersistRetries.Inc()
		s.log.Warn("progress store retry", zap.String("op", op), zap.Duration("backoff", wait), zap.Error(err))
	}
	return backoff.RetryNotify(attempt, bo, notify)
}
