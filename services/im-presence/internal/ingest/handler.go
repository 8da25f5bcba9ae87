// Package ingest turns chapter-release announcements from the catalog side
// (RocketMQ or the internal HTTP endpoint) into chapter events on the fan-out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/dedupe"
	"yuim/libs/core-push-go/pkg/event"
	"yuim/libs/core-push-go/pkg/store/storeiface"
	"yuim/services/im-presence/internal/metrics"
)

var (
	ErrInvalidRelease = errors.New("ingest: invalid chapter release")
	ErrDuplicate      = errors.New("ingest: duplicate chapter release")
)

type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

type Titles interface {
	Title(ctx context.Context, mangaID string) (string, bool)
}

type Options struct {
	DedupeTTL time.Duration
	OpTimeout time.Duration
}

type Deps struct {
	Pub Publisher
	IDs event.IDGenerator
	// Dedupe shares seen event ids across nodes. Without it each node keeps
	// its own window.
	Dedupe storeiface.Deduper
	Titles Titles             // optional
	Clock  clock.Clock
	Log    *zap.Logger
}

type Handler struct {
	d    Deps
	opts Options
}

func NewHandler(d Deps, opts Options) *Handler {
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Dedupe == nil {
		d.Dedupe = localDedupe{w: dedupe.New(localDedupeSize, opts.DedupeTTL, d.Clock)}
	}
	return &Handler{d: d, opts: opts}
}

// HandleMessage decodes one message body and ingests it.
func (h *Handler) HandleMessage(ctx context.Context, body []byte) (event.Event, error) {
	rel, err := decodeRelease(body)
	if err != nil {
		return event.Event{}, err
	}
	return h.Ingest(ctx, rel)
}

func decodeRelease(body []byte) (event.ChapterRelease, error) {
	var rel event.ChapterRelease
	if err := json.Unmarshal(body, &rel); err != nil {
		metrics.IngestEvents.WithLabelValues("invalid").Inc()
		return rel, fmt.Errorf("%w: %v", ErrInvalidRelease, err)
	}
	return rel, nil
}

// releaseID maps an upstream event id onto the event id space. The top bit is
// set so it never meets an id from the generator, whose ids stay below 2^63.
func releaseID(eventID string) uint64 {
	return xxhash.Sum64String("chapter:"+eventID) | 1<<63
}

const localDedupeSize = 1 << 16

// localDedupe is the single-node Deduper used when no shared store is set.
type localDedupe struct{ w *dedupe.Window }

func (l localDedupe) DedupeMsg(_ context.Context, id string, _ time.Duration) (bool, error) {
	return l.w.First(xxhash.Sum64String(id)), nil
}

func (l localDedupe) ForgetMsg(_ context.Context, id string) error {
	l.w.Forget(xxhash.Sum64String(id))
	return nil
}

// Ingest validates rel, drops it if its event_id was already seen, and
// publishes a chapter event to everyone following the manga. A release with an
// event_id always gets the same event id, so recipients can drop a copy that
// slipped past dedupe.
func (h *Handler) Ingest(ctx context.Context, rel event.ChapterRelease) (event.Event, error) {
	rel.MangaID = strings.TrimSpace(rel.MangaID)
	rel.EventID = strings.TrimSpace(rel.EventID)
	if rel.MangaID == "" {
		metrics.IngestEvents.WithLabelValues("invalid").Inc()
		return event.Event{}, fmt.Errorf("%w: manga_id is required", ErrInvalidRelease)
	}
	if rel.ChapterNumber < 0 {
		metrics.IngestEvents.WithLabelValues("invalid").Inc()
		return event.Event{}, fmt.Errorf("%w: negative chapter_number", ErrInvalidRelease)
	}

	marked := false
	if rel.EventID != "" {
		dctx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
		first, err := h.d.Dedupe.DedupeMsg(dctx, rel.EventID, h.opts.DedupeTTL)
		cancel()
		switch {
		case err != nil:
			// Store down: deliver anyway (at-least-once).
			h.d.Log.Warn("chapter dedupe unavailable", zap.String("event_id", rel.EventID), zap.Error(err))
		case !first:
			metrics.IngestEvents.WithLabelValues("duplicate").Inc()
			return event.Event{}, ErrDuplicate
		default:
			marked = true
		}
	}
	fail := func(err error) (event.Event, error) {
		metrics.IngestEvents.WithLabelValues("failed").Inc()
		if marked {
			fctx, cancel := context.WithTimeout(context.Background(), h.opts.OpTimeout)
			if ferr := h.d.Dedupe.ForgetMsg(fctx, rel.EventID); ferr != nil {
				h.d.Log.Warn("chapter dedupe forget", zap.String("event_id", rel.EventID), zap.Error(ferr))
			}
			cancel()
		}
		return event.Event{}, err
	}

	if rel.MangaTitle == "" {
		rel.MangaTitle = rel.MangaID
		if h.d.Titles != nil {
			if t, ok := h.d.Titles.Title(ctx, rel.MangaID); ok {
				rel.MangaTitle = t
			}
		}
	}
	now := h.d.Clock.Now().UTC()
	if rel.ReleaseDate.IsZero() {
		rel.ReleaseDate = now
	}
	if rel.Message == "" {
		rel.Message = "Chapter " + strconv.Itoa(rel.ChapterNumber) + " of " + rel.MangaTitle + " is out"
	}

	var id uint64
	if rel.EventID != "" {
		id = releaseID(rel.EventID)
	} else {
		var err error
		if id, err = h.d.IDs.NextID(); err != nil {
			return fail(fmt.Errorf("ingest: event id: %w", err))
		}
	}
	evt := event.Event{
		ID:      id,
		Kind:    event.KindChapter,
		Topic:   event.MangaTopic(rel.MangaID),
		At:      now,
		Chapter: &rel,
	}
	if err := h.d.Pub.Publish(ctx, evt); err != nil {
		return fail(fmt.Errorf("ingest: publish: %w", err))
	}
	metrics.IngestEvents.WithLabelValues("accepted").Inc()
	h.d.Log.Info("chapter release published",
		zap.String("manga_id", rel.MangaID),
		zap.Int("chapter", rel.ChapterNumber),
		zap.Uint64("event_id", id))
	return evt, nil
}
