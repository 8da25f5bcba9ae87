// Package titlecache keeps manga titles in memory for a while so broadcasts do
// not hit the database per event.
package titlecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/clock"
)

// Source is the authoritative lookup; repo.MangaRepo satisfies it.
type Source interface {
	Title(ctx context.Context, mangaID string) (string, error)
}

type entry struct {
	title string
	found bool
	exp   time.Time
}

type Cache struct {
	src      Source
	notFound error
	clk      clock.Clock
	log      *zap.Logger
	ttl      time.Duration
	maxSize  int

	mu sync.RWMutex
	m  map[string]entry
}

type Options struct {
	TTL     time.Duration
	MaxSize int
	// NotFound is the Source error meaning "no such manga"; such answers are
	// cached too. Other errors are not.
	NotFound error
	Clock    clock.Clock
	Log      *zap.Logger
}

func New(src Source, opt Options) *Cache {
	if opt.TTL <= 0 {
		opt.TTL = 5 * time.Minute
	}
	if opt.MaxSize <= 0 {
		opt.MaxSize = 50000
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	return &Cache{
		src:      src,
		notFound: opt.NotFound,
		clk:      opt.Clock,
		log:      opt.Log,
		ttl:      opt.TTL,
		maxSize:  opt.MaxSize,
		m:        make(map[string]entry),
	}
}

// Title returns the cached title, loading it from the source on a miss.
// ok is false when the manga is unknown or the source failed.
func (c *Cache) Title(ctx context.Context, mangaID string) (string, bool) {
	now := c.clk.Now()
	c.mu.RLock()
	e, hit := c.m[mangaID]
	c.mu.RUnlock()
	if hit && now.Before(e.exp) {
		return e.title, e.found
	}

	title, err := c.src.Title(ctx, mangaID)
	switch {
	case err == nil:
		c.set(mangaID, entry{title: title, found: true, exp: now.Add(c.ttl)})
		return title, true
	case c.notFound != nil && errors.Is(err, c.notFound):
		c.set(mangaID, entry{exp: now.Add(c.ttl)})
		return "", false
	default:
		c.log.Warn("title lookup failed", zap.String("manga_id", mangaID), zap.Error(err))
		return "", false
	}
}

func (c *Cache) set(id string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= c.maxSize {
		now := c.clk.Now()
		for k, v := range c.m {
			if !now.Before(v.exp) {
				delete(c.m, k)
			}
		}
		if len(c.m) >= c.maxSize {
			c.m = make(map[string]entry)
		}
	}
	c.m[id] = e
}

// Invalidate drops one id, e.g. after a title edit.
func (c *Cache) Invalidate(mangaID string) {
	c.mu.Lock()
	delete(c.m, mangaID)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
