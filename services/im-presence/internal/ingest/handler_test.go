package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/event"
)

type seqIDs struct{ n atomic.Uint64 }

func (s *seqIDs) NextID() (uint64, error) { return s.n.Add(1), nil }

type capturePub struct {
	mu     sync.Mutex
	err    error
	events []event.Event
}

func (c *capturePub) Publish(_ context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *capturePub) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *capturePub) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

type memDedupe struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memDedupe) DedupeMsg(_ context.Context, id string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func (m *memDedupe) ForgetMsg(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
	return nil
}

type staticTitles map[string]string

func (s staticTitles) Title(_ context.Context, id string) (string, bool) {
	t, ok := s[id]
	return t, ok
}

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newHandler(t *testing.T) (*Handler, *capturePub, *memDedupe) {
	pub := &capturePub{}
	dd := &memDedupe{seen: map[string]bool{}}
	h := NewHandler(Deps{
		Pub:    pub,
		IDs:    &seqIDs{},
		Dedupe: dd,
		Titles: staticTitles{"m1": "Vagabond"},
		Clock:  clock.Fake(now),
		Log:    zaptest.NewLogger(t),
	}, Options{})
	return h, pub, dd
}

func TestIngestPublishesChapterEvent(t *testing.T) {
	h, pub, _ := newHandler(t)

	evt, err := h.HandleMessage(context.Background(), []byte(`{"event_id":"rel-1","manga_id":"m1","chapter_number":328,"chapter_title":"Finale"}`))
	require.NoError(t, err)
	assert.Equal(t, event.KindChapter, evt.Kind)
	assert.Equal(t, event.MangaTopic("m1"), evt.Topic)
	assert.NotZero(t, evt.ID)

	got := pub.all()
	require.Len(t, got, 1)
	rel := got[0].Chapter
	require.NotNil(t, rel)
	assert.Equal(t, "Vagabond", rel.MangaTitle)
	assert.Equal(t, "Finale", rel.ChapterTitle)
	assert.True(t, now.Equal(rel.ReleaseDate))
	assert.Equal(t, "Chapter 328 of Vagabond is out", rel.Message)
	assert.NoError(t, got[0].Validate())
}

func TestIngestDropsDuplicates(t *testing.T) {
	h, pub, _ := newHandler(t)
	body := []byte(`{"event_id":"rel-2","manga_id":"m1","chapter_number":1}`)

	_, err := h.HandleMessage(context.Background(), body)
	require.NoError(t, err)
	_, err = h.HandleMessage(context.Background(), body)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, pub.all(), 1)

	// Releases without an event id are never deduped.
	for i := 0; i < 2; i++ {
		_, err = h.HandleMessage(context.Background(), []byte(`{"manga_id":"m1","chapter_number":2}`))
		require.NoError(t, err)
	}
	assert.Len(t, pub.all(), 3)
}

func TestIngestDedupeStoreDown(t *testing.T) {
	h, pub, dd := newHandler(t)
	dd.err = errors.New("redis: connection refused")

	_, err := h.HandleMessage(context.Background(), []byte(`{"event_id":"rel-3","manga_id":"m1","chapter_number":1}`))
	require.NoError(t, err)
	assert.Len(t, pub.all(), 1)
}

func TestIngestRejectsInvalid(t *testing.T) {
	h, pub, _ := newHandler(t)
	for _, body := range []string{
		`not json`,
		`{"chapter_number":3}`,
		`{"manga_id":"  ","chapter_number":3}`,
		`{"manga_id":"m1","chapter_number":-1}`,
	} {
		_, err := h.HandleMessage(context.Background(), []byte(body))
		assert.ErrorIs(t, err, ErrInvalidRelease, body)
	}
	assert.Empty(t, pub.all())
}

func TestPublishFailureReleasesDedupeMark(t *testing.T) {
	h, pub, _ := newHandler(t)
	pub.setErr(errors.New("fanout: queue full"))
	body := []byte(`{"event_id":"rel-4","manga_id":"m1","chapter_number":9}`)

	_, err := h.HandleMessage(context.Background(), body)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRelease)

	pub.setErr(nil)
	_, err = h.HandleMessage(context.Background(), body)
	require.NoError(t, err)
	assert.Len(t, pub.all(), 1)
}

func msg(id, body string) *primitive.MessageExt {
	return &primitive.MessageExt{Message: primitive.Message{Body: []byte(body)}, MsgId: id}
}

func TestConsumeBatch(t *testing.T) {
	h, pub, _ := newHandler(t)
	log := zaptest.NewLogger(t)

	res, err := consumeBatch(context.Background(), h, log, []*primitive.MessageExt{
		msg("a", `{"event_id":"e1","manga_id":"m1","chapter_number":1}`),
		msg("b", `garbage`),
		msg("c", `{"event_id":"e1","manga_id":"m1","chapter_number":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeSuccess, res)
	assert.Len(t, pub.all(), 1)

	pub.setErr(errors.New("fanout: queue full"))
	res, err = consumeBatch(context.Background(), h, log, []*primitive.MessageExt{
		msg("d", `{"event_id":"e2","manga_id":"m1","chapter_number":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeRetryLater, res)
}

// failNth fails exactly one Publish call, the nth.
type failNth struct {
	capturePub
	n     int
	calls int
}

func (f *failNth) Publish(ctx context.Context, evt event.Event) error {
	f.calls++
	if f.calls == f.n {
		return errors.New("fanout: queue full")
	}
	return f.capturePub.Publish(ctx, evt)
}

func TestConsumeBatchRedeliveryPublishesOnce(t *testing.T) {
	pub := &failNth{n: 2}
	h := NewHandler(Deps{Pub: pub, IDs: &seqIDs{}, Clock: clock.Fake(now), Log: zaptest.NewLogger(t)}, Options{})
	log := zaptest.NewLogger(t)
	batch := []*primitive.MessageExt{
		msg("q1", `{"event_id":"e1","manga_id":"m1","chapter_number":1}`),
		msg("q2", `{"manga_id":"m2","chapter_number":5}`),
	}

	res, err := consumeBatch(context.Background(), h, log, batch)
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeRetryLater, res)

	res, err = consumeBatch(context.Background(), h, log, batch)
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeSuccess, res)

	got := pub.all()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Chapter.MangaID)
	assert.Equal(t, "m2", got[1].Chapter.MangaID)
	assert.Equal(t, releaseID("e1"), got[0].ID)
	assert.Equal(t, releaseID("mq:q2"), got[1].ID)
}

func TestReleaseIDIsStableAcrossNodes(t *testing.T) {
	body := []byte(`{"event_id":"rel-9","manga_id":"m1","chapter_number":7}`)
	var ids []uint64
	for i := 0; i < 2; i++ {
		pub := &capturePub{}
		h := NewHandler(Deps{Pub: pub, IDs: &seqIDs{}, Clock: clock.Fake(now)}, Options{})
		evt, err := h.HandleMessage(context.Background(), body)
		require.NoError(t, err)
		ids = append(ids, evt.ID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.NotEqual(t, releaseID("rel-9"), releaseID("rel-10"))
	assert.NotZero(t, releaseID("rel-9")&(1<<63))
}

func TestDeliveryKeyPrefersUniqueKey(t *testing.T) {
	m := msg("offset-id", `{}`)
	assert.Equal(t, "offset-id", deliveryKey(m))
	m.WithProperty(primitive.PropertyUniqueClientMessageIdKeyIndex, "uniq-1")
	assert.Equal(t, "uniq-1", deliveryKey(m))
}
