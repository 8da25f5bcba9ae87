package registry

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/auth"
)

type fakeSession struct {
	kind Kind
	id   auth.Identity
	ep   string
}

func (f *fakeSession) Kind() Kind                { return f.kind }
func (f *fakeSession) Identity() auth.Identity   { return f.id }
func (f *fakeSession) Endpoint() string          { return f.ep }
func (f *fakeSession) Deliver(event.Event) error { return nil }

var (
	alice = auth.Identity{UserID: "u1", Username: "alice"}
	bob   = auth.Identity{UserID: "u2", Username: "bob"}
)

func stream(id auth.Identity, ep string) *fakeSession {
	return &fakeSession{kind: KindStream, id: id, ep: ep}
}

func handles(ts []Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t.Handle))
	}
	sort.Strings(out)
	return out
}

func TestRegisterDuplicateEndpoint(t *testing.T) {
	r := New()
	h1, err := r.Register(alice, stream(alice, "10.0.0.1:5000"), Interest{})
	require.NoError(t, err)
	require.NotEmpty(t, h1)

	_, err = r.Register(alice, stream(alice, "10.0.0.1:5000"), Interest{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Deregister(h1))
	assert.False(t, r.Deregister(h1), "second deregister is a no-op")

	h2, err := r.Register(alice, stream(alice, "10.0.0.1:5000"), Interest{})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

type boundSession struct {
	fakeSession
	mu sync.Mutex
	h  Handle
}

func (b *boundSession) Bind(h Handle) {
	b.mu.Lock()
	b.h = h
	b.mu.Unlock()
}

func (b *boundSession) bound() Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.h
}

func TestBinderGetsHandleBeforeLookup(t *testing.T) {
	r := New()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, tg := range r.Lookup(event.MangaTopic("m1")) {
				assert.Equal(t, tg.Handle, tg.Session.(*boundSession).bound())
			}
		}
	}()
	for i := 0; i < 200; i++ {
		s := &boundSession{fakeSession: fakeSession{kind: KindDatagram, id: alice, ep: fmt.Sprintf("udp:%d", i)}}
		h, err := r.Register(alice, s, Interest{Manga: []string{"m1"}})
		require.NoError(t, err)
		assert.Equal(t, h, s.bound())
	}
	close(done)
	wg.Wait()

	dup := &boundSession{fakeSession: fakeSession{kind: KindDatagram, id: alice, ep: "udp:0"}}
	_, err := r.Register(alice, dup, Interest{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Empty(t, dup.bound(), "a rejected session is never bound")
}

func TestLookupByManga(t *testing.T) {
	r := New()
	ha, _ := r.Register(alice, stream(alice, "a"), ParseInterest([]string{"m1", "m2"}, nil))
	hb, _ := r.Register(bob, stream(bob, "b"), ParseInterest([]string{"m1"}, nil))
	hall, _ := r.Register(bob, stream(bob, "c"), ParseInterest([]string{"*"}, nil))

	assert.Equal(t, handles([]Target{{Handle: ha}, {Handle: hb}, {Handle: hall}}), handles(r.Lookup(event.MangaTopic("m1"))))
	assert.Equal(t, handles([]Target{{Handle: ha}, {Handle: hall}}), handles(r.Lookup(event.MangaTopic("m2"))))
	assert.Equal(t, []string{string(hall)}, handles(r.Lookup(event.MangaTopic("m9"))))

	r.Deregister(ha)
	assert.Equal(t, handles([]Target{{Handle: hb}, {Handle: hall}}), handles(r.Lookup(event.MangaTopic("m1"))))
	assert.Equal(t, []string{string(hall)}, handles(r.Lookup(event.MangaTopic("m2"))))
}

func TestAllMangaNotDuplicated(t *testing.T) {
	r := New()
	h, _ := r.Register(alice, stream(alice, "a"), ParseInterest([]string{"m1", "all"}, nil))
	got := r.Lookup(event.MangaTopic("m1"))
	require.Len(t, got, 1)
	assert.Equal(t, h, got[0].Handle)
}

func TestModifyInterest(t *testing.T) {
	r := New()
	h, _ := r.Register(alice, stream(alice, "a"), ParseInterest([]string{"m1"}, nil))

	require.NoError(t, r.ModifyInterest(h, func(in *Interest) {
		in.Subscribe("m2", "m2", " ")
		in.Unsubscribe("m1")
		in.Join("general")
	}))
	assert.Empty(t, r.Lookup(event.MangaTopic("m1")))
	assert.Len(t, r.Lookup(event.MangaTopic("m2")), 1)
	assert.Len(t, r.Lookup(event.RoomTopic("general")), 1)
	assert.True(t, r.InRoom(h, "general"))

	in, ok := r.InterestOf(h)
	require.True(t, ok)
	assert.Equal(t, []string{"m2"}, in.Manga)

	require.NoError(t, r.ModifyInterest(h, func(in *Interest) { in.Leave("general") }))
	assert.Empty(t, r.Lookup(event.RoomTopic("general")))
	assert.Equal(t, 0, r.Counts().Rooms, "empty room index is removed")

	assert.ErrorIs(t, r.UpdateInterest("nope", Interest{}), ErrUnknownSession)
}

func TestSessionsOfMultiDevice(t *testing.T) {
	r := New()
	h1, _ := r.Register(alice, stream(alice, "phone"), Interest{})
	h2, _ := r.Register(alice, &fakeSession{kind: KindDatagram, id: alice, ep: "udp:1.2.3.4:9"}, Interest{})
	r.Register(bob, stream(bob, "laptop"), Interest{})

	assert.Equal(t, handles([]Target{{Handle: h1}, {Handle: h2}}), handles(r.SessionsOf("u1")))

	st := r.Counts()
	assert.Equal(t, Stats{Sessions: 3, Streams: 2, Datagrams: 1, Users: 2}, st)

	r.Deregister(h1)
	r.Deregister(h2)
	assert.Empty(t, r.SessionsOf("u1"))
	assert.Equal(t, 1, r.Counts().Users)
}

func TestByEndpointAndGet(t *testing.T) {
	r := New()
	s := stream(alice, "a")
	h, _ := r.Register(alice, s, Interest{})

	tg, ok := r.ByEndpoint("a")
	require.True(t, ok)
	assert.Equal(t, h, tg.Handle)

	got, ok := r.Get(h)
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Deregister(h)
	_, ok = r.ByEndpoint("a")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := auth.Identity{UserID: fmt.Sprintf("u%d", i%4)}
			for j := 0; j < 50; j++ {
				h, err := r.Register(id, stream(id, fmt.Sprintf("%d-%d", i, j)), ParseInterest([]string{"m1"}, []string{"room"}))
				if !assert.NoError(t, err) {
					return
				}
				_ = r.Lookup(event.MangaTopic("m1"))
				_ = r.ModifyInterest(h, func(in *Interest) { in.Subscribe("m2") })
				r.Deregister(h)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, Stats{}, r.Counts())
}

func TestParseInterest(t *testing.T) {
	in := ParseInterest([]string{"m2", "m1", "m2", "", "*"}, []string{"b", "a"})
	assert.True(t, in.AllManga)
	assert.Equal(t, []string{"m1", "m2"}, in.Manga)
	assert.Equal(t, []string{"a", "b"}, in.Rooms)
	assert.ElementsMatch(t, []string{"m1", "m2", "*"}, in.Wire())

	in.Unsubscribe("*")
	assert.False(t, in.AllManga)
}
