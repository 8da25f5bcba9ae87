package titlecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"yuim/libs/core-push-go/pkg/clock"
)

var errNoManga = errors.New("no such manga")

type mockSource struct{ mock.Mock }

func (m *mockSource) Title(ctx context.Context, id string) (string, error) {
	args := m.Called(id)
	return args.String(0), args.Error(1)
}

func TestCacheHitsUntilTTL(t *testing.T) {
	src := &mockSource{}
	src.On("Title", "m1").Return("Berserk", nil).Twice()
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(src, Options{TTL: time.Minute, Clock: clk})

	for i := 0; i < 3; i++ {
		title, ok := c.Title(context.Background(), "m1")
		assert.True(t, ok)
		assert.Equal(t, "Berserk", title)
	}
	src.AssertNumberOfCalls(t, "Title", 1)

	clk.Advance(time.Minute)
	title, ok := c.Title(context.Background(), "m1")
	assert.True(t, ok)
	assert.Equal(t, "Berserk", title)
	src.AssertNumberOfCalls(t, "Title", 2)
}

func TestCacheNegativeAndErrors(t *testing.T) {
	src := &mockSource{}
	src.On("Title", "gone").Return("", errNoManga).Once()
	src.On("Title", "flaky").Return("", errors.New("db down")).Twice()
	c := New(src, Options{NotFound: errNoManga})

	_, ok := c.Title(context.Background(), "gone")
	assert.False(t, ok)
	_, ok = c.Title(context.Background(), "gone")
	assert.False(t, ok)

	_, ok = c.Title(context.Background(), "flaky")
	assert.False(t, ok)
	_, ok = c.Title(context.Background(), "flaky")
	assert.False(t, ok)
	src.AssertExpectations(t)
}

func TestCacheBoundedAndInvalidate(t *testing.T) {
	src := &mockSource{}
	src.On("Title", mock.Anything).Return("t", nil)
	c := New(src, Options{MaxSize: 2})

	c.Title(context.Background(), "a")
	c.Title(context.Background(), "b")
	c.Title(context.Background(), "c")
	assert.LessOrEqual(t, c.Len(), 2)

	c.Invalidate("c")
	assert.LessOrEqual(t, c.Len(), 1)
}
