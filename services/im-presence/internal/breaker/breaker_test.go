package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"yuim/libs/core-push-go/pkg/clock"
)

func TestOpensAfterThreshold(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	b := New(Options{Threshold: 3, Window: 10 * time.Second, OpenFor: 5 * time.Second, Clock: clk})

	assert.False(t, b.Failure("store"))
	assert.False(t, b.Failure("store"))
	assert.True(t, b.Failure("store"))
	assert.False(t, b.Allow("store"))
	assert.True(t, b.Allow("other"), "keys are independent")

	clk.Advance(5 * time.Second)
	assert.True(t, b.Allow("store"), "half-open after OpenFor")

	b.Success("store")
	assert.False(t, b.Failure("store"), "success resets the count")
}

func TestWindowResets(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	b := New(Options{Threshold: 2, Window: time.Second, Clock: clk})

	b.Failure("k")
	clk.Advance(2 * time.Second)
	assert.False(t, b.Failure("k"), "old failure fell out of the window")
	assert.True(t, b.Failure("k"))
}

func TestDo(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	b := New(Options{Threshold: 1, OpenFor: time.Second, Clock: clk})
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Do("k", func() error { return boom }), boom)
	called := false
	assert.ErrorIs(t, b.Do("k", func() error { called = true; return nil }), ErrOpen)
	assert.False(t, called)

	clk.Advance(time.Second)
	assert.NoError(t, b.Do("k", func() error { return nil }))
	assert.True(t, b.Allow("k"))
}

func TestHalfOpenProbe(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	var opened []string
	b := New(Options{Threshold: 1, OpenFor: time.Second, Clock: clk, OnOpen: func(k string) { opened = append(opened, k) }})
	boom := errors.New("boom")

	assert.Equal(t, Closed, b.State("k"))
	assert.ErrorIs(t, b.Do("k", func() error { return boom }), boom)
	assert.Equal(t, Open, b.State("k"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("k"))
	assert.Equal(t, HalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "one probe at a time")

	assert.True(t, b.Failure("k"), "failed probe reopens")
	assert.Equal(t, Open, b.State("k"))
	assert.False(t, b.Failure("k"), "already open")

	clk.Advance(time.Second)
	assert.NoError(t, b.Do("k", func() error { return nil }))
	assert.Equal(t, Closed, b.State("k"))
	assert.Equal(t, []string{"k"}, opened)
	assert.Equal(t, "half-open", HalfOpen.String())
}
