package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/config"
	"yuim/services/im-presence/internal/protocol"
)

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = newLogger("")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger("chatty")
	assert.Error(t, err)
}

func TestNewValidator(t *testing.T) {
	var cfg config.Config
	cfg.Auth.Static = map[string]config.StaticUser{"dev": {UserID: "u1", Username: "dev"}}
	v, err := newValidator(&cfg, nil)
	require.NoError(t, err)
	id, err := v.Validate(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	_, err = v.Validate(context.Background(), "other")
	assert.Equal(t, protocol.CodeTokenInvalid, auth.ReasonOf(err))

	cfg.Auth.Secret = "s3cret"
	v, err = newValidator(&cfg, nil)
	require.NoError(t, err)
	jv, ok := v.(*auth.JWTValidator)
	require.True(t, ok)
	tok, err := jv.Sign(auth.Identity{UserID: "u2", Username: "bob"}, time.Minute)
	require.NoError(t, err)
	id, err = v.Validate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Username)
}

func TestBuildAndRunInMemory(t *testing.T) {
	var cfg config.Config
	cfg.NodeID = 1
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Stream.Addr = "127.0.0.1:0"
	cfg.Datagram.Addr = "127.0.0.1:0"
	cfg.Auth.Secret = "s3cret"
	cfg.Progress.Store = config.StoreMemory
	cfg.Stream.PingInterval = time.Second
	cfg.Stream.PongTimeout = 3 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	a, err := build(ctx, &cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.consumer)
	assert.Nil(t, a.mirror)

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
