package producer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/libs/core-push-go/pkg/push"
)

func TestNewMessage(t *testing.T) {
	evt := event.Event{
		ID:    77,
		Kind:  event.KindProgress,
		Topic: event.MangaTopic("m1"),
		At:    time.Unix(1700000000, 0).UTC(),
		Progress: &event.Progress{
			UserID: "u1", MangaID: "m1", Chapter: 5, Status: event.StatusReading,
		},
	}
	m, err := NewMessage(push.RocketMQSettings{Topic: "manga_progress"}, evt)
	require.NoError(t, err)

	assert.Equal(t, "manga_progress", m.Topic)
	assert.Equal(t, "progress", m.GetTags())
	assert.Equal(t, "manga:m1", m.GetShardingKey())
	assert.Equal(t, "77", m.GetProperty("event_id"))

	var back event.Event
	require.NoError(t, json.Unmarshal(m.Body, &back))
	assert.Equal(t, 5, back.Progress.Chapter)
}

func TestNewRocketMQRequiresSettings(t *testing.T) {
	_, err := NewRocketMQ(push.RocketMQSettings{})
	assert.ErrorIs(t, err, push.ErrNotConfigured)
	_, err = NewRocketMQ(push.RocketMQSettings{NameServer: "127.0.0.1:9876"})
	assert.ErrorIs(t, err, push.ErrNotConfigured)
}
