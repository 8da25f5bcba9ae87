package protocol

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/libs/core-push-go/pkg/event"
)

func TestEncodeDecode(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err := Encode(TypeProgress, now, ProgressReport{MangaID: "m1", CurrentChapter: 5, Status: "reading"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"progress"`)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeProgress, m.Type)
	assert.True(t, now.Equal(m.Timestamp))

	var p ProgressReport
	require.NoError(t, m.Bind(&p))
	assert.Equal(t, "m1", p.MangaID)
	assert.Equal(t, 5, p.CurrentChapter)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		_, err := Decode([]byte("hello"))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"data":{}}`))
		assert.ErrorIs(t, err, ErrEmptyType)
	})
	t.Run("payload shape", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"progress","data":{"current_chapter":"five"}}`))
		require.NoError(t, err)
		var p ProgressReport
		assert.ErrorIs(t, m.Bind(&p), ErrInvalidPayload)
	})
	t.Run("no payload", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		var p Ping
		assert.NoError(t, m.Bind(&p))
	})
}

func TestFrameReader(t *testing.T) {
	in := "{\"type\":\"ping\"}\r\n\n  \n{\"type\":\"pong\"}\n{\"type\":\"auth\"}"
	r := NewFrameReader(strings.NewReader(in), 0)

	var got []string
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(f))
	}
	assert.Equal(t, []string{`{"type":"ping"}`, `{"type":"pong"}`, `{"type":"auth"}`}, got)
}

func TestFrameReaderTooLarge(t *testing.T) {
	r := NewFrameReader(strings.NewReader(strings.Repeat("x", 100)+"\n"), 16)
	_, err := r.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStreamMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	prog := event.Event{ID: 1, Kind: event.KindProgress, Topic: event.MangaTopic("m1"),
		Progress: &event.Progress{UserID: "u1", Username: "alice", MangaID: "m1", MangaTitle: "Berserk", Chapter: 5, Status: event.StatusReading, Timestamp: at}}
	typ, body, err := StreamMessage(prog)
	require.NoError(t, err)
	assert.Equal(t, TypeProgressBroadcast, typ)
	assert.Equal(t, ProgressBroadcast{UserID: "u1", Username: "alice", MangaID: "m1", MangaTitle: "Berserk", CurrentChapter: 5, Status: event.StatusReading, Timestamp: at}, body)

	chap := event.Event{ID: 9, Kind: event.KindChapter, Topic: event.MangaTopic("m1"),
		Chapter: &event.ChapterRelease{MangaID: "m1", MangaTitle: "Berserk", ChapterNumber: 375}}
	typ, body, err = StreamMessage(chap)
	require.NoError(t, err)
	assert.Equal(t, TypeNotification, typ)
	n := body.(Notification)
	assert.Equal(t, uint64(9), n.MessageID)
	assert.Equal(t, event.KindChapter, n.Kind)
	assert.JSONEq(t, `{"manga_id":"m1","manga_title":"Berserk","chapter_number":375,"release_date":"0001-01-01T00:00:00Z"}`, string(n.Payload))
}
