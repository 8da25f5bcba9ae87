package event

import (
	"errors"
	"strings"
	"time"
)

// Kind tags what an Event carries. Treat the values as a wire contract.
type Kind string

const (
	KindProgress Kind = "progress"
	KindChapter  Kind = "chapter"
	KindChat     Kind = "chat"
)

// TopicKind selects the interest index an Event is resolved against.
type TopicKind string

const (
	TopicManga TopicKind = "manga"
	TopicRoom  TopicKind = "room"
)

// Topic is the fan-out key: a manga id or a chat room id.
type Topic struct {
	Kind TopicKind `json:"kind"`
	ID   string    `json:"id"`
}

func MangaTopic(mangaID string) Topic { return Topic{Kind: TopicManga, ID: mangaID} }
func RoomTopic(roomID string) Topic   { return Topic{Kind: TopicRoom, ID: roomID} }

func (t Topic) String() string { return string(t.Kind) + ":" + t.ID }

// Event is one emitted fact. ID is globally unique per emitted event and is
// reused as the notification message id for every recipient, so recipients
// can deduplicate retransmissions.
type Event struct {
	ID     uint64    `json:"id"`
	Kind   Kind      `json:"kind"`
	Topic  Topic     `json:"topic"`
	Origin string    `json:"origin,omitempty"` // session handle that caused it; excluded from fan-out
	At     time.Time `json:"at"`

	Progress *Progress       `json:"progress,omitempty"`
	Chapter  *ChapterRelease `json:"chapter,omitempty"`
	Chat     *ChatMessage    `json:"chat,omitempty"`
}

// Payload returns the kind-specific body.
func (e Event) Payload() any {
	switch e.Kind {
	case KindProgress:
		return e.Progress
	case KindChapter:
		return e.Chapter
	case KindChat:
		return e.Chat
	}
	return nil
}

// Validate checks that the payload matches the kind and the topic.
func (e Event) Validate() error {
	if e.Topic.ID == "" {
		return errors.New("event: empty topic")
	}
	switch e.Kind {
	case KindProgress:
		if e.Progress == nil || e.Topic.Kind != TopicManga {
			return errors.New("event: progress event needs a manga topic and payload")
		}
	case KindChapter:
		if e.Chapter == nil || e.Topic.Kind != TopicManga {
			return errors.New("event: chapter event needs a manga topic and payload")
		}
	case KindChat:
		if e.Chat == nil || e.Topic.Kind != TopicRoom {
			return errors.New("event: chat event needs a room topic and payload")
		}
	default:
		return errors.New("event: unknown kind " + string(e.Kind))
	}
	return nil
}

// IDGenerator hands out globally unique event ids. *sonyflake.Sonyflake
// satisfies it.
type IDGenerator interface {
	NextID() (uint64, error)
}

type ReadingStatus string

const (
	StatusReading    ReadingStatus = "reading"
	StatusCompleted  ReadingStatus = "completed"
	StatusPlanToRead ReadingStatus = "plan_to_read"
	StatusOnHold     ReadingStatus = "on_hold"
	StatusDropped    ReadingStatus = "dropped"
)

func (s ReadingStatus) Valid() bool {
	switch s {
	case StatusReading, StatusCompleted, StatusPlanToRead, StatusOnHold, StatusDropped:
		return true
	}
	return false
}

// ParseStatus normalizes user input ("Plan_To_Read", " reading ").
func ParseStatus(s string) (ReadingStatus, bool) {
	st := ReadingStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Progress is the last accepted progress value for (UserID, MangaID). Username
// and MangaTitle are filled in for broadcasts and are not part of the record key.
type Progress struct {
	UserID     string        `json:"user_id"`
	Username   string        `json:"username,omitempty"`
	MangaID    string        `json:"manga_id"`
	MangaTitle string        `json:"manga_title,omitempty"`
	Chapter    int           `json:"current_chapter"`
	Status     ReadingStatus `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ChapterRelease announces a new chapter of a manga.
type ChapterRelease struct {
	EventID       string    `json:"event_id,omitempty"`
	MangaID       string    `json:"manga_id"`
	MangaTitle    string    `json:"manga_title"`
	ChapterNumber int       `json:"chapter_number"`
	ChapterTitle  string    `json:"chapter_title,omitempty"`
	ReleaseDate   time.Time `json:"release_date"`
	Message       string    `json:"message,omitempty"`
}

type ChatMessage struct {
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	// System marks a notice generated by the server, such as a member joining.
	System bool `json:"system,omitempty"`
}
