package protocol

import (
	"encoding/json"
	"time"

	"yuim/libs/core-push-go/pkg/event"
)

// stream

type Auth struct {
	Token     string   `json:"token"`
	Interests []string `json:"interests,omitempty"`
	Rooms     []string `json:"rooms,omitempty"`
}

type AuthSuccess struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Interests []string `json:"interests,omitempty"`
	Message   string   `json:"message,omitempty"`
}

type AuthFailed struct {
	Reason  Code   `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ProgressReport is sent by a client. Status defaults to "reading". Correction
// allows a lower chapter than the stored one (re-reading).
type ProgressReport struct {
	MangaID        string `json:"manga_id"`
	CurrentChapter int    `json:"current_chapter"`
	Status         string `json:"status,omitempty"`
	Correction     bool   `json:"correction,omitempty"`
}

type ProgressBroadcast struct {
	UserID         string              `json:"user_id"`
	Username       string              `json:"username"`
	MangaID        string              `json:"manga_id"`
	MangaTitle     string              `json:"manga_title"`
	CurrentChapter int                 `json:"current_chapter"`
	Status         event.ReadingStatus `json:"status"`
	Timestamp      time.Time           `json:"timestamp"`
}

func BroadcastOf(p *event.Progress) ProgressBroadcast {
	return ProgressBroadcast{
		UserID:         p.UserID,
		Username:       p.Username,
		MangaID:        p.MangaID,
		MangaTitle:     p.MangaTitle,
		CurrentChapter: p.Chapter,
		Status:         p.Status,
		Timestamp:      p.Timestamp,
	}
}

// ProgressAccepted confirms a report to its sender.
type ProgressAccepted struct {
	MangaID        string              `json:"manga_id"`
	CurrentChapter int                 `json:"current_chapter"`
	Status         event.ReadingStatus `json:"status"`
	EventID        uint64              `json:"event_id,omitempty"`
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Ping and Pong are shared by both transports. RegistrationID is only used on
// the datagram side.
type Ping struct {
	RegistrationID string    `json:"registration_id,omitempty"`
	ClientTime     time.Time `json:"client_time,omitempty"`
}

type Pong struct {
	RegistrationID string    `json:"registration_id,omitempty"`
	ClientTime     time.Time `json:"client_time,omitempty"`
	ServerTime     time.Time `json:"server_time"`
	TTLSeconds     int       `json:"ttl,omitempty"`
}

// Subscription changes manga interests at runtime.
type Subscription struct {
	MangaIDs []string `json:"manga_ids"`
}

type Room struct {
	RoomID string `json:"room_id"`
}

// Chat is both the client request (RoomID, Body) and the delivered message.
type Chat struct {
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	System    bool      `json:"system,omitempty"`
}

func ChatOf(c *event.ChatMessage) Chat {
	return Chat{
		RoomID:    c.RoomID,
		SenderID:  c.SenderID,
		Sender:    c.Sender,
		Body:      c.Body,
		Timestamp: c.Timestamp,
		System:    c.System,
	}
}

// datagram

// AddressInfo lets a registrant point replies at a different port of the same
// host (e.g. a separate listening socket). Host must match the packet source.
type AddressInfo struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

type Register struct {
	Token     string      `json:"token"`
	Address   AddressInfo `json:"address"`
	Interests []string    `json:"interests"`
}

type RegisterSuccess struct {
	RegistrationID string `json:"registration_id"`
	TTLSeconds     int    `json:"ttl"`
}

type RegisterFailed struct {
	Reason  Code   `json:"reason"`
	Message string `json:"message,omitempty"`
	// RegistrationID is set on DUPLICATE_REGISTRATION when the caller already
	// owns the registration bound to its address, so a lost reply can be recovered.
	RegistrationID string `json:"registration_id,omitempty"`
}

type Unregister struct {
	RegistrationID string `json:"registration_id"`
}

// Notification is the datagram delivery unit. MessageID is stable across
// retransmissions.
type Notification struct {
	MessageID  uint64          `json:"message_id"`
	Kind       event.Kind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count,omitempty"`
}

type Ack struct {
	RegistrationID string `json:"registration_id"`
	MessageID      uint64 `json:"message_id"`
}

// PayloadOf is the transport-neutral wire body of an event.
func PayloadOf(evt event.Event) any {
	switch evt.Kind {
	case event.KindProgress:
		if evt.Progress != nil {
			return BroadcastOf(evt.Progress)
		}
	case event.KindChat:
		if evt.Chat != nil {
			return ChatOf(evt.Chat)
		}
	case event.KindChapter:
		if evt.Chapter != nil {
			return evt.Chapter
		}
	}
	return nil
}

// NotificationOf wraps evt for at-least-once delivery, keyed by the event id.
func NotificationOf(evt event.Event) (Notification, error) {
	b, err := json.Marshal(PayloadOf(evt))
	if err != nil {
		return Notification{}, err
	}
	return Notification{MessageID: evt.ID, Kind: evt.Kind, Payload: b}, nil
}

// StreamMessage picks the stream message type for evt. Progress and chat have
// dedicated types; everything else goes out as a notification.
func StreamMessage(evt event.Event) (Type, any, error) {
	switch evt.Kind {
	case event.KindProgress:
		return TypeProgressBroadcast, PayloadOf(evt), nil
	case event.KindChat:
		return TypeChat, PayloadOf(evt), nil
	}
	n, err := NotificationOf(evt)
	if err != nil {
		return "", nil, err
	}
	return TypeNotification, n, nil
}
