// Package chat routes room messages. Room membership lives in the registry as
// part of each session's interest set; delivery goes through the fan-out engine.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/event"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/metrics"
	"yuim/services/im-presence/internal/protocol"
	"yuim/services/im-presence/internal/registry"
)

type Error struct {
	Code    protocol.Code
	Message string
}

func (e *Error) Error() string { return "chat: " + string(e.Code) + ": " + e.Message }

func CodeOf(err error) protocol.Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return protocol.CodeUnavailable
}

type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Membership is the registry side of the router.
type Membership interface {
	ModifyInterest(h registry.Handle, fn func(*registry.Interest)) error
	InRoom(h registry.Handle, room string) bool
	Get(h registry.Handle) (registry.Session, bool)
}

type Options struct {
	MaxBody  int
	MaxRooms int
	MaxRoom  int
}

func (o Options) withDefaults() Options {
	if o.MaxBody <= 0 {
		o.MaxBody = 2000
	}
	if o.MaxRooms <= 0 {
		o.MaxRooms = 16
	}
	if o.MaxRoom <= 0 {
		o.MaxRoom = 64
	}
	return o
}

type Router struct {
	members Membership
	pub     Publisher
	ids     event.IDGenerator
	clk     clock.Clock
	log     *zap.Logger
	opts    Options
}

func NewRouter(members Membership, pub Publisher, ids event.IDGenerator, clk clock.Clock, log *zap.Logger, opts Options) *Router {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{members: members, pub: pub, ids: ids, clk: clk, log: log, opts: opts.withDefaults()}
}

func (r *Router) Join(h registry.Handle, room string) error {
	room, err := r.roomID(room)
	if err != nil {
		return err
	}
	var full, joined bool
	err = r.members.ModifyInterest(h, func(in *registry.Interest) {
		if in.InRoom(room) {
			return
		}
		if len(in.Rooms) >= r.opts.MaxRooms {
			full = true
			return
		}
		in.Join(room)
		joined = true
	})
	if err != nil {
		return err
	}
	if full {
		return &Error{Code: protocol.CodeValidation, Message: fmt.Sprintf("at most %d rooms per session", r.opts.MaxRooms)}
	}
	if joined {
		r.announce(h, r.identityOf(h), room, "joined")
	}
	return nil
}

// Leave is idempotent.
func (r *Router) Leave(h registry.Handle, room string) error {
	room, err := r.roomID(room)
	if err != nil {
		return err
	}
	var left bool
	err = r.members.ModifyInterest(h, func(in *registry.Interest) {
		left = in.InRoom(room)
		in.Leave(room)
	})
	if err != nil {
		return err
	}
	if left {
		r.announce(h, r.identityOf(h), room, "left")
	}
	return nil
}

// Depart tells every room a closed session was in that its user left. The
// session is already gone from the registry, so the caller passes what it knew.
func (r *Router) Depart(h registry.Handle, id auth.Identity, rooms []string) {
	for _, room := range rooms {
		r.announce(h, id, room, "left")
	}
}

func (r *Router) identityOf(h registry.Handle) auth.Identity {
	if s, ok := r.members.Get(h); ok {
		return s.Identity()
	}
	return auth.Identity{}
}

// announce publishes a system notice to room. The acting session is the origin
// and does not see it. Notices are best effort.
func (r *Router) announce(h registry.Handle, id auth.Identity, room, verb string) {
	name := id.Username
	if name == "" {
		name = id.UserID
	}
	evtID, err := r.ids.NextID()
	if err != nil {
		r.log.Warn("chat notice id", zap.String("room", room), zap.Error(err))
		metrics.ChatMessages.WithLabelValues("notice_dropped").Inc()
		return
	}
	now := r.clk.Now().UTC()
	evt := event.Event{
		ID:     evtID,
		Kind:   event.KindChat,
		Topic:  event.RoomTopic(room),
		Origin: string(h),
		At:     now,
		Chat: &event.ChatMessage{
			RoomID:    room,
			SenderID:  id.UserID,
			Sender:    "system",
			Body:      name + " " + verb + " the chat",
			Timestamp: now,
			System:    true,
		},
	}
	if err := r.pub.Publish(context.Background(), evt); err != nil {
		r.log.Debug("chat notice dropped", zap.String("room", room), zap.Error(err))
		metrics.ChatMessages.WithLabelValues("notice_dropped").Inc()
		return
	}
	metrics.ChatMessages.WithLabelValues("notice").Inc()
}

// Send publishes body to room on behalf of the session h. The sending session
// does not receive its own message; the sender's other devices do.
func (r *Router) Send(ctx context.Context, id auth.Identity, h registry.Handle, room, body string) (event.Event, error) {
	room, err := r.roomID(room)
	if err != nil {
		metrics.ChatMessages.WithLabelValues("invalid").Inc()
		return event.Event{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" || !utf8.ValidString(body) {
		metrics.ChatMessages.WithLabelValues("invalid").Inc()
		return event.Event{}, &Error{Code: protocol.CodeValidation, Message: "body must be non-empty utf-8 text"}
	}
	if utf8.RuneCountInString(body) > r.opts.MaxBody {
		metrics.ChatMessages.WithLabelValues("invalid").Inc()
		return event.Event{}, &Error{Code: protocol.CodeValidation, Message: fmt.Sprintf("body longer than %d characters", r.opts.MaxBody)}
	}
	if !r.members.InRoom(h, room) {
		metrics.ChatMessages.WithLabelValues("not_member").Inc()
		return event.Event{}, &Error{Code: protocol.CodeNotInRoom, Message: "join " + room + " first"}
	}

	evtID, err := r.ids.NextID()
	if err != nil {
		return event.Event{}, &Error{Code: protocol.CodeUnavailable, Message: "id generator: " + err.Error()}
	}
	now := r.clk.Now().UTC()
	evt := event.Event{
		ID:     evtID,
		Kind:   event.KindChat,
		Topic:  event.RoomTopic(room),
		Origin: string(h),
		At:     now,
		Chat: &event.ChatMessage{
			RoomID:    room,
			SenderID:  id.UserID,
			Sender:    id.Username,
			Body:      body,
			Timestamp: now,
		},
	}
	if err := r.pub.Publish(ctx, evt); err != nil {
		metrics.ChatMessages.WithLabelValues("dropped").Inc()
		r.log.Warn("chat publish failed", zap.String("room", room), zap.Error(err))
		return event.Event{}, &Error{Code: protocol.CodeUnavailable, Message: "chat is busy, retry later"}
	}
	metrics.ChatMessages.WithLabelValues("sent").Inc()
	return evt, nil
}

func (r *Router) roomID(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return "", &Error{Code: protocol.CodeValidation, Message: "room_id is required"}
	}
	if len(room) > r.opts.MaxRoom {
		return "", &Error{Code: protocol.CodeValidation, Message: "room_id too long"}
	}
	return room, nil
}
