// Package client is a conforming client for the presence gateways, used by
// integration tests and load tools.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"yuim/services/im-presence/internal/protocol"
)

var ErrAuthFailed = errors.New("client: auth failed")

// StreamClient speaks the newline-framed TCP protocol. Recv must be called
// from one goroutine; Send is safe for concurrent use.
type StreamClient struct {
	conn net.Conn
	r    *protocol.FrameReader

	wmu sync.Mutex

	SessionID string
	UserID    string
}

func DialStream(ctx context.Context, addr string) (*StreamClient, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StreamClient{conn: c, r: protocol.NewFrameReader(c, 0)}, nil
}

// Auth sends the auth message and waits for the verdict. On auth_failed the
// returned error wraps ErrAuthFailed and carries the reason code.
func (c *StreamClient) Auth(ctx context.Context, token string, interests, rooms []string) (protocol.AuthSuccess, error) {
	if err := c.Send(protocol.TypeAuth, protocol.Auth{Token: token, Interests: interests, Rooms: rooms}); err != nil {
		return protocol.AuthSuccess{}, err
	}
	for {
		m, err := c.RecvContext(ctx)
		if err != nil {
			return protocol.AuthSuccess{}, err
		}
		switch m.Type {
		case protocol.TypeAuthSuccess:
			var ok protocol.AuthSuccess
			if err := m.Bind(&ok); err != nil {
				return ok, err
			}
			c.SessionID, c.UserID = ok.SessionID, ok.UserID
			return ok, nil
		case protocol.TypeAuthFailed:
			var f protocol.AuthFailed
			_ = m.Bind(&f)
			return protocol.AuthSuccess{}, fmt.Errorf("%w: %s", ErrAuthFailed, f.Reason)
		}
	}
}

func (c *StreamClient) Send(typ protocol.Type, data any) error {
	b, err := protocol.Encode(typ, time.Now(), data)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(protocol.AppendFrame(b))
	return err
}

func (c *StreamClient) ReportProgress(mangaID string, chapter int, status string) error {
	return c.Send(protocol.TypeProgress, protocol.ProgressReport{MangaID: mangaID, CurrentChapter: chapter, Status: status})
}

func (c *StreamClient) Subscribe(mangaIDs ...string) error {
	return c.Send(protocol.TypeSubscribe, protocol.Subscription{MangaIDs: mangaIDs})
}

func (c *StreamClient) Chat(room, body string) error {
	return c.Send(protocol.TypeChat, protocol.Chat{RoomID: room, Body: body})
}

// Recv blocks for the next message. Server pings are answered and skipped.
func (c *StreamClient) Recv() (protocol.Message, error) {
	return c.RecvContext(context.Background())
}

func (c *StreamClient) RecvContext(ctx context.Context) (protocol.Message, error) {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)
	for {
		b, err := c.r.Next()
		if err != nil {
			return protocol.Message{}, err
		}
		m, err := protocol.Decode(b)
		if err != nil {
			return protocol.Message{}, err
		}
		if m.Type == protocol.TypePing {
			if err := c.Send(protocol.TypePong, nil); err != nil {
				return protocol.Message{}, err
			}
			continue
		}
		return m, nil
	}
}

func (c *StreamClient) Close() error { return c.conn.Close() }
