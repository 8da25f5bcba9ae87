package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"yuim/libs/core-push-go/pkg/clock"
	"yuim/libs/core-push-go/pkg/dedupe"
	"yuim/services/im-presence/internal/protocol"
)

var (
	ErrRegisterFailed = errors.New("client: register failed")
	ErrNotRegistered  = errors.New("client: not registered")
	ErrClosed         = errors.New("client: closed")
)

// DatagramClient holds a UDP registration. Notifications are acked as they
// arrive and retransmissions are filtered by message id, so each one shows up
// on Notifications at most once.
type DatagramClient struct {
	conn *net.UDPConn
	seen *dedupe.Window

	replies chan protocol.Message
	notes   chan protocol.Notification
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	regID string

	duplicates atomic.Int64
}

func DialDatagram(addr string, clk clock.Clock) (*DatagramClient, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, ua)
	if err != nil {
		return nil, err
	}
	c := &DatagramClient{
		conn:    conn,
		seen:    dedupe.New(0, 0, clk),
		replies: make(chan protocol.Message, 16),
		notes:   make(chan protocol.Notification, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *DatagramClient) Notifications() <-chan protocol.Notification { return c.notes }

// Duplicates is how many retransmitted notifications were filtered out.
func (c *DatagramClient) Duplicates() int64 { return c.duplicates.Load() }

func (c *DatagramClient) RegistrationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regID
}

func (c *DatagramClient) Register(ctx context.Context, token string, interests []string) (protocol.RegisterSuccess, error) {
	if err := c.send(protocol.TypeRegister, protocol.Register{Token: token, Interests: interests}); err != nil {
		return protocol.RegisterSuccess{}, err
	}
	m, err := c.await(ctx, protocol.TypeRegisterSuccess, protocol.TypeRegisterFailed)
	if err != nil {
		return protocol.RegisterSuccess{}, err
	}
	if m.Type == protocol.TypeRegisterFailed {
		var f protocol.RegisterFailed
		_ = m.Bind(&f)
		return protocol.RegisterSuccess{}, fmt.Errorf("%w: %s", ErrRegisterFailed, f.Reason)
	}
	var ok protocol.RegisterSuccess
	if err := m.Bind(&ok); err != nil {
		return ok, err
	}
	c.mu.Lock()
	c.regID = ok.RegistrationID
	c.mu.Unlock()
	return ok, nil
}

// Ping refreshes the registration TTL.
func (c *DatagramClient) Ping(ctx context.Context) (protocol.Pong, error) {
	id := c.RegistrationID()
	if id == "" {
		return protocol.Pong{}, ErrNotRegistered
	}
	if err := c.send(protocol.TypePing, protocol.Ping{RegistrationID: id, ClientTime: time.Now().UTC()}); err != nil {
		return protocol.Pong{}, err
	}
	m, err := c.await(ctx, protocol.TypePong, protocol.TypeError)
	if err != nil {
		return protocol.Pong{}, err
	}
	if m.Type == protocol.TypeError {
		var e protocol.Error
		_ = m.Bind(&e)
		return protocol.Pong{}, fmt.Errorf("client: ping: %s", e.Code)
	}
	var p protocol.Pong
	err = m.Bind(&p)
	return p, err
}

// Unregister is fire-and-forget; the server does not reply.
func (c *DatagramClient) Unregister() error {
	c.mu.Lock()
	id := c.regID
	c.regID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.send(protocol.TypeUnregister, protocol.Unregister{RegistrationID: id})
}

func (c *DatagramClient) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *DatagramClient) send(typ protocol.Type, data any) error {
	b, err := protocol.Encode(typ, time.Now(), data)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

func (c *DatagramClient) await(ctx context.Context, types ...protocol.Type) (protocol.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-c.done:
			return protocol.Message{}, ErrClosed
		case m := <-c.replies:
			for _, t := range types {
				if m.Type == t {
					return m, nil
				}
			}
		}
	}
}

func (c *DatagramClient) readLoop() {
	buf := make([]byte, protocol.DefaultMaxFrame)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here on some platforms; keep reading.
			continue
		}
		m, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}
		if m.Type != protocol.TypeNotification {
			select {
			case c.replies <- m:
			default:
			}
			continue
		}
		var note protocol.Notification
		if err := m.Bind(&note); err != nil {
			continue
		}
		if id := c.RegistrationID(); id != "" {
			_ = c.send(protocol.TypeAck, protocol.Ack{RegistrationID: id, MessageID: note.MessageID})
		}
		if !c.seen.First(note.MessageID) {
			c.duplicates.Add(1)
			continue
		}
		select {
		case c.notes <- note:
		case <-c.done:
			return
		}
	}
}
