package stream

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"yuim/services/im-presence/internal/protocol"
)

// transport is one ordered, bidirectional byte-frame connection. ReadFrame is
// only called from the reader goroutine and WriteFrame only from the writer.
type transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte, deadline time.Time) error
	Close() error
}

// tcpTransport frames JSON messages with '\n'.
type tcpTransport struct {
	c net.Conn
	r *protocol.FrameReader
}

func newTCPTransport(c net.Conn, maxFrame int) *tcpTransport {
	return &tcpTransport{c: c, r: protocol.NewFrameReader(c, maxFrame)}
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	b, err := t.r.Next()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (t *tcpTransport) WriteFrame(b []byte, deadline time.Time) error {
	_ = t.c.SetWriteDeadline(deadline)
	_, err := t.c.Write(protocol.AppendFrame(b))
	return err
}

func (t *tcpTransport) Close() error { return t.c.Close() }

// wsTransport carries one JSON message per text frame.
type wsTransport struct {
	ws       *websocket.Conn
	maxFrame int
}

// maxFrame is checked in ReadFrame, not with SetReadLimit, which closes the
// socket before the error reply can be written.
func newWSTransport(ws *websocket.Conn, maxFrame int) *wsTransport {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrame
	}
	return &wsTransport{ws: ws, maxFrame: maxFrame}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	mt, r, err := t.ws.NextReader()
	for err == nil && mt != websocket.TextMessage && mt != websocket.BinaryMessage {
		mt, r, err = t.ws.NextReader()
	}
	if err != nil {
		return nil, wsReadErr(err)
	}
	b, err := io.ReadAll(io.LimitReader(r, int64(t.maxFrame)+1))
	if err != nil {
		return nil, wsReadErr(err)
	}
	if len(b) > t.maxFrame {
		return nil, protocol.ErrFrameTooLarge
	}
	return b, nil
}

func wsReadErr(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return protocol.ErrFrameTooLarge
	}
	return err
}

func (t *wsTransport) WriteFrame(b []byte, deadline time.Time) error {
	_ = t.ws.SetWriteDeadline(deadline)
	return t.ws.WriteMessage(websocket.TextMessage, b)
}

func (t *wsTransport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.ws.Close()
}
