package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrame bounds a single newline-delimited frame on the stream transport.
const DefaultMaxFrame = 64 << 10

var ErrFrameTooLarge = errors.New("protocol: frame too large")

// FrameReader splits a byte stream into newline-delimited frames. Blank lines
// are skipped and a trailing '\r' is stripped.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(maxFrame, 4096)), maxFrame)
	return &FrameReader{sc: sc}
}

// Next returns the next frame. The slice is only valid until the next call.
// It returns io.EOF when the stream ends cleanly.
func (f *FrameReader) Next() ([]byte, error) {
	for f.sc.Scan() {
		line := bytes.TrimRight(f.sc.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
	if err := f.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// AppendFrame appends the frame delimiter to an encoded message.
func AppendFrame(b []byte) []byte {
	return append(b, '\n')
}
