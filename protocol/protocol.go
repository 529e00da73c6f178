// Package protocol implements the stream side of the p2phun wire format.
//
// There is no frame header: each message is a bare JSON value and the next one
// starts right where the previous one ends. TCP may hand us half a message, or a
// message and a half, on any read, so the Reader keeps an accumulator and only
// gives out a message once the codec finds a complete value at its front.
//
//	read #1: {"node":"pid<0.1
//	read #2: 23.0>"}[1,2
//	         └─────── msg 1 (reads #1+#2) ──┘
//	buf after ReadMessage: [1,2          ← kept for the next call
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"p2phun-rpc/codec"
	"p2phun-rpc/message"
)

const (
	// DefaultReadSize is how much we ask the connection for on each read.
	DefaultReadSize = 1024
	// DefaultMaxMessageSize bounds the accumulator. A peer that streams bytes
	// without ever completing a value would otherwise grow it forever.
	DefaultMaxMessageSize = 16 << 20
)

// ErrMessageTooLarge is returned when the accumulator exceeds its limit before
// a complete message was found.
var ErrMessageTooLarge = errors.New("protocol: message too large")

// deadliner is implemented by net.Conn and os.File.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader decodes back-to-back JSON messages from r.
// ReadMessage is not safe for concurrent use; callers serialize it.
// SetDeadline and Interrupt may be called from any goroutine.
type Reader struct {
	r       io.Reader
	dl      deadliner // nil when r cannot time out
	buf     []byte    // bytes received but not yet part of a returned message
	chunk   []byte
	maxSize int
	settle  time.Duration
	eof     bool
	framer  codec.Framer // scan state over buf, reset whenever a message leaves it

	mu          sync.Mutex
	deadline    time.Time
	interrupted error
}

// ReaderOption tunes a Reader.
type ReaderOption func(*Reader)

// WithReadSize sets how many bytes are requested per read.
func WithReadSize(n int) ReaderOption {
	return func(rd *Reader) {
		if n > 0 {
			rd.chunk = make([]byte, n)
		}
	}
}

// WithMaxMessageSize bounds the accumulator.
func WithMaxMessageSize(n int) ReaderOption {
	return func(rd *Reader) {
		if n > 0 {
			rd.maxSize = n
		}
	}
}

// WithNumberSettle sets how long a top-level number that runs to the end of the
// buffer waits for more digits before it is taken as complete. It only applies
// when the underlying reader supports read deadlines; otherwise such a number
// waits for a delimiter or the end of the stream.
func WithNumberSettle(d time.Duration) ReaderOption {
	return func(rd *Reader) {
		rd.settle = d
	}
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{
		r:       r,
		chunk:   make([]byte, DefaultReadSize),
		maxSize: DefaultMaxMessageSize,
	}
	if dl, ok := r.(deadliner); ok {
		rd.dl = dl
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// ReadMessage blocks until one complete message can be taken off the front of the
// accumulator. Only that message's bytes are consumed; whatever follows stays
// buffered for the next call.
//
// Errors:
//   - codec.ErrMalformed: the buffered bytes can never form a message
//   - codec.ErrTruncated: the peer closed the stream in the middle of a message
//   - io.EOF: the peer closed the stream between messages
//   - ErrMessageTooLarge
//   - anything the underlying reader returns
func (rd *Reader) ReadMessage() ([]byte, error) {
	for {
		adv, tok, err := rd.framer.Split(rd.buf, rd.eof)
		if err != nil {
			return nil, err
		}
		if adv > 0 {
			rd.consume(adv)
		}
		if tok != nil {
			return tok, nil
		}
		if rd.eof {
			return nil, io.EOF
		}
		if len(rd.buf) >= rd.maxSize {
			return nil, fmt.Errorf("%w: %d bytes buffered, limit %d", ErrMessageTooLarge, len(rd.buf), rd.maxSize)
		}

		settling := rd.pendingNumber()
		n, err := rd.read(settling)
		rd.buf = append(rd.buf, rd.chunk[:n]...)
		if err == nil {
			continue
		}
		if err == io.EOF {
			rd.eof = true
			continue
		}
		if settling && n == 0 && rd.settleExpired(err) {
			// Nothing followed the number within the settle window: the
			// number is the whole message.
			adv, tok, serr := rd.framer.Split(rd.buf, true)
			if serr == nil && tok != nil {
				rd.consume(adv)
				return tok, nil
			}
		}
		return nil, err
	}
}

// SetDeadline bounds every read made by ReadMessage from now on.
// A zero value means no deadline.
func (rd *Reader) SetDeadline(t time.Time) {
	rd.mu.Lock()
	rd.deadline = t
	rd.mu.Unlock()
}

// Interrupt makes a blocked ReadMessage, and every later one, fail with err.
// It only has an effect when the underlying reader supports read deadlines.
func (rd *Reader) Interrupt(err error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.interrupted = err
	if rd.dl != nil {
		_ = rd.dl.SetReadDeadline(time.Unix(1, 0))
	}
}

func (rd *Reader) read(settling bool) (int, error) {
	rd.mu.Lock()
	if rd.interrupted != nil {
		rd.mu.Unlock()
		return 0, rd.interrupted
	}
	if rd.dl != nil {
		d := rd.deadline
		if settling {
			if s := time.Now().Add(rd.settle); d.IsZero() || s.Before(d) {
				d = s
			}
		}
		if err := rd.dl.SetReadDeadline(d); err != nil {
			rd.mu.Unlock()
			return 0, err
		}
	}
	rd.mu.Unlock()

	n, err := rd.r.Read(rd.chunk)
	if err != nil && err != io.EOF {
		rd.mu.Lock()
		if rd.interrupted != nil {
			err = rd.interrupted
		}
		rd.mu.Unlock()
	}
	return n, err
}

// pendingNumber reports whether the accumulator holds a top-level number that
// would be a full message if the stream ended here.
func (rd *Reader) pendingNumber() bool {
	if rd.dl == nil || rd.settle <= 0 || len(rd.buf) == 0 {
		return false
	}
	return rd.framer.PendingNumber(rd.buf)
}

func (rd *Reader) settleExpired(err error) bool {
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.interrupted == nil && (rd.deadline.IsZero() || time.Now().Before(rd.deadline))
}

// Buffered returns the bytes received but not consumed yet.
// The slice is only valid until the next ReadMessage.
func (rd *Reader) Buffered() []byte {
	return rd.buf
}

func (rd *Reader) consume(n int) {
	if n == len(rd.buf) {
		rd.buf = rd.buf[:0]
		return
	}
	// Shift the remainder down so the backing array does not keep growing
	// with every message on a long-lived connection.
	rest := copy(rd.buf, rd.buf[n:])
	rd.buf = rd.buf[:rest]
}

// WriteCall encodes call and writes it to w in full.
// The caller must serialize writes if several goroutines share w, otherwise the
// bytes of two calls interleave and the remote sees garbage.
func WriteCall(w io.Writer, call *message.Call) (int, error) {
	if err := call.Validate(); err != nil {
		return 0, err
	}
	data, err := codec.Encode(call)
	if err != nil {
		return 0, err
	}
	return writeFull(w, data)
}

// WriteValue encodes any reply value and writes it to w in full.
func WriteValue(w io.Writer, v any) (int, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return 0, err
	}
	return writeFull(w, data)
}

func writeFull(w io.Writer, data []byte) (int, error) {
	n, err := io.Copy(w, bytes.NewReader(data))
	if err == nil && int(n) != len(data) {
		err = io.ErrShortWrite
	}
	return int(n), err
}
