package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed means the buffered bytes can never become a valid message,
	// however many more bytes arrive.
	ErrMalformed = errors.New("codec: malformed message")
	// ErrTruncated means the stream ended while a message was still open.
	ErrTruncated = errors.New("codec: stream ended inside a message")
)

var errNeedMore = errors.New("codec: need more data")

// SplitMessages is a bufio.SplitFunc that yields one JSON value per token.
//
// Every call has one of three outcomes:
//   - a complete value at the front of data: advance covers the leading whitespace
//     and the value, token is a private copy of the value bytes;
//   - an incomplete value: (0, nil, nil), the caller must read more and retry;
//   - bytes that are not a prefix of any JSON value: ErrMalformed.
//
// A top-level number is only complete once a byte that cannot extend it is
// buffered behind it, since "4" may still turn into "42" or "4.5". When atEOF is
// set nothing more can arrive, so a trailing number is accepted as is and any
// other open value is reported as ErrTruncated.
//
// The function keeps no state, so it rescans data on every call. Readers that
// retry on a growing buffer should hold a Framer and use its Split instead.
func SplitMessages(data []byte, atEOF bool) (advance int, token []byte, err error) {
	var f Framer
	return f.Split(data, atEOF)
}

// Split is SplitMessages resuming from the previous call. It can be handed to
// bufio.Scanner.Split; use one Framer per stream.
func (f *Framer) Split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	end, res, at := f.scan(data)
	if res == scanMalformed {
		f.Reset()
		return 0, nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrMalformed, data[at], at)
	}

	if f.kind == kindNone {
		if atEOF {
			f.Reset()
			return len(data), nil, nil
		}
		return 0, nil, nil
	}

	switch {
	case res == scanComplete:
		return f.decode(data[:end], atEOF)
	case res == scanScalar:
		return f.decode(data, atEOF)
	case atEOF:
		return f.decode(data, true)
	case f.shouldCheck(len(data)):
		return f.decode(data, false)
	}
	return 0, nil, nil
}

// decode runs the decoder over data and turns its verdict into a split result.
func (f *Framer) decode(data []byte, atEOF bool) (int, []byte, error) {
	n, raw, err := decodePrefix(data)
	switch {
	case errors.Is(err, errNeedMore):
		if atEOF {
			f.Reset()
			return 0, nil, fmt.Errorf("%w: %d bytes pending", ErrTruncated, len(data))
		}
		return 0, nil, nil
	case err != nil:
		f.Reset()
		return 0, nil, err
	}

	if f.kind == kindNumber && n == len(data) && !atEOF {
		return 0, nil, nil
	}
	f.Reset()
	return n, raw, nil
}

// decodePrefix runs the streaming decoder over data and reports how many bytes
// the first value used. The decoder tells "ran out of input" (io.ErrUnexpectedEOF)
// apart from a grammar violation (*json.SyntaxError).
func decodePrefix(data []byte) (int, json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, errNeedMore
		}
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return 0, nil, fmt.Errorf("%w: %s (offset %d)", ErrMalformed, syn.Error(), syn.Offset)
		}
		return 0, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return int(dec.InputOffset()), raw, nil
}
