package codec

// MaxDepth bounds object/array nesting, the same limit encoding/json applies.
const MaxDepth = 10000

// eagerCheckSize is the buffer size up to which an open value is run through
// the decoder on every call. Past it, the decoder only runs once the buffer has
// doubled since its last run.
const eagerCheckSize = 1024

type scanResult int

const (
	scanIncomplete scanResult = iota // value still open, more bytes needed
	scanComplete                     // end holds the offset just past the value
	scanScalar                       // number ended at end, or a literal
	scanMalformed                    // can never become valid JSON
)

type frameKind uint8

const (
	kindNone       frameKind = iota // only whitespace seen so far
	kindStructural                  // object, array or string
	kindNumber
	kindLiteral // true, false, null
)

// Framer finds where the JSON value at the front of a growing buffer ends.
//
// It remembers how far it has scanned, so a buffer that grows by one read at a
// time is walked once overall instead of once per read. Each call must pass the
// same bytes as the previous call, possibly with more appended. Once a call
// returns a token, an error or a nonzero advance, the framer starts over and
// the next call describes the bytes after the advance.
//
// The structural scan tracks string/escape state and a stack of open brackets,
// which is enough to find the end of an object, array or string and to reject a
// closer without its opener, a closer of the wrong kind or a raw control
// character inside a string. Everything else is left to encoding/json, which
// runs on the finished value, and on an open one only while the buffer is small
// or after it has doubled, so grammar errors are still caught within a bounded
// number of calls.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	pos      int // bytes of the buffer already scanned
	kind     frameKind
	stack    []byte
	inString bool
	escaped  bool
	checked  int // buffer length at the last decode of an open value
}

func NewFramer() *Framer {
	return &Framer{}
}

// Reset forgets the current value.
func (f *Framer) Reset() {
	f.pos = 0
	f.kind = kindNone
	f.stack = f.stack[:0]
	f.inString, f.escaped = false, false
	f.checked = 0
}

// PendingNumber reports whether data is a top-level number running to its last
// byte, one that would be a whole message if nothing followed it. data must be
// the buffer last passed to Split.
func (f *Framer) PendingNumber(data []byte) bool {
	return f.kind == kindNumber && len(data) > 0 && f.pos == len(data) && isDigit(data[len(data)-1])
}

// scan resumes the structural scan where the previous call stopped.
func (f *Framer) scan(data []byte) (end int, res scanResult, at int) {
	if f.kind == kindNone {
		f.pos = skipSpace(data, f.pos)
		if f.pos == len(data) {
			return 0, scanIncomplete, 0
		}
		switch c := data[f.pos]; {
		case c == '{' || c == '[' || c == '"':
			f.kind = kindStructural
		case c == '}' || c == ']':
			return 0, scanMalformed, f.pos
		case isNumberStart(c):
			f.kind = kindNumber
		default:
			f.kind = kindLiteral
		}
	}

	switch f.kind {
	case kindNumber:
		for ; f.pos < len(data); f.pos++ {
			if !isNumberByte(data[f.pos]) {
				return f.pos, scanScalar, 0
			}
		}
		return len(data), scanIncomplete, 0
	case kindLiteral:
		// at most five bytes, the decoder settles it
		return len(data), scanScalar, 0
	}

	for ; f.pos < len(data); f.pos++ {
		c := data[f.pos]
		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
				if len(f.stack) == 0 {
					return f.pos + 1, scanComplete, 0
				}
			case c < 0x20:
				return 0, scanMalformed, f.pos
			}
			continue
		}

		switch c {
		case '"':
			f.inString = true
		case '{', '[':
			if len(f.stack) >= MaxDepth {
				return 0, scanMalformed, f.pos
			}
			f.stack = append(f.stack, c)
		case '}', ']':
			if len(f.stack) == 0 || f.stack[len(f.stack)-1] != opener(c) {
				return 0, scanMalformed, f.pos
			}
			f.stack = f.stack[:len(f.stack)-1]
			if len(f.stack) == 0 {
				return f.pos + 1, scanComplete, 0
			}
		}
	}
	return len(data), scanIncomplete, 0
}

// shouldCheck reports whether an open value of n bytes goes through the decoder.
func (f *Framer) shouldCheck(n int) bool {
	if n > eagerCheckSize && n < 2*f.checked {
		return false
	}
	f.checked = n
	return true
}

func opener(closer byte) byte {
	if closer == '}' {
		return '{'
	}
	return '['
}

func skipSpace(data []byte, i int) int {
	for i < len(data) && isSpace(data[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNumberStart(c byte) bool {
	return c == '-' || isDigit(c)
}

func isNumberByte(c byte) bool {
	return isDigit(c) || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}
