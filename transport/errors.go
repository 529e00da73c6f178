package transport

import (
	"errors"
)

// Every error returned by a Channel wraps exactly one of these, together with
// the underlying cause, so callers can match either with errors.Is.
var (
	ErrConnection = errors.New("transport: connection failed")
	ErrSend       = errors.New("transport: send failed")
	ErrProtocol   = errors.New("transport: protocol violation")
	ErrClosed     = errors.New("transport: channel closed")
	ErrTimeout    = errors.New("transport: timed out")
	ErrInvalidCfg = errors.New("transport: invalid options")
)
