// Package message defines the call descriptor sent to the p2phun management service.
//
// A Call is the "envelope" for every remote invocation. It is serialized by the codec
// layer and written to the stream as-is: there is no header or length prefix, the
// receiver finds the end of the message from the JSON grammar itself.
package message

import (
	"errors"
	"fmt"
)

// ErrInvalidCall is returned when a call descriptor cannot be sent.
var ErrInvalidCall = errors.New("message: invalid call")

// Call identifies one remote procedure invocation on the management service.
//
//   - Mod:  the remote module, e.g. "p2phun_swarm"
//   - Fun:  the function exported by that module, e.g. "find_node"
//   - Args: positional arguments, any JSON-compatible values
type Call struct {
	Mod  string `json:"mod"`
	Fun  string `json:"fun"`
	Args []any  `json:"args"`
}

// NewCall builds a call with its own argument slice. The slice is never nil, so a
// call without arguments goes out as "args":[] rather than null.
func NewCall(mod, fun string, args ...any) *Call {
	a := make([]any, len(args))
	copy(a, args)
	return &Call{Mod: mod, Fun: fun, Args: a}
}

// Validate checks that the call names a module and a function.
func (c *Call) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil call", ErrInvalidCall)
	}
	if c.Mod == "" {
		return fmt.Errorf("%w: empty module name", ErrInvalidCall)
	}
	if c.Fun == "" {
		return fmt.Errorf("%w: empty function name", ErrInvalidCall)
	}
	return nil
}

// Method returns "mod:fun", the form used in logs and metric labels.
func (c *Call) Method() string {
	return c.Mod + ":" + c.Fun
}
