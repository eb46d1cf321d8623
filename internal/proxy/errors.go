package proxy

import (
	"errors"
	"fmt"
)

// ErrAuthFailed means the client presented an unknown account name or a
// password that does not match the stored hash. No upstream credentials
// are ever sent on this path.
var ErrAuthFailed = errors.New("client authentication failed")

// ProtocolError is an unexpected command where a specific one was
// required. It aborts the session it occurred on and nothing else.
type ProtocolError struct {
	State string // session state the violation occurred in
	Line  string // offending input, CRLF stripped
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s: unexpected %q", e.State, e.Line)
}
