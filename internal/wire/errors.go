package wire

import "fmt"

// TransportError is a socket-level failure: connect, timeout, EOF. The
// session that raised it is broken and must be closed and discarded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unrecognized reply frame. The session
// cannot be resynchronized and is broken.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "wire: protocol: " + e.Msg }

// RemoteError is an error response returned by the server. It does not
// invalidate the session, except inside a transaction where the caller must
// roll back.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "wire: server: " + e.Msg }
