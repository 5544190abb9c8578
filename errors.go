package juggler

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTransportClosed is returned when a send, notify or flush is
// attempted on a connection that is not open.
var ErrTransportClosed = errors.New("juggler: transport closed")

// ErrConnClosed completes a call that was still outstanding when its
// connection closed.
var ErrConnClosed = errors.New("juggler: connection closed")

// ErrKeepaliveTimeout is the close reason of a connection whose peer
// did not answer a keepalive ping within the configured timeout.
var ErrKeepaliveTimeout = errors.New("juggler: keepalive timeout")

// ErrNotAuthoritative is returned when a state mutation or flush is
// attempted on the replica side of a connection.
var ErrNotAuthoritative = errors.New("juggler: connection does not own the state")

// ProtocolError is the close reason of a connection on which the peer
// violated the protocol: malformed frame, unparseable JSON, unknown
// message kind, or a state patch that failed to apply. It is never
// recoverable, the connection is closed.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("juggler: protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "juggler: protocol violation: " + e.Reason
}

// Unwrap returns the underlying error, if any.
func (e *ProtocolError) Unwrap() error { return e.Err }

// CallError is returned by Conn.Send when the peer answered with an
// unsuccessful response. Data is the application-supplied error
// payload of the response.
type CallError struct {
	Data json.RawMessage
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return "juggler: call failed: " + string(e.Data)
}
