package juggler

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hat-open/hat-juggler/state"
)

// Subprotocols is the list of juggler protocol versions supported by
// this package. It should be set as-is on the websocket.Upgrader
// Subprotocols field.
var Subprotocols = []string{
	"juggler",
}

func isInStr(list []string, v string) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}

// Server is a juggler server. Once a websocket handshake has been
// established over a standard HTTP server, the connection can get
// served by calling Server.ServeConn. The server side is the
// authoritative side of every connection it serves: it owns the state
// and emits the patches.
//
// The fields should not be updated once a server has started serving
// connections.
type Server struct {
	// ReadLimit defines the maximum size, in bytes, of incoming
	// frames. If a client sends a frame that exceeds this limit, the
	// connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the timeout to read an incoming frame. It is
	// set on the websocket connection with SetReadDeadline before
	// reading each frame. The default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. It is
	// set on the websocket connection with SetWriteDeadline before
	// writing each frame. The default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// MaxSegmentSize is the maximum payload size, in bytes, of a
	// single outgoing transport frame. Longer messages are split into
	// several frames. The default of 0 uses 64KB.
	MaxSegmentSize int

	// PingDelay is the duration of silence on a connection after
	// which a keepalive ping is sent. The default of 0 disables
	// keepalive. PingTimeout is the time to wait for traffic after a
	// ping before the connection is dropped.
	PingDelay   time.Duration
	PingTimeout time.Duration

	// AutoflushDelay is the maximum delay before buffered state
	// mutations are sent to the client as a single patch. The default
	// of 0 sends every mutation immediately as its own patch.
	AutoflushDelay time.Duration

	// ParallelRequests makes each connection process incoming
	// requests concurrently instead of sequentially in arrival order.
	ParallelRequests bool

	// State, when set, is shared by every served connection: each
	// client replicates the same document and observes the same
	// mutations. When nil, every connection gets its own state store,
	// accessible via Conn.State.
	State *state.Store

	// ConnState specifies an optional callback function that is
	// called when a connection changes state. If non-nil, it is
	// called for Accepting, Connected and Closed states. Closed means
	// closing the juggler connection, the underlying websocket
	// connection may stay connected.
	//
	// The possible state transitions are:
	//
	//     Accepting -> Closed (if the server failed to setup the connection)
	//     Accepting -> Connected
	//     Connected -> Closed
	//
	// The Accepting callback receives a nil *Conn, as the juggler
	// connection does not exist yet at that point.
	ConnState func(*Conn, ConnState)

	// Handler is the handler called for every request received with a
	// non-empty name. If nil, such requests are answered with an
	// unsuccessful response.
	Handler Handler

	// Notify specifies an optional callback function that is called
	// for every notification received from a client.
	Notify func(*Conn, string, json.RawMessage)

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map

	// Metrics can be set to collect Prometheus metrics about the
	// server.
	Metrics *Metrics
}

// ServeConn serves the websocket connection as a juggler connection.
// It blocks until the juggler connection is closed, leaving the
// websocket connection open.
func (srv *Server) ServeConn(wsConn *websocket.Conn) {
	wsConn.SetReadLimit(srv.ReadLimit)

	if cs := srv.ConnState; cs != nil {
		// the Conn doesn't exist yet, Accepting is reported with a
		// nil connection
		cs(nil, Accepting)
	}

	c := NewConn(wsConn, ConnConfig{
		Authoritative:           true,
		State:                   srv.State,
		Handler:                 srv.Handler,
		ParallelRequests:        srv.ParallelRequests,
		Notify:                  srv.Notify,
		MaxSegmentSize:          srv.MaxSegmentSize,
		PingDelay:               srv.PingDelay,
		PingTimeout:             srv.PingTimeout,
		AutoflushDelay:          srv.AutoflushDelay,
		ReadTimeout:             srv.ReadTimeout,
		WriteTimeout:            srv.WriteTimeout,
		AcquireWriteLockTimeout: srv.AcquireWriteLockTimeout,
		WriteLimit:              srv.WriteLimit,
		Vars:                    srv.Vars,
		Metrics:                 srv.Metrics,
	})

	if cs := srv.ConnState; cs != nil {
		defer cs(c, Closed)
		if !c.isClosed() {
			cs(c, Connected)
		}
	}

	<-c.CloseNotify()
}

// Upgrade returns an http.Handler that upgrades connections to the
// websocket protocol using upgrader. If the client requested a
// subprotocol, the agreed-upon subprotocol must be one of the
// supported ones, otherwise the connection is dropped.
//
// Once connected, the websocket connection is served via
// srv.ServeConn. The websocket connection is closed when the juggler
// connection is closed.
func Upgrade(upgrader *websocket.Upgrader, srv *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := websocket.Subprotocols(r)

		// upgrade the HTTP connection to the websocket protocol
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		// clients that requested a subprotocol must have agreed on a
		// supported one; clients that didn't ask for any are accepted.
		if len(requested) > 0 && !isInStr(Subprotocols, wsConn.Subprotocol()) {
			return
		}

		// this call blocks until the juggler connection is closed
		srv.ServeConn(wsConn)
	})
}
