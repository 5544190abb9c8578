// Package client implements the replica side of the juggler
// protocol. Once a Client is returned via a call to Dial or New, it
// can be used to make calls to the server, send notifications, and
// observe the server's replicated state.
//
// Received notifications and state changes are handled by the
// callbacks set with the SetNotifyHandler and SetChangeHandler
// options. The Peer type maintains a client against a list of server
// addresses, reconnecting automatically when the connection drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	juggler "github.com/hat-open/hat-juggler"
	"github.com/hat-open/hat-juggler/state"
)

// Client is a juggler client based on a websocket connection. It is
// used to send requests and notifications to the server, and it
// holds the replica of the server's state.
type Client struct {
	wsConn *websocket.Conn
	conn   *juggler.Conn

	// options
	callTimeout time.Duration
	readLimit   int64
	cfg         juggler.ConnConfig
	onNotify    func(string, json.RawMessage)
	onChange    func(json.RawMessage)
}

// New creates a juggler client using the provided websocket
// connection. The client owns the websocket connection: it is closed
// when the juggler connection closes, for whatever reason.
func New(conn *websocket.Conn, opts ...Option) *Client {
	c := &Client{wsConn: conn}
	for _, opt := range opts {
		opt(c)
	}

	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	if fn := c.onNotify; fn != nil {
		c.cfg.Notify = func(_ *juggler.Conn, name string, data json.RawMessage) {
			fn(name, data)
		}
	}
	if fn := c.onChange; fn != nil {
		c.cfg.Change = func(_ *juggler.Conn, v json.RawMessage) {
			fn(v)
		}
	}

	c.conn = juggler.NewConn(conn, c.cfg)
	go func() {
		<-c.conn.CloseNotify()
		c.wsConn.Close()
	}()
	return c
}

// Dial is a helper function to create a Client connected to urlStr
// using the provided *websocket.Dialer and request headers. If the
// connection succeeds, it returns the initialized client, otherwise
// it returns an error. It does not allow handling redirections and
// such; for a better control over the connection, directly use the
// *websocket.Dialer and create the client once the connection is
// established, using New.
//
// The Dialer's Subprotocols field should be set to one of (or any/all
// of) juggler.Subprotocols.
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	conn, _, err := d.Dial(urlStr, reqHeader)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Close closes the connection. No more messages will be received.
func (c *Client) Close() error {
	c.conn.Close(errors.New("client: closed connection"))
	err := c.wsConn.Close()
	<-c.conn.CloseNotify()
	return err
}

// CloseNotify returns a channel that is closed when the client is
// closed.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.conn.CloseNotify()
}

// CloseErr returns the error that caused the client to close. It
// must only be called after the close notification has been received.
func (c *Client) CloseErr() error {
	return c.conn.CloseErr
}

// UnderlyingConn returns the underlying websocket connection used by
// the client. Care should be taken when using the websocket
// connection directly, as it may interfere with the normal behaviour
// of the client.
func (c *Client) UnderlyingConn() *websocket.Conn {
	return c.wsConn
}

// State returns the replica of the server's state. It converges to
// the server's value after every received patch; use the
// SetChangeHandler option to observe updates.
func (c *Client) State() *state.Store {
	return c.conn.State()
}

// Call sends a request to the server for the remote procedure
// identified by name. The v value is marshaled as JSON and sent as
// the request data. It returns the response data, or a
// *juggler.CallError if the server answered with an unsuccessful
// response.
//
// The call timeout set with SetCallTimeout applies unless the context
// carries an earlier deadline.
func (c *Client) Call(ctx context.Context, name string, v interface{}) (json.RawMessage, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return c.conn.Send(ctx, name, v)
}

// Notify sends a fire-and-forget notification to the server. The v
// value is marshaled as JSON and sent as the notification data.
func (c *Client) Notify(name string, v interface{}) error {
	return c.conn.Notify(name, v)
}

// Option sets an option on the Client.
type Option func(*Client)

// SetCallTimeout sets the default time to wait for the response of a
// call. The zero value waits forever, or until the call's context
// expires.
func SetCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// SetNotifyHandler sets the function that is called with each
// notification received from the server. It is called from the
// connection's receive goroutine, so it must not block.
func SetNotifyHandler(fn func(name string, data json.RawMessage)) Option {
	return func(c *Client) {
		c.onNotify = fn
	}
}

// SetChangeHandler sets the function that is called with the new
// state value after each received patch is applied. It is called
// from the connection's receive goroutine, so it must not block.
func SetChangeHandler(fn func(v json.RawMessage)) Option {
	return func(c *Client) {
		c.onChange = fn
	}
}

// SetRequestHandler sets the handler called for requests received
// from the server. Both ends of a juggler connection can issue calls;
// clients that don't set a handler answer server requests with an
// unsuccessful response.
func SetRequestHandler(h juggler.Handler) Option {
	return func(c *Client) {
		c.cfg.Handler = h
	}
}

// SetKeepalive enables the keepalive monitor: after delay of silence
// on the connection a ping is sent, and if no traffic follows within
// timeout, the connection is closed. A zero delay disables keepalive.
func SetKeepalive(delay, timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.PingDelay = delay
		c.cfg.PingTimeout = timeout
	}
}

// SetMaxSegmentSize sets the maximum payload size, in bytes, of a
// single outgoing transport frame. Longer messages are split into
// several frames.
func SetMaxSegmentSize(n int) Option {
	return func(c *Client) {
		c.cfg.MaxSegmentSize = n
	}
}

// SetReadTimeout sets the read timeout of the connection.
func SetReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.ReadTimeout = timeout
	}
}

// SetWriteTimeout sets the write timeout of the connection.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.WriteTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout sets the timeout to acquire the
// exclusive write lock. If a lock cannot be acquired before the
// timeout, the connection is closed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.AcquireWriteLockTimeout = timeout
	}
}

// SetReadLimit sets the limit in bytes of frames read from the
// connection. If a frame exceeds the limit, the connection is
// closed.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.readLimit = limit
	}
}

// SetWriteLimit sets the limit in bytes of messages sent on the
// connection. If a message exceeds the limit, the connection is
// closed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.cfg.WriteLimit = limit
	}
}
