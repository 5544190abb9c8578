package juggler

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/hat-open/hat-juggler/internal/callreg"
	"github.com/hat-open/hat-juggler/internal/framer"
	"github.com/hat-open/hat-juggler/internal/keepalive"
	"github.com/hat-open/hat-juggler/internal/wswriter"
	"github.com/hat-open/hat-juggler/message"
	"github.com/hat-open/hat-juggler/state"
)

// ConnState represents the possible states of a connection.
type ConnState int

// The list of possible connection states.
const (
	Unknown ConnState = iota
	Accepting
	Connected
	Closed
)

// ConnConfig configures a Conn. The zero value is a valid replica
// configuration with the default segment size and no keepalive.
type ConnConfig struct {
	// Authoritative indicates that this side of the connection owns
	// the state: it may mutate it and emits the state patches. The
	// other side holds a replica and only applies received patches.
	Authoritative bool

	// State is the state store bound to the connection. If nil, the
	// connection creates its own store (per-connection state). An
	// authoritative store may be shared by several connections, each
	// of which replicates it independently.
	State *state.Store

	// Handler is called for every received request with a non-empty
	// name. If nil, requests are answered with an unsuccessful
	// response.
	Handler Handler

	// ParallelRequests makes the connection process incoming requests
	// each in its own goroutine, so processing of subsequent requests
	// can start before prior responses are generated. When false,
	// requests are processed sequentially in arrival order.
	ParallelRequests bool

	// Notify is called for every received notification.
	Notify func(*Conn, string, json.RawMessage)

	// Change is called with the new state value after each received
	// state patch is applied (replica side only).
	Change func(*Conn, json.RawMessage)

	// MaxSegmentSize is the maximum payload size, in bytes, of a
	// single transport frame. Longer messages are split into several
	// frames. The default of 0 uses 64KB.
	MaxSegmentSize int

	// PingDelay is the duration of silence on the connection after
	// which a keepalive ping is sent. The default of 0 disables
	// keepalive.
	PingDelay time.Duration

	// PingTimeout is the time to wait for traffic after a keepalive
	// ping before the connection is considered dead.
	PingTimeout time.Duration

	// AutoflushDelay is the maximum delay before buffered state
	// mutations are sent to the peer as a single patch. The default
	// of 0 sends every mutation immediately as its own patch.
	AutoflushDelay time.Duration

	// ReadTimeout is the timeout to read an incoming frame. The
	// default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout to write an outgoing message. The
	// default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock of the connection. The default of 0 means no
	// timeout.
	AcquireWriteLockTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// Vars can be set to an *expvar.Map to collect counters about
	// the connection.
	Vars *expvar.Map

	// Metrics can be set to collect Prometheus metrics about the
	// connection.
	Metrics *Metrics
}

// Conn is a juggler connection. Each connection is identified by a
// UUID and has an underlying websocket connection. It is safe to call
// methods on a Conn concurrently, but the fields should be treated as
// read-only.
type Conn struct {
	// UUID is the unique identifier of the connection.
	UUID uuid.UUID

	// CloseErr is the error, if any, that caused the connection to
	// close. Must only be accessed after the close notification has
	// been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	// the underlying websocket connection.
	wsConn *websocket.Conn

	cfg   ConnConfig
	store *state.Store

	wmu     chan struct{} // exclusive write lock
	dec     framer.Decoder
	monitor *keepalive.Monitor
	calls   *callreg.Registry

	// authoritative-side state synchronization
	pmu     sync.Mutex
	pending [][]state.Op
	dirty   chan struct{}
	flushc  chan chan error
	unsub   func()

	// ensure the kill channel can only be closed once
	closeOnce sync.Once
	kill      chan struct{}
}

// NewConn creates a juggler connection over the open websocket
// connection and starts serving it: the receive loop, the keepalive
// monitor and, on the authoritative side, the initial state patch and
// the flush cadence. The caller keeps ownership of the websocket
// connection and must close it once the juggler connection is closed
// (see CloseNotify).
//
// Most applications do not call NewConn directly: Server.ServeConn
// and the client package create connections with the proper
// configuration.
func NewConn(wsConn *websocket.Conn, cfg ConnConfig) *Conn {
	// wmu is the write lock, used as mutex so it can be select'ed upon.
	// start with an available slot (initialize with a sent value).
	wmu := make(chan struct{}, 1)
	wmu <- struct{}{}

	st := cfg.State
	if st == nil {
		st = state.New()
	}

	c := &Conn{
		UUID:   uuid.NewRandom(),
		wsConn: wsConn,
		cfg:    cfg,
		store:  st,
		wmu:    wmu,
		calls:  callreg.New(),
		dirty:  make(chan struct{}, 1),
		flushc: make(chan chan error),
		kill:   make(chan struct{}),
	}
	c.monitor = keepalive.New(cfg.PingDelay, cfg.PingTimeout, c.sendPing, c.expire)

	if cfg.Vars != nil {
		cfg.Vars.Add("ActiveConns", 1)
		cfg.Vars.Add("TotalConns", 1)
	}
	if cfg.Metrics != nil {
		cfg.Metrics.ConnsActive.Inc()
		cfg.Metrics.ConnsTotal.Inc()
	}

	if cfg.Authoritative {
		initial, unsub, err := st.Sync(c.onMutation)
		if err != nil {
			c.Close(err)
			return c
		}
		c.unsub = unsub

		// construct the replica from null before any delta
		if err := c.doWrite(message.NewState(initial)); err != nil {
			return c
		}
		go c.syncLoop()
	}

	c.monitor.Start()
	go c.receive()
	return c
}

// UnderlyingConn returns the underlying websocket connection. Care
// should be taken when using the websocket connection directly, as it
// may interfere with the normal juggler connection behaviour.
func (c *Conn) UnderlyingConn() *websocket.Conn {
	return c.wsConn
}

// CloseNotify returns a signal channel that is closed when the Conn
// is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// Subprotocol returns the negotiated protocol for the connection.
func (c *Conn) Subprotocol() string {
	return c.wsConn.Subprotocol()
}

// Authoritative returns true if this side of the connection owns the
// state.
func (c *Conn) Authoritative() bool {
	return c.cfg.Authoritative
}

// State returns the state store bound to the connection: the
// authoritative value on the owning side, the replica on the other.
func (c *Conn) State() *state.Store {
	return c.store
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. Every call still outstanding fails with
// ErrConnClosed. Close does not send a websocket close message, nor
// does it close the underlying websocket connection. As with all Conn
// methods, it is safe to call concurrently, but only the first call
// will set the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.CloseErr = err
		c.monitor.Stop()
		if c.unsub != nil {
			c.unsub()
		}
		c.calls.FailAll(ErrConnClosed)
		close(c.kill)

		if c.cfg.Vars != nil {
			c.cfg.Vars.Add("ActiveConns", -1)
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConnsActive.Dec()
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.kill:
		return true
	default:
		return false
	}
}

// Send sends a request to the peer and waits for the matching
// response. It returns the response data, or a *CallError if the peer
// answered with an unsuccessful response, or ErrConnClosed if the
// connection closed while the call was outstanding. There is no
// implicit per-call timeout: use the context to give up waiting, in
// which case a late response is silently discarded.
func (c *Conn) Send(ctx context.Context, name string, data interface{}) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrTransportClosed
	}

	id, resc, err := c.calls.Issue()
	if err != nil {
		return nil, ErrTransportClosed
	}
	m, err := message.NewRequest(id, name, data)
	if err != nil {
		c.calls.Forget(id)
		return nil, err
	}
	if err := c.doWrite(m); err != nil {
		c.calls.Forget(id)
		return nil, err
	}

	select {
	case res := <-resc:
		if res.Err != nil {
			return nil, res.Err
		}
		if !res.Success {
			return nil, &CallError{Data: res.Data}
		}
		return res.Data, nil

	case <-ctx.Done():
		c.calls.Forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification to the peer.
func (c *Conn) Notify(name string, data interface{}) error {
	if c.isClosed() {
		return ErrTransportClosed
	}
	m, err := message.NewNotify(name, data)
	if err != nil {
		return err
	}
	return c.doWrite(m)
}

// SetState changes the authoritative state value at the JSON pointer
// path (see state.Store.Set). The resulting patch is sent to the peer
// according to the flush cadence.
func (c *Conn) SetState(path string, v interface{}) error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	return c.store.Set(path, v)
}

// RemoveState deletes the authoritative state value at the JSON
// pointer path (see state.Store.Remove).
func (c *Conn) RemoveState(path string) error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	return c.store.Remove(path)
}

// Flush forces synchronization of the state data: any buffered
// mutation is sent to the peer before Flush returns.
func (c *Conn) Flush() error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}

	errc := make(chan error, 1)
	select {
	case c.flushc <- errc:
		select {
		case err := <-errc:
			return err
		case <-c.kill:
			return ErrTransportClosed
		}
	case <-c.kill:
		return ErrTransportClosed
	}
}

// onMutation is the state store subscriber: it buffers the mutation
// delta and wakes the sync loop.
func (c *Conn) onMutation(ops []state.Op) {
	c.pmu.Lock()
	c.pending = append(c.pending, ops)
	c.pmu.Unlock()

	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// syncLoop emits the buffered state deltas: immediately when no
// autoflush delay is configured, coalesced into a single patch per
// delay window otherwise. Explicit Flush requests are served here so
// emission order is preserved.
func (c *Conn) syncLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-c.kill:
			stopTimer()
			return

		case errc := <-c.flushc:
			stopTimer()
			errc <- c.flushPending(true)

		case <-timerC:
			timer, timerC = nil, nil
			c.flushPending(true)

		case <-c.dirty:
			if d := c.cfg.AutoflushDelay; d > 0 {
				// armed on the first buffered mutation, not reset by
				// subsequent ones
				if timer == nil {
					timer = time.NewTimer(d)
					timerC = timer.C
				}
			} else {
				c.flushPending(false)
			}
		}
	}
}

// flushPending sends the buffered deltas to the peer. When coalesce
// is true all deltas are concatenated, in application order, into a
// single patch message; otherwise each delta is sent as its own
// patch.
func (c *Conn) flushPending(coalesce bool) error {
	c.pmu.Lock()
	pending := c.pending
	c.pending = nil
	c.pmu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var patches [][]state.Op
	if coalesce {
		var all []state.Op
		for _, ops := range pending {
			all = append(all, ops...)
		}
		patches = [][]state.Op{all}
	} else {
		patches = pending
	}

	for _, ops := range patches {
		diff, err := json.Marshal(ops)
		if err != nil {
			return err
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PatchesTotal.Inc()
		}
		if err := c.doWrite(message.NewState(diff)); err != nil {
			return err
		}
	}
	return nil
}

// receive is the read loop, started in its own goroutine.
func (c *Conn) receive() {
	for {
		// each read runs under its own deadline
		if to := c.cfg.ReadTimeout; to > 0 {
			c.wsConn.SetReadDeadline(time.Now().Add(to))
		} else {
			c.wsConn.SetReadDeadline(time.Time{})
		}

		// ReadMessage returns with an error once a connection is
		// closed, so this loop doesn't need to check the c.kill
		// channel.
		mt, b, err := c.wsConn.ReadMessage()
		if err != nil {
			c.Close(err)
			return
		}
		if mt != websocket.TextMessage {
			c.violation(fmt.Sprintf("invalid websocket message type: %d", mt), nil)
			return
		}

		// any inbound frame is traffic for the keepalive monitor
		c.monitor.Activity()

		m, sig, payload, err := c.dec.Decode(b)
		if err != nil {
			c.violation("invalid frame", err)
			return
		}

		switch sig {
		case framer.SignalPing:
			// answer immediately with a pong echoing the payload
			if err := c.writeFrame(framer.Pong(payload), true); err != nil {
				return
			}
			continue

		case framer.SignalPong:
			// liveness already observed via the activity above
			continue
		}

		if m == nil {
			// segment of a not-yet-complete message
			continue
		}
		c.countMsg(true, m.Type())
		if !c.dispatch(m) {
			return
		}
	}
}

// dispatch processes a fully reassembled message. It returns false if
// the message caused the connection to close.
func (c *Conn) dispatch(m message.Msg) bool {
	switch m := m.(type) {
	case *message.Request:
		if c.cfg.ParallelRequests && m.Name != "" {
			go c.processRequest(m)
		} else {
			c.processRequest(m)
		}

	case *message.Response:
		// stale or duplicate responses are silently ignored
		c.calls.Resolve(m.ID, m.Success, m.Data)

	case *message.State:
		if c.cfg.Authoritative {
			c.violation("state patch received by state owner", nil)
			return false
		}
		v, err := c.store.Apply(m.Diff)
		if err != nil {
			c.violation("cannot apply state patch", err)
			return false
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PatchesTotal.Inc()
		}
		if fn := c.cfg.Change; fn != nil {
			fn(c, v)
		}

	case *message.Notify:
		if fn := c.cfg.Notify; fn != nil {
			fn(c, m.Name, m.Data)
		}
	}
	return !c.isClosed()
}

// processRequest answers an incoming request. A request with an empty
// name is a liveness probe answered with its own data, without
// reaching the handler.
func (c *Conn) processRequest(m *message.Request) {
	var res *message.Response

	switch {
	case m.Name == "":
		res = &message.Response{ID: m.ID, Success: true, Data: m.Data}

	case c.cfg.Handler == nil:
		res = errResponse(m.ID, fmt.Errorf("request handler not implemented"))

	default:
		v, err := c.cfg.Handler.Handle(context.Background(), c, m.Name, m.Data)
		if err != nil {
			res = errResponse(m.ID, err)
		} else if res, err = message.NewResponse(m.ID, v); err != nil {
			res = errResponse(m.ID, err)
		}
	}

	c.doWrite(res)
}

// errResponse builds an unsuccessful response for the request id. If
// err implements json.Marshaler, its JSON form is used as error data,
// otherwise the error text is.
func errResponse(id int64, err error) *message.Response {
	var data interface{} = err.Error()
	if m, ok := err.(json.Marshaler); ok {
		data = m
	}
	res, merr := message.NewErrResponse(id, data)
	if merr != nil {
		res, _ = message.NewErrResponse(id, err.Error())
	}
	return res
}

// doWrite writes the message and closes the connection on a write
// failure (the peer may be gone, or the connection write path is
// broken beyond recovery).
func (c *Conn) doWrite(m message.Msg) error {
	if err := c.writeMsg(m); err != nil {
		if c.cfg.Vars != nil {
			switch err {
			case wswriter.ErrWriteLockTimeout:
				c.cfg.Vars.Add("WriteLockTimeouts", 1)
			case wswriter.ErrWriteLimitExceeded:
				c.cfg.Vars.Add("WriteLimitExceeded", 1)
			}
		}
		c.Close(err)
		return err
	}
	return nil
}

// writeMsg encodes the message into frames and writes them under the
// exclusive write lock, so segmented messages are never interleaved.
func (c *Conn) writeMsg(m message.Msg) error {
	if c.isClosed() {
		return ErrTransportClosed
	}

	frames, err := framer.Encode(m, c.cfg.MaxSegmentSize)
	if err != nil {
		return err
	}

	w := wswriter.Exclusive(c.wsConn, c.wmu, c.cfg.AcquireWriteLockTimeout, c.cfg.WriteTimeout)
	if l := c.cfg.WriteLimit; l > 0 {
		// account for the opcode byte carried by each frame
		w.SetLimit(l + int64(len(frames)))
	}
	defer w.Close()

	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			return err
		}
	}

	c.monitor.Activity()
	c.countMsg(false, m.Type())
	return nil
}

// writeFrame writes a single raw frame (keepalive ping/pong). When
// activity is true the frame counts as outbound traffic for the
// keepalive monitor; the monitor's own pings must not, or they would
// cancel the very timeout they are probing.
func (c *Conn) writeFrame(frame []byte, activity bool) error {
	if c.isClosed() {
		return ErrTransportClosed
	}

	w := wswriter.Exclusive(c.wsConn, c.wmu, c.cfg.AcquireWriteLockTimeout, c.cfg.WriteTimeout)
	defer w.Close()

	if err := w.WriteFrame(frame); err != nil {
		c.Close(err)
		return err
	}
	if activity {
		c.monitor.Activity()
	}
	return nil
}

// sendPing is the keepalive monitor's ping callback.
func (c *Conn) sendPing() {
	c.writeFrame(framer.Ping(nil), false)
}

// expire is the keepalive monitor's timeout callback.
func (c *Conn) expire() {
	if c.cfg.Vars != nil {
		c.cfg.Vars.Add("KeepaliveTimeouts", 1)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.KeepaliveTimeouts.Inc()
	}
	c.Close(ErrKeepaliveTimeout)
}

// violation closes the connection on a protocol violation.
func (c *Conn) violation(reason string, err error) {
	if c.cfg.Vars != nil {
		c.cfg.Vars.Add("ProtocolViolations", 1)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ProtocolViolations.Inc()
	}
	c.Close(&ProtocolError{Reason: reason, Err: err})
}

var msgVarNames = map[message.Type]string{
	message.RequestMsg:  "MsgsRequest",
	message.ResponseMsg: "MsgsResponse",
	message.StateMsg:    "MsgsState",
	message.NotifyMsg:   "MsgsNotify",
}

func (c *Conn) countMsg(read bool, t message.Type) {
	if vars := c.cfg.Vars; vars != nil {
		vars.Add("Msgs", 1)
		if read {
			vars.Add("MsgsRead", 1)
		} else {
			vars.Add("MsgsWrite", 1)
		}
		if n, ok := msgVarNames[t]; ok {
			vars.Add(n, 1)
		}
	}
	if m := c.cfg.Metrics; m != nil {
		dir := "write"
		if read {
			dir = "read"
		}
		m.MsgsTotal.WithLabelValues(dir, t.String()).Inc()
	}
}
