package juggler

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"time"
)

// SlowRequestThreshold defines the threshold at which request
// handling is marked as slow in the expvar metrics, if a Vars map is
// set. Set to 0 to disable SlowRequest metrics.
var SlowRequestThreshold = 100 * time.Millisecond

// Handler defines the method required to handle a request received
// over a connection. The returned value is marshaled as the data of a
// successful response; a returned error produces an unsuccessful
// response carrying the error's JSON form if it implements
// json.Marshaler, its text otherwise.
type Handler interface {
	Handle(ctx context.Context, c *Conn, name string, data json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(ctx context.Context, c *Conn, name string, data json.RawMessage) (interface{}, error)

// Handle implements Handler for the HandlerFunc by calling the
// function itself.
func (h HandlerFunc) Handle(ctx context.Context, c *Conn, name string, data json.RawMessage) (interface{}, error) {
	return h(ctx, c, name, data)
}

// ServeMux routes requests to handlers registered per request name.
// The zero value is a valid mux with no registered handlers.
type ServeMux struct {
	handlers map[string]Handler
}

// Handle registers the handler for the request name, replacing any
// previously registered handler for that name.
func (m *ServeMux) Handle(name string, h Handler) {
	if m.handlers == nil {
		m.handlers = make(map[string]Handler)
	}
	m.handlers[name] = h
}

// HandleFunc registers the handler function for the request name.
func (m *ServeMux) HandleFunc(name string, h func(context.Context, *Conn, string, json.RawMessage) (interface{}, error)) {
	m.Handle(name, HandlerFunc(h))
}

// ServeRequest dispatches the request to the handler registered for
// its name. Requests with no registered handler fail with an
// unsuccessful response.
func (m *ServeMux) ServeRequest(ctx context.Context, c *Conn, name string, data json.RawMessage) (interface{}, error) {
	h, ok := m.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown request: %s", name)
	}
	return h.Handle(ctx, c, name, data)
}

// Handler returns the mux itself as a Handler dispatching on request
// names.
func (m *ServeMux) Handler() Handler {
	return HandlerFunc(m.ServeRequest)
}

// Chain returns a Handler that calls each handler in order, stopping
// at the first one that does not fail, and returning the last error
// if all of them do.
func Chain(hs ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, c *Conn, name string, data json.RawMessage) (interface{}, error) {
		var err error
		for _, h := range hs {
			var v interface{}
			if v, err = h.Handle(ctx, c, name, data); err == nil {
				return v, nil
			}
		}
		return nil, err
	})
}

// SlowTimer wraps the handler and counts requests that take longer
// than SlowRequestThreshold in vars.
func SlowTimer(vars *expvar.Map, h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, c *Conn, name string, data json.RawMessage) (interface{}, error) {
		if vars == nil || SlowRequestThreshold == 0 {
			return h.Handle(ctx, c, name, data)
		}
		start := time.Now()
		v, err := h.Handle(ctx, c, name, data)
		if time.Since(start) >= SlowRequestThreshold {
			vars.Add("SlowRequests", 1)
		}
		return v, err
	})
}
