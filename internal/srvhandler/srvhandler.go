// Package srvhandler implements server handlers used by the
// juggler-server command and various tests.
package srvhandler

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"

	juggler "github.com/hat-open/hat-juggler"
)

// PanicRecover returns a juggler.Handler that recovers from panics
// that may happen in h and turns them into request errors, so a
// misbehaving handler fails a single call instead of the process. If
// a non-nil vars is passed as parameter, the RecoveredPanics counter
// is incremented for each panic.
func PanicRecover(h juggler.Handler, vars *expvar.Map) juggler.Handler {
	return juggler.HandlerFunc(func(ctx context.Context, c *juggler.Conn, name string, data json.RawMessage) (v interface{}, err error) {
		defer func() {
			if e := recover(); e != nil {
				if vars != nil {
					vars.Add("RecoveredPanics", 1)
				}

				switch e := e.(type) {
				case error:
					err = e
				default:
					err = fmt.Errorf("%v", e)
				}
				v = nil
			}
		}()
		return h.Handle(ctx, c, name, data)
	})
}

// LogConn returns a function compatible with the Server.ConnState
// field type that logs connections and disconnections to the
// provided logger. It is not a juggler.Handler.
func LogConn(logger *slog.Logger) func(*juggler.Conn, juggler.ConnState) {
	return func(c *juggler.Conn, state juggler.ConnState) {
		switch state {
		case juggler.Connected:
			logger.Info("connected",
				"conn", c.UUID,
				"remote", c.RemoteAddr(),
				"subprotocol", c.Subprotocol())
		case juggler.Closed:
			logger.Info("closing",
				"conn", c.UUID,
				"remote", c.RemoteAddr(),
				"error", c.CloseErr)
		}
	}
}

// LogRequest returns a juggler.Handler that logs every request
// dispatched to h, including its outcome, to the provided logger.
func LogRequest(logger *slog.Logger, h juggler.Handler) juggler.Handler {
	return juggler.HandlerFunc(func(ctx context.Context, c *juggler.Conn, name string, data json.RawMessage) (interface{}, error) {
		v, err := h.Handle(ctx, c, name, data)
		if err != nil {
			logger.Warn("request failed", "conn", c.UUID, "name", name, "error", err)
		} else {
			logger.Debug("request served", "conn", c.UUID, "name", name)
		}
		return v, err
	})
}
