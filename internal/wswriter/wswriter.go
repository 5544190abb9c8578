// Package wswriter implements an exclusive frame writer for a
// websocket connection. It allows a single access to the writer end
// of the websocket connection at any given time, so the frames of a
// segmented message are never interleaved with other writes.
package wswriter

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriteLockTimeout is returned when a call to WriteFrame fails
// because the write lock of the connection cannot be acquired before
// the timeout.
var ErrWriteLockTimeout = errors.New("juggler: timed out waiting for write lock")

// ErrWriteLimitExceeded is returned when the frames written through a
// single Writer exceed the configured limit.
var ErrWriteLimitExceeded = errors.New("juggler: write limit exceeded")

// Writer writes the frames of a single message to a websocket
// connection, holding the connection's exclusive write lock from the
// first frame until Close.
type Writer struct {
	wsConn       *websocket.Conn
	writeLock    chan struct{}
	lockTimeout  time.Duration
	writeTimeout time.Duration
	init         bool
	limit        int64
	written      int64
}

// Exclusive creates an exclusive websocket frame writer. It uses the
// lock channel to acquire and release the lock, and fails with an
// ErrWriteLockTimeout if it can't acquire one before acquireTimeout.
// The writeTimeout is used to set the write deadline on the
// connection, and conn is the websocket connection to write to.
func Exclusive(conn *websocket.Conn, lock chan struct{}, acquireTimeout, writeTimeout time.Duration) *Writer {
	return &Writer{
		wsConn:       conn,
		writeLock:    lock,
		lockTimeout:  acquireTimeout,
		writeTimeout: writeTimeout,
	}
}

// SetLimit limits the total number of bytes that may be written
// through the writer. The zero value means no limit.
func (w *Writer) SetLimit(n int64) {
	w.limit = n
}

// WriteFrame writes one frame as a websocket text message. The first
// call tries to acquire the exclusive write lock, returning
// ErrWriteLockTimeout if it fails doing so before the timeout.
func (w *Writer) WriteFrame(frame []byte) error {
	if !w.init {
		var wait <-chan time.Time
		if to := w.lockTimeout; to > 0 {
			wait = time.After(to)
		}

		// try to acquire the write lock before the timeout
		select {
		case <-wait:
			return ErrWriteLockTimeout

		case <-w.writeLock:
			w.init = true
			if to := w.writeTimeout; to > 0 {
				w.wsConn.SetWriteDeadline(time.Now().Add(to))
			}
		}
	}

	if w.limit > 0 {
		w.written += int64(len(frame))
		if w.written > w.limit {
			return ErrWriteLimitExceeded
		}
	}
	return w.wsConn.WriteMessage(websocket.TextMessage, frame)
}

// Close releases the exclusive write lock. It must be called exactly
// once per writer, whether or not a write was performed.
func (w *Writer) Close() error {
	if !w.init {
		// lock was never acquired, Close is a no-op
		return nil
	}
	w.wsConn.SetWriteDeadline(time.Time{})

	// release the write lock
	w.writeLock <- struct{}{}
	return nil
}
