// Package wstest provides websocket test helpers for the juggler
// packages.
package wstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// StartRecordingServer starts a websocket test server that accepts a
// single connection and copies the payload of every received text
// message to w. The done channel receives a value when the connection
// is closed. The caller must close the returned server.
func StartRecordingServer(t *testing.T, done chan bool, w io.Writer) *httptest.Server {
	t.Helper()

	upg := &websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(rw, r, nil)
		if err != nil {
			t.Errorf("wstest: Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				done <- true
				return
			}
			if _, err := w.Write(b); err != nil {
				t.Errorf("wstest: recording write failed: %v", err)
				return
			}
		}
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// Frames is a mutex-protected list of raw websocket frames.
type Frames struct {
	mu     sync.Mutex
	frames [][]byte
}

// Append adds a frame to the list.
func (f *Frames) Append(b []byte) {
	f.mu.Lock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.frames = append(f.frames, cp)
	f.mu.Unlock()
}

// All returns a snapshot of the recorded frames.
func (f *Frames) All() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([][]byte, len(f.frames))
	copy(cp, f.frames)
	return cp
}

// StartFrameServer starts a websocket test server that records every
// received text message in frames, and writes every value received on
// the send channel to the connection as a text message. The caller
// must close the returned server.
func StartFrameServer(t *testing.T, frames *Frames, send <-chan []byte) *httptest.Server {
	t.Helper()

	upg := &websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(rw, r, nil)
		if err != nil {
			t.Errorf("wstest: Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		stop := make(chan struct{})
		go func() {
			defer close(stop)
			for {
				_, b, err := conn.ReadMessage()
				if err != nil {
					return
				}
				frames.Append(b)
			}
		}()

		for {
			select {
			case b, ok := <-send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// Dial connects a websocket client to the test server at url.
func Dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("wstest: Dial failed: %v", err)
	}
	return conn
}
