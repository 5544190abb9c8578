package juggler

import (
	"context"
	"encoding/json"
	"expvar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/hat-juggler/internal/wstest"
)

func TestUpgradeSubprotocol(t *testing.T) {
	upg := &websocket.Upgrader{Subprotocols: Subprotocols}
	hs := httptest.NewServer(Upgrade(upg, &Server{}))
	defer hs.Close()
	url := strings.Replace(hs.URL, "http:", "ws:", 1)

	cases := []struct {
		requested []string
		closed    bool
	}{
		{nil, false},
		{[]string{"juggler"}, false},
		{[]string{"chat", "juggler"}, false},
		{[]string{"chat"}, true},
	}
	for _, c := range cases {
		d := &websocket.Dialer{Subprotocols: c.requested}
		wsc, _, err := d.Dial(url, nil)
		require.NoError(t, err, "Dial %v", c.requested)

		jc := NewConn(wsc, ConnConfig{})
		_, err = jc.Send(context.Background(), "", nil)
		if c.closed {
			assert.Error(t, err, "probe on dropped connection %v", c.requested)
		} else {
			assert.NoError(t, err, "probe %v", c.requested)
		}
		jc.Close(nil)
		wsc.Close()
	}
}

func TestServerRejectsBinaryMessage(t *testing.T) {
	closed := make(chan *Conn, 1)
	upg := &websocket.Upgrader{}
	hs := httptest.NewServer(Upgrade(upg, &Server{
		ConnState: func(c *Conn, cs ConnState) {
			if cs == Closed {
				closed <- c
			}
		},
	}))
	defer hs.Close()

	wsc := wstest.Dial(t, strings.Replace(hs.URL, "http:", "ws:", 1))
	defer wsc.Close()
	require.NoError(t, wsc.WriteMessage(websocket.BinaryMessage, []byte("binary")), "write")

	select {
	case c := <-closed:
		var perr *ProtocolError
		require.ErrorAs(t, c.CloseErr, &perr, "close reason")
	case <-time.After(time.Second):
		t.Fatal("server connection not closed")
	}
}

func TestServerConnStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []ConnState

	url := startServer(t, &Server{
		ConnState: func(_ *Conn, cs ConnState) {
			mu.Lock()
			states = append(states, cs)
			mu.Unlock()
		},
	})

	c := dialConn(t, url, ConnConfig{})
	_, err := c.Send(context.Background(), "", nil)
	require.NoError(t, err, "probe")

	c.UnderlyingConn().Close()
	<-c.CloseNotify()

	// wait for the server side to observe the close
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		got := append([]ConnState(nil), states...)
		mu.Unlock()
		if len(got) == 3 || time.Now().After(deadline) {
			assert.Equal(t, []ConnState{Accepting, Connected, Closed}, got, "transitions")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerVars(t *testing.T) {
	vars := new(expvar.Map).Init()
	url := startServer(t, &Server{
		Vars: vars,
		Handler: HandlerFunc(func(_ context.Context, _ *Conn, _ string, data json.RawMessage) (interface{}, error) {
			return data, nil
		}),
	})

	c := dialConn(t, url, ConnConfig{})
	_, err := c.Send(context.Background(), "echo", "x")
	require.NoError(t, err, "echo")

	assert.Equal(t, "1", vars.Get("ActiveConns").String(), "ActiveConns")
	assert.Equal(t, "1", vars.Get("TotalConns").String(), "TotalConns")
	assert.Equal(t, "1", vars.Get("MsgsRequest").String(), "MsgsRequest")

	c.UnderlyingConn().Close()
	<-c.CloseNotify()

	deadline := time.Now().Add(time.Second)
	for vars.Get("ActiveConns").String() != "0" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "0", vars.Get("ActiveConns").String(), "ActiveConns after close")
}

func TestServerReadLimit(t *testing.T) {
	closed := make(chan *Conn, 1)
	url := startServer(t, &Server{
		ReadLimit: 16,
		ConnState: func(c *Conn, cs ConnState) {
			if cs == Closed {
				closed <- c
			}
		},
	})

	wsc := wstest.Dial(t, url)
	defer wsc.Close()

	big := `0{"type": "notify", "name": "n", "data": "` + strings.Repeat("x", 64) + `"}`
	require.NoError(t, wsc.WriteMessage(websocket.TextMessage, []byte(big)), "write")

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("server connection not closed on read limit")
	}
}
