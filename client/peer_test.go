package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	juggler "github.com/hat-open/hat-juggler"
)

func waitClient(t *testing.T, ch <-chan *Client) *Client {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not connect")
		return nil
	}
}

func TestPeerConnectsFirstAvailable(t *testing.T) {
	url := startServer(t, echoServer())

	connected := make(chan *Client, 1)
	p := &Peer{
		RetryDelay: 50 * time.Millisecond,
		OnConnect: func(c *Client) {
			connected <- c
		},
	}
	p.Start("ws://127.0.0.1:1/nope", url)
	defer p.Stop()

	c := waitClient(t, connected)
	assert.Equal(t, c, p.Current(), "Current")
}

func TestPeerReconnects(t *testing.T) {
	url := startServer(t, echoServer())

	connected := make(chan *Client, 2)
	disconnected := make(chan error, 2)
	p := &Peer{
		RetryDelay: 50 * time.Millisecond,
		OnConnect: func(c *Client) {
			connected <- c
		},
		OnDisconnect: func(_ *Client, err error) {
			disconnected <- err
		},
	}
	p.Start(url)
	defer p.Stop()

	first := waitClient(t, connected)
	p.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}

	second := waitClient(t, connected)
	assert.NotEqual(t, first, second, "reconnected with a new client")
}

func TestPeerAdvancesOnDrop(t *testing.T) {
	whoami := func(id string) *juggler.Server {
		return &juggler.Server{
			Handler: juggler.HandlerFunc(func(_ context.Context, _ *juggler.Conn, _ string, _ json.RawMessage) (interface{}, error) {
				return id, nil
			}),
		}
	}
	urlA := startServer(t, whoami("a"))
	urlB := startServer(t, whoami("b"))

	connected := make(chan *Client, 4)
	p := &Peer{
		RetryDelay: 50 * time.Millisecond,
		OnConnect: func(c *Client) {
			connected <- c
		},
	}
	p.Start(urlA, urlB)
	defer p.Stop()

	ask := func(c *Client) string {
		res, err := c.Call(context.Background(), "whoami", nil)
		require.NoError(t, err, "whoami")
		var id string
		require.NoError(t, json.Unmarshal(res, &id), "unmarshal")
		return id
	}

	// each drop moves the peer to the next address, wrapping around
	assert.Equal(t, "a", ask(waitClient(t, connected)), "first connection")
	p.Disconnect()
	assert.Equal(t, "b", ask(waitClient(t, connected)), "after first drop")
	p.Disconnect()
	assert.Equal(t, "a", ask(waitClient(t, connected)), "wrapped around")
}

func TestPeerGivesUpWithoutRetryDelay(t *testing.T) {
	p := &Peer{}
	p.Start("ws://127.0.0.1:1/nope", "ws://127.0.0.1:2/nope")

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not give up after exhausting the address list")
	}
	assert.Nil(t, p.Current(), "Current after give up")
}

func TestPeerSetAddresses(t *testing.T) {
	url := startServer(t, echoServer())

	connected := make(chan *Client, 1)
	p := &Peer{
		RetryDelay: 20 * time.Millisecond,
		OnConnect: func(c *Client) {
			connected <- c
		},
	}
	// start with a dead address only, then point the peer at the
	// live server
	p.Start("ws://127.0.0.1:1/nope")
	defer p.Stop()

	p.SetAddresses(url)
	waitClient(t, connected)
}

func TestPeerStop(t *testing.T) {
	url := startServer(t, echoServer())

	connected := make(chan *Client, 1)
	p := &Peer{
		RetryDelay: 50 * time.Millisecond,
		OnConnect: func(c *Client) {
			connected <- c
		},
	}
	p.Start(url)
	c := waitClient(t, connected)

	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not stop")
	}
	select {
	case <-c.CloseNotify():
	default:
		t.Fatal("active client not closed on stop")
	}

	// Stop is idempotent
	p.Stop()
}
