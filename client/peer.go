package client

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Peer maintains a juggler client against a list of server
// addresses. It dials the addresses in order until a connection is
// established, and moves on to the next address whenever the active
// connection drops, wrapping around at the end of the list.
//
// The fields should not be updated once the peer has started.
type Peer struct {
	// Dialer is the websocket dialer used to connect. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer

	// Header is the request header sent with each connection attempt.
	Header http.Header

	// RetryDelay is the pause before restarting from the first
	// address once every address has been tried without success. The
	// default of 0 stops the peer instead: once the list is
	// exhausted, the peer gives up.
	RetryDelay time.Duration

	// Options are the client options applied to each established
	// connection.
	Options []Option

	// OnConnect, if set, is called with each newly established
	// client.
	OnConnect func(*Client)

	// OnDisconnect, if set, is called after an established
	// connection closed, with the client and its close reason.
	OnDisconnect func(*Client, error)

	mu      sync.Mutex
	addrs   []string
	cursor  int
	cur     *Client
	started bool

	stop chan struct{}
	done chan struct{}
}

// Start starts the peer's connection loop against the addresses. It
// returns immediately; use Done to wait for the peer to give up or
// be stopped.
func (p *Peer) Start(addrs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("client: peer already started")
	}
	p.started = true
	p.addrs = append([]string(nil), addrs...)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run()
}

// SetAddresses replaces the address list and resets the dialing
// cursor to its first entry. The new list takes effect on the next
// connection attempt; the active connection, if any, is not
// disturbed.
func (p *Peer) SetAddresses(addrs ...string) {
	p.mu.Lock()
	p.addrs = append([]string(nil), addrs...)
	p.cursor = 0
	p.mu.Unlock()
}

// Current returns the active client, or nil if the peer is not
// currently connected.
func (p *Peer) Current() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Disconnect closes the active connection, if any. The peer then
// reconnects normally, continuing with the next address.
func (p *Peer) Disconnect() {
	if c := p.Current(); c != nil {
		c.Close()
	}
}

// Stop closes the active connection and stops the peer for good. It
// is safe to call Stop multiple times.
func (p *Peer) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.mu.Unlock()

	p.Disconnect()
	<-p.done
}

// Done returns a channel that is closed once the peer has stopped
// connecting, either because Stop was called or because the address
// list was exhausted with a zero RetryDelay.
func (p *Peer) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Peer) run() {
	defer close(p.done)

	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	failed := 0
	for {
		if p.stopped() {
			return
		}

		p.mu.Lock()
		addrs := append([]string(nil), p.addrs...)
		if p.cursor >= len(addrs) {
			p.cursor = 0
		}
		cursor := p.cursor
		p.mu.Unlock()

		if len(addrs) == 0 {
			return
		}

		c, err := Dial(dialer, addrs[cursor], p.Header, p.Options...)

		// position the cursor on the next address, unless SetAddresses
		// reset it in the meantime
		p.mu.Lock()
		if p.cursor == cursor {
			p.cursor = cursor + 1
		}
		p.mu.Unlock()

		if err != nil {
			failed++
			if failed >= len(addrs) {
				// the whole list failed
				if p.RetryDelay == 0 {
					return
				}
				select {
				case <-time.After(p.RetryDelay):
				case <-p.stop:
					return
				}
				failed = 0
				p.mu.Lock()
				p.cursor = 0
				p.mu.Unlock()
			}
			continue
		}
		failed = 0

		p.mu.Lock()
		p.cur = c
		p.mu.Unlock()

		if fn := p.OnConnect; fn != nil {
			fn(c)
		}

		select {
		case <-c.CloseNotify():
		case <-p.stop:
			c.Close()
			<-c.CloseNotify()
		}

		p.mu.Lock()
		p.cur = nil
		p.mu.Unlock()

		if fn := p.OnDisconnect; fn != nil {
			fn(c, c.CloseErr())
		}
	}
}

func (p *Peer) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
