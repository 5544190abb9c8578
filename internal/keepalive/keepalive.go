// Package keepalive implements the per-connection liveness monitor.
// After a period of silence on the connection, the monitor requests a
// ping; if no traffic follows within the configured timeout, the
// monitor declares the connection dead.
package keepalive

import (
	"sync"
	"time"
)

// Monitor watches traffic on a single connection. When no frame is
// sent or received for the configured delay, it calls the ping
// function; if Activity is not reported within the timeout after
// that, it calls the expire function, once.
//
// A Monitor is safe for concurrent use. The ping and expire callbacks
// are invoked from their own timer goroutines, outside the monitor's
// lock, so they may block and may call Stop.
type Monitor struct {
	delay   time.Duration
	timeout time.Duration
	ping    func()
	expire  func()

	mu      sync.Mutex
	idle    *time.Timer
	wait    *time.Timer
	stopped bool
}

// New creates a Monitor that calls ping after delay of silence and
// expire if no activity follows within timeout of the ping. A delay
// of 0 disables the monitor entirely: Start and Activity become
// no-ops.
func New(delay, timeout time.Duration, ping, expire func()) *Monitor {
	return &Monitor{
		delay:   delay,
		timeout: timeout,
		ping:    ping,
		expire:  expire,
	}
}

// Start arms the idle timer. It must be called once when the
// connection opens.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.delay == 0 {
		return
	}
	m.restartIdleLocked()
}

// Activity reports traffic on the connection, in either direction.
// Any pending ping timeout is cancelled and the idle cycle restarts.
func (m *Monitor) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.delay == 0 {
		return
	}
	if m.wait != nil {
		m.wait.Stop()
		m.wait = nil
	}
	m.restartIdleLocked()
}

// Stop cancels all timers. Once stopped, the monitor never fires
// again. It is safe to call Stop multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	if m.wait != nil {
		m.wait.Stop()
		m.wait = nil
	}
}

func (m *Monitor) restartIdleLocked() {
	if m.idle != nil {
		m.idle.Stop()
	}
	m.idle = time.AfterFunc(m.delay, m.onIdle)
}

// onIdle fires when the connection has been silent for delay.
func (m *Monitor) onIdle() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.idle = nil
	m.wait = time.AfterFunc(m.timeout, m.onTimeout)
	m.mu.Unlock()

	m.ping()
}

// onTimeout fires when no activity followed the ping within timeout.
func (m *Monitor) onTimeout() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.wait = nil
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	m.mu.Unlock()

	m.expire()
}
