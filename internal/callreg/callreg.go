// Package callreg tracks the locally-initiated requests of a juggler
// connection that are still waiting for their response.
package callreg

import (
	"encoding/json"
	"sync"
)

// Result is the outcome of a call. When Err is nil, Success and Data
// reflect the received response; otherwise the call failed without a
// response (e.g. the connection closed).
type Result struct {
	Success bool
	Data    json.RawMessage
	Err     error
}

// Registry allocates request identifiers and correlates responses
// with their originating call. It is safe for concurrent use. A
// Registry becomes inert after FailAll.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan Result
	failed  error
}

// New creates an empty registry. Request identifiers start at 1.
func New() *Registry {
	return &Registry{pending: make(map[int64]chan Result)}
}

// Issue allocates the next request identifier and registers a pending
// call for it. The returned channel receives exactly one Result. If
// the registry already failed, Issue returns the failure error and a
// zero id.
func (r *Registry) Issue() (int64, <-chan Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed != nil {
		return 0, nil, r.failed
	}

	r.nextID++
	id := r.nextID
	ch := make(chan Result, 1)
	r.pending[id] = ch
	return id, ch, nil
}

// Resolve completes the pending call identified by id with the
// response outcome. It returns false if no such call is pending -
// stale or duplicate responses are ignored, not an error.
func (r *Registry) Resolve(id int64, success bool, data json.RawMessage) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- Result{Success: success, Data: data}
	return true
}

// Forget drops the pending call identified by id without completing
// it. It is used by callers that stop waiting (external timeout or
// cancellation); a late response for the id is then silently ignored.
func (r *Registry) Forget(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending returns the number of calls still waiting for a response.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// FailAll completes every pending call with err and marks the
// registry as failed: subsequent Issue calls return err, subsequent
// Resolve calls find nothing to resolve. It is called exactly once,
// when the connection closes.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	if r.failed != nil {
		r.mu.Unlock()
		return
	}
	r.failed = err
	pending := r.pending
	r.pending = make(map[int64]chan Result)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
}
