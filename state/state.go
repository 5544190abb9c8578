// Package state implements the JSON state shared between the two
// peers of a juggler connection. One side owns the authoritative
// value and mutates it; the other side holds a replica kept
// consistent by applying the JSON Patch (RFC 6902) deltas computed
// for each mutation.
package state

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Op is a single RFC 6902 operation, kept in its marshaled form.
type Op = json.RawMessage

// SubFunc is called synchronously for every authoritative mutation,
// with the operations describing the delta. Implementations must not
// call back into the Store.
type SubFunc func(ops []Op)

// Store holds a JSON value, initially null. On the authoritative side
// the value is changed with Set and Remove, and every mutation is
// broadcast to the subscribers as RFC 6902 operations. On the replica
// side the value is changed only with Apply.
//
// A Store is safe for concurrent use and may be shared by several
// connections.
type Store struct {
	mu      sync.Mutex
	doc     json.RawMessage
	subs    map[int]SubFunc
	nextSub int
}

// New creates a Store holding the JSON value null.
func New() *Store {
	return &Store{
		doc:  json.RawMessage("null"),
		subs: make(map[int]SubFunc),
	}
}

// Value returns a copy of the current JSON value.
func (s *Store) Value() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make(json.RawMessage, len(s.doc))
	copy(v, s.doc)
	return v
}

// Unmarshal decodes the current JSON value into v.
func (s *Store) Unmarshal(v interface{}) error {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	return json.Unmarshal(doc, v)
}

// Set changes the value at the JSON pointer path. An empty path
// replaces the whole value. Non-root paths use RFC 6902 add
// semantics: object members are created or replaced, array elements
// are inserted, and the parent of the path must exist. The delta from
// the previous value is broadcast to subscribers.
func (s *Store) Set(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	op := "add"
	if path == "" {
		op = "replace"
	}
	mut, err := json.Marshal([]map[string]interface{}{
		{"op": op, "path": path, "value": json.RawMessage(b)},
	})
	if err != nil {
		return err
	}
	return s.mutate(mut)
}

// Remove deletes the value at the JSON pointer path. The path must
// exist. The delta from the previous value is broadcast to
// subscribers.
func (s *Store) Remove(path string) error {
	mut, err := json.Marshal([]map[string]interface{}{
		{"op": "remove", "path": path},
	})
	if err != nil {
		return err
	}
	return s.mutate(mut)
}

// mutate applies the patch to the document and broadcasts the delta
// between the previous and the new document to the subscribers.
func (s *Store) mutate(patch json.RawMessage) error {
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newDoc, err := p.Apply(s.doc)
	if err != nil {
		return fmt.Errorf("state: cannot apply mutation: %w", err)
	}

	ops, err := diffOps(s.doc, newDoc)
	if err != nil {
		return err
	}
	s.doc = newDoc

	if len(ops) > 0 {
		for _, fn := range s.subs {
			fn(ops)
		}
	}
	return nil
}

// diffOps computes the RFC 6902 delta between two documents as a
// slice of marshaled operations.
func diffOps(from, to json.RawMessage) ([]Op, error) {
	patch, err := jsondiff.CompareJSON(from, to)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, nil
	}

	b, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var ops []Op
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Subscribe registers fn to be called for every mutation delta, in
// mutation order. It returns a function that cancels the
// subscription.
func (s *Store) Subscribe(fn SubFunc) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Sync atomically registers fn as a subscriber and returns the
// initial patch for the current value (see InitialPatch). No mutation
// can slip between the snapshot and the subscription, so applying the
// initial patch followed by every broadcast delta reconstructs the
// value exactly.
func (s *Store) Sync(fn SubFunc) (initial json.RawMessage, cancel func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	initial, err = json.Marshal([]map[string]interface{}{
		{"op": "replace", "path": "", "value": json.RawMessage(s.doc)},
	})
	if err != nil {
		return nil, nil, err
	}

	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn

	return initial, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// InitialPatch returns a JSON Patch document with a single operation
// that replaces a null value with the current value. Applied by a
// fresh replica, it fully constructs the current state.
func (s *Store) InitialPatch() (json.RawMessage, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	return json.Marshal([]map[string]interface{}{
		{"op": "replace", "path": "", "value": json.RawMessage(doc)},
	})
}

// Apply applies an incoming JSON Patch document to the replica value
// and returns the new value. Application is atomic: if any operation
// fails, the value is left unchanged and an error is returned. The
// caller treats such an error as a protocol violation.
func (s *Store) Apply(diff json.RawMessage) (json.RawMessage, error) {
	p, err := jsonpatch.DecodePatch(diff)
	if err != nil {
		return nil, fmt.Errorf("state: invalid patch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newDoc, err := p.Apply(s.doc)
	if err != nil {
		return nil, fmt.Errorf("state: cannot apply patch: %w", err)
	}
	s.doc = newDoc

	v := make(json.RawMessage, len(newDoc))
	copy(v, newDoc)
	return v, nil
}
