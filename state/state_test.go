package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsNull(t *testing.T) {
	t.Parallel()

	s := New()
	assert.JSONEq(t, "null", string(s.Value()), "initial value")
}

func TestSetRoot(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Set("", map[string]interface{}{"a": 1}), "Set root")
	assert.JSONEq(t, `{"a":1}`, string(s.Value()), "value replaced")

	require.NoError(t, s.Set("/a", 2), "Set member")
	assert.JSONEq(t, `{"a":2}`, string(s.Value()), "member replaced")

	require.NoError(t, s.Set("/b", []int{1, 2}), "Set new member")
	assert.JSONEq(t, `{"a":2,"b":[1,2]}`, string(s.Value()), "member added")

	require.NoError(t, s.Remove("/b"), "Remove")
	assert.JSONEq(t, `{"a":2}`, string(s.Value()), "member removed")
}

func TestSetBadPath(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Set("", map[string]interface{}{}), "Set root")
	assert.Error(t, s.Set("/missing/deep", 1), "missing parent")
	assert.Error(t, s.Remove("/nosuch"), "remove missing")
	assert.Error(t, s.Set("/a", func() {}), "unmarshalable value")
}

func TestMutationsConvergeOnReplica(t *testing.T) {
	t.Parallel()

	auth := New()
	replica := New()

	var patches []json.RawMessage
	cancel := auth.Subscribe(func(ops []Op) {
		b, err := json.Marshal(ops)
		require.NoError(t, err, "marshal ops")
		patches = append(patches, b)
	})
	defer cancel()

	require.NoError(t, auth.Set("", map[string]interface{}{"a": 1}), "set 1")
	require.NoError(t, auth.Set("/a", 2), "set 2")
	require.NoError(t, auth.Set("/b", "x"), "set 3")
	require.NoError(t, auth.Remove("/a"), "set 4")

	require.Len(t, patches, 4, "one delta per mutation")
	for i, p := range patches {
		_, err := replica.Apply(p)
		require.NoError(t, err, "apply patch %d", i)
	}
	assert.JSONEq(t, string(auth.Value()), string(replica.Value()), "converged")
}

func TestInitialPatch(t *testing.T) {
	t.Parallel()

	auth := New()
	require.NoError(t, auth.Set("", map[string]interface{}{"x": []int{1, 2, 3}}), "Set")

	p, err := auth.InitialPatch()
	require.NoError(t, err, "InitialPatch")

	replica := New()
	v, err := replica.Apply(p)
	require.NoError(t, err, "Apply")
	assert.JSONEq(t, `{"x":[1,2,3]}`, string(v), "replica constructed from null")
	assert.JSONEq(t, string(auth.Value()), string(replica.Value()), "equal")
}

func TestApplyAtomic(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Apply(json.RawMessage(`[{"op":"replace","path":"","value":{"a":1}}]`))
	require.NoError(t, err, "valid patch")

	// second op has a bad pointer: nothing of the patch must be applied
	_, err = s.Apply(json.RawMessage(
		`[{"op":"replace","path":"/a","value":2},{"op":"remove","path":"/nosuch"}]`))
	require.Error(t, err, "bad patch rejected")
	assert.JSONEq(t, `{"a":1}`, string(s.Value()), "value unchanged")

	_, err = s.Apply(json.RawMessage(`{not a patch`))
	assert.Error(t, err, "malformed patch")

	_, err = s.Apply(json.RawMessage(
		`[{"op":"test","path":"/a","value":999}]`))
	assert.Error(t, err, "failed test op")
}

func TestSubscribeCancel(t *testing.T) {
	t.Parallel()

	s := New()
	var calls int
	cancel := s.Subscribe(func(ops []Op) { calls++ })

	require.NoError(t, s.Set("", 1), "set")
	assert.Equal(t, 1, calls, "subscriber called")

	cancel()
	require.NoError(t, s.Set("", 2), "set after cancel")
	assert.Equal(t, 1, calls, "subscriber not called after cancel")
}

func TestNoBroadcastOnNoopMutation(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Set("", map[string]interface{}{"a": 1}), "set")

	var calls int
	cancel := s.Subscribe(func(ops []Op) { calls++ })
	defer cancel()

	// same value again: the delta is empty, nothing is broadcast
	require.NoError(t, s.Set("/a", 1), "noop set")
	assert.Equal(t, 0, calls, "no delta for identical value")
}

func TestUnmarshal(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Set("", map[string]interface{}{"a": 1, "b": "x"}), "set")

	var v struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	require.NoError(t, s.Unmarshal(&v), "Unmarshal")
	assert.Equal(t, 1, v.A, "a")
	assert.Equal(t, "x", v.B, "b")
}
