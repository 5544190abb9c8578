package framer

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/hat-juggler/message"
)

func TestEncodeSingleSegment(t *testing.T) {
	t.Parallel()

	m, err := message.NewNotify("n", "x")
	require.NoError(t, err, "NewNotify")

	frames, err := Encode(m, 1024)
	require.NoError(t, err, "Encode")
	require.Len(t, frames, 1, "one frame")
	assert.Equal(t, OpFinal, frames[0][0], "final opcode")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0][1:], &fields), "payload is JSON")
	assert.Equal(t, "notify", fields["type"], "type tag")
}

func TestEncodeSplitsOnSegmentSize(t *testing.T) {
	t.Parallel()

	m, err := message.NewNotify("n", strings.Repeat("a", 100))
	require.NoError(t, err, "NewNotify")

	frames, err := Encode(m, 10)
	require.NoError(t, err, "Encode")
	require.True(t, len(frames) > 1, "message was split")

	for i, f := range frames {
		if i < len(frames)-1 {
			assert.Equal(t, OpMore, f[0], "opcode frame %d", i)
			assert.Equal(t, 10, len(f)-1, "full segment %d", i)
		} else {
			assert.Equal(t, OpFinal, f[0], "final frame")
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	req, err := message.NewRequest(3, "proc", map[string]interface{}{
		"big": strings.Repeat("x", 500),
		"n":   float64(42),
	})
	require.NoError(t, err, "NewRequest")

	for _, size := range []int{1, 2, 7, 64, 1 << 20} {
		frames, err := Encode(req, size)
		require.NoError(t, err, "Encode size %d", size)

		var d Decoder
		var got message.Msg
		for i, f := range frames {
			m, sig, _, err := d.Decode(f)
			require.NoError(t, err, "Decode size %d frame %d", size, i)
			assert.Equal(t, SignalNone, sig, "no signal")
			if i < len(frames)-1 {
				assert.Nil(t, m, "no message before final segment")
			} else {
				got = m
			}
		}
		require.NotNil(t, got, "message completed, size %d", size)
		assert.True(t, reflect.DeepEqual(req, got), "round-trip equal, size %d", size)
	}
}

func TestDecodeKeepalive(t *testing.T) {
	t.Parallel()

	var d Decoder

	// a ping in the middle of a segmented message must not disturb
	// the reassembly buffer.
	m, err := message.NewNotify("n", strings.Repeat("z", 50))
	require.NoError(t, err, "NewNotify")
	frames, err := Encode(m, 20)
	require.NoError(t, err, "Encode")
	require.True(t, len(frames) > 1, "split")

	_, _, _, err = d.Decode(frames[0])
	require.NoError(t, err, "first segment")

	_, sig, payload, err := d.Decode(Ping([]byte("abc")))
	require.NoError(t, err, "ping")
	assert.Equal(t, SignalPing, sig, "ping signal")
	assert.Equal(t, "abc", string(payload), "ping payload")

	_, sig, _, err = d.Decode(Pong(nil))
	require.NoError(t, err, "pong")
	assert.Equal(t, SignalPong, sig, "pong signal")

	var got message.Msg
	for _, f := range frames[1:] {
		mm, _, _, err := d.Decode(f)
		require.NoError(t, err, "remaining segments")
		if mm != nil {
			got = mm
		}
	}
	assert.True(t, reflect.DeepEqual(m, got), "reassembly unaffected by keepalive")
}

func TestDecodeViolations(t *testing.T) {
	t.Parallel()

	var d Decoder

	_, _, _, err := d.Decode(nil)
	assert.Equal(t, ErrEmptyFrame, err, "empty frame")

	_, _, _, err = d.Decode([]byte("9payload"))
	assert.Error(t, err, "unknown opcode")

	_, _, _, err = d.Decode([]byte("0{not json"))
	assert.Error(t, err, "bad JSON")

	_, _, _, err = d.Decode([]byte(`0{"type":"nosuch"}`))
	assert.Error(t, err, "unknown message type")
}
