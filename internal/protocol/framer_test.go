package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFramer_SingleMessage(t *testing.T) {
	f := NewFramer(1024)
	payloads, err := f.Push([]byte("{\"type\":\"HEARTBEAT\"}\x00"))
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte(`{"type":"HEARTBEAT"}`), payloads[0])
	assert.Zero(t, f.Pending())
}

func TestFramer_PartialThenRest(t *testing.T) {
	f := NewFramer(1024)

	payloads, err := f.Push([]byte(`{"type":"HEART`))
	require.NoError(t, err)
	assert.Empty(t, payloads)
	assert.Equal(t, 14, f.Pending())

	payloads, err = f.Push([]byte("BEAT\"}\x00"))
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte(`{"type":"HEARTBEAT"}`), payloads[0])
}

func TestFramer_MultipleMessagesInOneChunk(t *testing.T) {
	f := NewFramer(1024)
	payloads, err := f.Push([]byte("one\x00two\x00three\x00"))
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, []byte("one"), payloads[0])
	assert.Equal(t, []byte("two"), payloads[1])
	assert.Equal(t, []byte("three"), payloads[2])
}

func TestFramer_EmptyPayload(t *testing.T) {
	f := NewFramer(1024)
	payloads, err := f.Push([]byte{Delimiter})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Empty(t, payloads[0])
}

func TestFramer_TrailingPartialKept(t *testing.T) {
	f := NewFramer(1024)
	payloads, err := f.Push([]byte("done\x00partial"))
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, 7, f.Pending())
}

func TestFramer_Overflow(t *testing.T) {
	f := NewFramer(8)
	_, err := f.Push([]byte("123456789"))
	assert.ErrorIs(t, err, ErrPendingOverflow)
}

func TestFramer_OverflowAfterCompleteFrames(t *testing.T) {
	f := NewFramer(4)
	payloads, err := f.Push([]byte("ok\x00waytoolong"))
	// The complete frame is still delivered with the overflow error.
	assert.ErrorIs(t, err, ErrPendingOverflow)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("ok"), payloads[0])
}

func TestFramer_DelimiterResetsPendingCount(t *testing.T) {
	f := NewFramer(8)
	for i := 0; i < 100; i++ {
		payloads, err := f.Push([]byte("1234567\x00"))
		require.NoError(t, err)
		require.Len(t, payloads, 1)
	}
}

func TestFramer_PayloadsSurviveLaterPushes(t *testing.T) {
	f := NewFramer(1024)
	payloads, err := f.Push([]byte("first\x00"))
	require.NoError(t, err)
	_, err = f.Push([]byte("secondsecondsecond\x00"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), payloads[0])
}

// Property: any sequence of delimiter-free messages, concatenated with
// delimiters and fed to the framer in arbitrarily split chunks, comes back
// out as exactly the original sequence, regardless of split points.
func TestPropertyFramer_SplitIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(t, "messages")
		messages := make([][]byte, n)
		var stream []byte
		for i := range messages {
			length := rapid.IntRange(0, 50).Draw(t, "length")
			msg := make([]byte, length)
			for j := range msg {
				msg[j] = byte(rapid.IntRange(1, 255).Draw(t, "byte"))
			}
			messages[i] = msg
			stream = append(stream, msg...)
			stream = append(stream, Delimiter)
		}

		f := NewFramer(1 << 20)
		var got [][]byte
		for len(stream) > 0 {
			split := rapid.IntRange(1, len(stream)).Draw(t, "split")
			payloads, err := f.Push(stream[:split])
			require.NoError(t, err)
			got = append(got, payloads...)
			stream = stream[split:]
		}

		require.Len(t, got, len(messages))
		for i := range messages {
			assert.Equal(t, messages[i], got[i])
		}
		assert.Zero(t, f.Pending())
	})
}
