package notifybus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSingleChunkRoundTrip(t *testing.T) {
	payload := []byte(`{"msg":"added","collection":"task","id":"abc"}`)
	frames, err := Split(payload)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	r := NewReassembler()
	got, done, err := r.Feed(frames[0])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, payload, got)
}

func TestSplitMultiChunkRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("x", MaxChunkBytes*3+123))
	frames, err := Split(payload)
	require.NoError(t, err)
	assert.Greater(t, len(frames), 1)

	r := NewReassembler()
	var got []byte
	var done bool
	for _, f := range frames {
		got, done, err = r.Feed(f)
		require.NoError(t, err)
	}
	assert.True(t, done)
	assert.Equal(t, payload, got)
}

func TestFeedOutOfOrderChunks(t *testing.T) {
	payload := []byte(strings.Repeat("y", MaxChunkBytes*2+50))
	frames, err := Split(payload)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	r := NewReassembler()
	// Feed in reverse order; reassembly must still produce the
	// original payload in seq order.
	var got []byte
	var done bool
	for i := len(frames) - 1; i >= 0; i-- {
		got, done, err = r.Feed(frames[i])
		require.NoError(t, err)
	}
	assert.True(t, done)
	assert.Equal(t, payload, got)
}

func TestFeedInterleavedMessages(t *testing.T) {
	p1 := []byte("message one")
	p2 := []byte(strings.Repeat("2", MaxChunkBytes+11))
	f1, err := Split(p1)
	require.NoError(t, err)
	f2, err := Split(p2)
	require.NoError(t, err)
	require.Len(t, f2, 2)

	r := NewReassembler()
	// Message two's first chunk is still in flight when message one
	// arrives whole; neither disturbs the other.
	_, done, err := r.Feed(f2[0])
	require.NoError(t, err)
	assert.False(t, done)

	got1, done, err := r.Feed(f1[0])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, p1, got1)

	got2, done, err := r.Feed(f2[1])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, p2, got2)
}

func TestFeedMalformedFrame(t *testing.T) {
	r := NewReassembler()
	_, _, err := r.Feed("no-separator-here")
	assert.Error(t, err)
}

func TestDiscardDropsPartialState(t *testing.T) {
	payload := []byte(strings.Repeat("z", MaxChunkBytes*2+1))
	frames, err := Split(payload)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	r := NewReassembler()
	_, done, err := r.Feed(frames[0])
	require.NoError(t, err)
	assert.False(t, done)

	r.Discard()
	assert.Empty(t, r.pending)
}
