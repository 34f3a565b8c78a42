package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(b *TxBuffer) []string {
	var out []string
	for {
		select {
		case f := <-b.Out():
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestTxBufferFlushesInAllocationOrder(t *testing.T) {
	b := NewTxBuffer()
	s0 := b.Allocate()
	s1 := b.Allocate()
	s2 := b.Allocate()

	// Deliver out of order: nothing may flush until seq 0 lands.
	require.NoError(t, b.Deliver(s2, []byte("two")))
	require.NoError(t, b.Deliver(s1, []byte("one")))
	assert.Empty(t, collect(b))

	require.NoError(t, b.Deliver(s0, []byte("zero")))
	assert.Equal(t, []string{"zero", "one", "two"}, collect(b))
}

func TestTxBufferSkipReleasesSequence(t *testing.T) {
	b := NewTxBuffer()
	s0 := b.Allocate()
	s1 := b.Allocate()

	require.NoError(t, b.Deliver(s1, []byte("one")))
	assert.Empty(t, collect(b))

	b.Skip(s0)
	assert.Equal(t, []string{"one"}, collect(b))
}

func TestTxBufferDuplicateDeliveryDropped(t *testing.T) {
	b := NewTxBuffer()
	s0 := b.Allocate()
	require.NoError(t, b.Deliver(s0, []byte("zero")))
	require.NoError(t, b.Deliver(s0, []byte("again")))
	assert.Equal(t, []string{"zero"}, collect(b))
}

func TestTxBufferBackpressureCloses(t *testing.T) {
	b := NewTxBuffer()
	var err error
	for i := 0; i <= outBufferSize; i++ {
		err = b.Deliver(b.Allocate(), []byte("x"))
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrBackpressure)
	assert.ErrorIs(t, b.Deliver(b.Allocate(), []byte("y")), ErrBufferClosed)
}

func TestTxBufferCloseIdempotent(t *testing.T) {
	b := NewTxBuffer()
	b.Close()
	b.Close()
	_, open := <-b.Out()
	assert.False(t, open)
}
