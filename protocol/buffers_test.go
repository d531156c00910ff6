package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScratchOutput(t *testing.T) {
	scratch := NewScratchOutput()
	scratch.Output([]byte{1, 2, 3})
	assert.Equal(t, 3, scratch.CurPosition())

	scratch.Output([]byte{4, 5})
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, scratch.Result())
	assert.Equal(t, []byte{4, 5}, scratch.DataSince(3))
	assert.Nil(t, scratch.DataSince(6))

	scratch.Reset()
	assert.Empty(t, scratch.Result())
}

func TestFifoBufferWrap(t *testing.T) {
	fifo := NewFifoBuffer(8)
	assert.Equal(t, 7, fifo.Free())

	assert.Equal(t, 5, fifo.Write([]byte{1, 2, 3, 4, 5}))
	fifo.Pop(4)
	assert.Equal(t, 1, fifo.Available())

	// wraps around the end of the ring
	assert.Equal(t, 5, fifo.Write([]byte{6, 7, 8, 9, 10}))
	assert.Equal(t, []byte{5, 6, 7, 8, 9, 10}, fifo.Data())

	// full: one slot always stays empty
	assert.Equal(t, 1, fifo.Write([]byte{11, 12}))
	assert.Equal(t, 0, fifo.Free())

	fifo.Pop(100)
	assert.Equal(t, 0, fifo.Available())
	fifo.Reset()
	assert.Empty(t, fifo.Data())
}
