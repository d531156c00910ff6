package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"ads1100host/host/mcu"
)

func TestPeriphBus(t *testing.T) {
	playback := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x48, W: []byte{0x8C}},
			{Addr: 0x48, R: []byte{0x12, 0x34, 0x8C}},
		},
	}
	defer func() {
		assert.NoError(t, playback.Close())
	}()

	b, err := NewPeriphBus("adc", playback, 0x48, func() float64 { return 42.5 })
	require.NoError(t, err)
	assert.Equal(t, "host", b.Controller().Name())
	assert.Equal(t, 7.0, b.Controller().EstimatedPrintTime(7.0))

	require.NoError(t, b.Write([]byte{0x8C}, mcu.Schedule{}))
	resp, err := b.Read(3, mcu.Schedule{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x8C}, resp.Data)
	assert.Equal(t, 42.5, resp.ReceiveTime)
}

func TestPeriphBusError(t *testing.T) {
	playback := &i2ctest.Playback{DontPanic: true}
	b, err := NewPeriphBus("adc", playback, 0x48, func() float64 { return 0 })
	require.NoError(t, err)

	_, err = b.Read(2, mcu.Schedule{})
	assert.Error(t, err)
}
