package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverI2C(t *testing.T) {
	f := newFakeMCU("mcu")
	b, err := NewHardwareBus(f, HardwareConfig{Name: "adc", Address: 0x48, Speed: 100000})
	require.NoError(t, err)
	f.build(t)
	d := NewDriverI2C(b)

	f.i2cData = []byte{0xAB, 0xCD}
	buf := make([]byte, 2)
	require.NoError(t, d.ReadRegister(0x48, 0x01, buf))
	assert.Equal(t, []byte{0xAB, 0xCD}, buf)

	require.NoError(t, d.WriteRegister(0x48, 0x02, []byte{0x10}))
	last := f.sent[len(f.sent)-1]
	assert.Equal(t, []byte{0x02, 0x10}, last.args[1])

	assert.Error(t, d.Tx(0x49, []byte{1}, nil))
}

func TestDriverI2CShortRead(t *testing.T) {
	f := newFakeMCU("mcu")
	b, err := NewHardwareBus(f, HardwareConfig{Name: "adc", Address: 0x48, Speed: 100000})
	require.NoError(t, err)
	f.build(t)

	f.i2cData = []byte{0x01}
	err = NewDriverI2C(b).Tx(0x48, nil, make([]byte, 3))
	assert.ErrorIs(t, err, ErrShortResponse)
}
