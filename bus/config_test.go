package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"ads1100host/core"
)

func TestNewFromConfigModes(t *testing.T) {
	f := newFakeMCU("mcu")
	deps := Deps{
		Pins:   newPins(t, f),
		Clocks: NewClockRegistry(),
		OpenHostBus: func(name string) (i2c.Bus, error) {
			if name != "1" {
				return nil, errors.New("no such bus")
			}
			return &i2ctest.Playback{}, nil
		},
		Monotonic: func() float64 { return 0 },
	}

	b, err := NewFromConfig(I2CConfig{Name: "a", SCLPin: "PA1", SDAPin: "PA2"}.WithDefaults(0x48, 3000000), deps)
	require.NoError(t, err)
	assert.IsType(t, &SoftwareBus{}, b)
	assert.Equal(t, uint8(0x48), b.Address())

	b, err = NewFromConfig(I2CConfig{Name: "b"}.WithDefaults(0x49, 100000), deps)
	require.NoError(t, err)
	assert.IsType(t, &HardwareBus{}, b)

	b, err = NewFromConfig(I2CConfig{Name: "c", Mode: ModeHost, Bus: "1"}.WithDefaults(0x4A, 100000), deps)
	require.NoError(t, err)
	assert.IsType(t, &PeriphBus{}, b)

	_, err = NewFromConfig(I2CConfig{Name: "d", Mode: ModeHost, Bus: "7"}.WithDefaults(0x4A, 100000), deps)
	assert.Error(t, err)

	_, err = NewFromConfig(I2CConfig{Name: "e", Mode: ModeSoftware, SCLPin: "PA3"}.WithDefaults(0x48, 0), deps)
	assert.ErrorIs(t, err, core.ErrConfig)

	_, err = NewFromConfig(I2CConfig{Name: "f", MCU: "aux"}.WithDefaults(0x48, 100000), deps)
	assert.ErrorIs(t, err, core.ErrConfig)

	_, err = NewFromConfig(I2CConfig{Name: "g", Mode: "spi"}, deps)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestWithDefaultsKeepsExplicit(t *testing.T) {
	cfg := I2CConfig{Address: 0x4B, Speed: 400000, MCU: "aux"}.WithDefaults(0x48, 3000000)
	assert.Equal(t, uint8(0x4B), cfg.Address)
	assert.Equal(t, uint32(400000), cfg.Speed)
	assert.Equal(t, "aux", cfg.MCU)
}
