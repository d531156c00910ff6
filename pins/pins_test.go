package pins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ads1100host/core"
)

type fakeChip string

func (c fakeChip) Name() string { return string(c) }

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterChip("mcu", fakeChip("mcu")))
	require.NoError(t, r.RegisterChip("aux", fakeChip("aux")))
	return r
}

func TestLookupPin(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		desc   string
		chip   string
		pin    string
		invert bool
		pullup bool
	}{
		{"PA4", "mcu", "PA4", false, false},
		{"aux:gpio3", "aux", "gpio3", false, false},
		{"!PB1", "mcu", "PB1", true, false},
		{"^!aux:gpio7", "aux", "gpio7", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			p, err := r.LookupPin(tt.desc, "")
			require.NoError(t, err)
			assert.Equal(t, tt.chip, p.ChipName)
			assert.Equal(t, tt.chip, p.Chip.Name())
			assert.Equal(t, tt.pin, p.Pin)
			assert.Equal(t, tt.invert, p.Invert)
			assert.Equal(t, tt.pullup, p.Pullup)
		})
	}
}

func TestLookupPinErrors(t *testing.T) {
	r := newRegistry(t)

	_, err := r.LookupPin("probe:PA1", "")
	assert.ErrorIs(t, err, ErrUnknownChip)
	assert.ErrorIs(t, err, core.ErrConfig)

	for _, bad := range []string{"", "mcu:", "!", "PA 1"} {
		_, err := r.LookupPin(bad, "")
		assert.ErrorIs(t, err, ErrBadPin, "desc %q", bad)
	}

	assert.ErrorIs(t, r.RegisterChip("mcu", fakeChip("mcu")), core.ErrConfig)
}

func TestSharedPins(t *testing.T) {
	r := newRegistry(t)

	first, err := r.LookupPin("PA8", "sw_scl")
	require.NoError(t, err)
	second, err := r.LookupPin("mcu:PA8", "sw_scl")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = r.LookupPin("PA8", "")
	assert.ErrorIs(t, err, ErrPinInUse)
	_, err = r.LookupPin("PA8", "spi_clk")
	assert.ErrorIs(t, err, ErrPinInUse)
	_, err = r.LookupPin("!PA8", "sw_scl")
	assert.ErrorIs(t, err, ErrPinInUse)

	_, err = r.LookupPin("PA9", "")
	require.NoError(t, err)
	_, err = r.LookupPin("PA9", "")
	assert.ErrorIs(t, err, ErrPinInUse)
}
