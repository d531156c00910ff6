package mcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockSyncNominal(t *testing.T) {
	c := NewClockSync(1000)
	assert.False(t, c.Ready())
	assert.Equal(t, uint64(2500), c.HostTimeToClock(2.5))
	assert.InDelta(t, 2.5, c.EstimatedPrintTime(2.5), 1e-9)
	assert.Equal(t, uint64(3000), c.PrintTimeToClock(3))
	assert.InDelta(t, 0.25, c.ClockToPrintTime(250), 1e-9)
}

func TestClockSyncFit(t *testing.T) {
	c := NewClockSync(1000)
	// the MCU actually runs 1% fast and booted 10s before the host clock
	for i := 0; i < 12; i++ {
		host := float64(i)
		c.AddSample(host, uint32((host+10)*1010))
	}
	assert.True(t, c.Ready())
	assert.InDelta(t, 30*1010, float64(c.HostTimeToClock(20)), 1)
	assert.InDelta(t, 20, c.ClockToHostTime(30*1010), 1e-6)
	assert.InDelta(t, 30*1.01, c.EstimatedPrintTime(20), 1e-6)
}

func TestClockSyncExtendsWrap(t *testing.T) {
	c := NewClockSync(1e6)
	first := c.AddSample(0, 0xFFFFFF00)
	assert.Equal(t, uint64(0xFFFFFF00), first)

	second := c.AddSample(0.001, 0x00000100)
	assert.Equal(t, uint64(0x100000100), second)
	assert.Equal(t, uint64(0x100000200), c.Clock32To64(0x200))
}
