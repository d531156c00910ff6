package bus

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ads1100host/core"
	"ads1100host/host/mcu"
)

func newSoftware(t *testing.T, f *fakeMCU, cfg SoftwareConfig) *SoftwareBus {
	t.Helper()
	b, err := NewSoftwareBus(cfg, newPins(t, f), NewClockRegistry())
	require.NoError(t, err)
	f.build(t)
	return b
}

func TestSoftwareBusConfig(t *testing.T) {
	f := newFakeMCU("mcu")
	b := newSoftware(t, f, SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "PA2", Address: 0x48})

	assert.True(t, b.IsClockOwner())
	assert.Equal(t, uint8(0x48), b.Address())
	assert.Equal(t, "mcu", b.Controller().Name())
	assert.Equal(t, []string{
		"config_digital_out oid=1 pin=PA2 value=1 default_value=1 max_duration=0",
		"config_digital_out oid=0 pin=PA1 value=1 default_value=1 max_duration=0",
	}, f.config)
}

func TestSoftwareBusWriteFraming(t *testing.T) {
	f := newFakeMCU("mcu")
	b := newSoftware(t, f, SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "PA2", Address: 0x50})

	sched := mcu.Schedule{MinClock: 10, ReqClock: 20}
	require.NoError(t, b.Write([]byte{0x03}, sched))

	want := strings.Join([]string{
		// start
		"D0 C0",
		// 0xA0: 1010 0000, then ack
		"D1 C1 C0 D0 C1 C0 D1 C1 C0 D0 C1 C0 C1 C0 C1 C0 C1 C0 C1 C0",
		"C1 C0",
		// 0x03: 0000 0011, then ack
		"C1 C0 C1 C0 C1 C0 C1 C0 C1 C0 C1 C0 D1 C1 C0 C1 C0",
		"C1 C0",
		// stop
		"D0 C1 D1",
	}, " ")
	got := f.waveform(0, 1)
	assert.Equal(t, want, got, pprint.Sdump(f.sent))

	assert.Equal(t, 2*9+1, strings.Count(got, "C1"))
	for _, s := range f.sent {
		assert.Equal(t, sched, s.sched)
		assert.Equal(t, b.ClockLine().Queue.ID(), s.queue)
	}
}

func TestSoftwareBusNoRedundantDataEdges(t *testing.T) {
	f := newFakeMCU("mcu")
	b := newSoftware(t, f, SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "PA2", Address: 0x7F})

	require.NoError(t, b.Write([]byte{0xFF, 0x00}, mcu.Schedule{}))
	// 0xFE rises once and falls for the write bit, 0xFF holds, 0x00 falls
	// once and the stop finds the line already low
	var data []string
	for _, tok := range strings.Fields(f.waveform(0, 1)) {
		if tok[0] == 'D' {
			data = append(data, tok)
		}
	}
	assert.Equal(t, []string{"D0", "D1", "D0", "D1", "D0", "D1"}, data, pprint.Sdump(f.sent))
}

func TestSoftwareBusRead(t *testing.T) {
	f := newFakeMCU("mcu")
	b := newSoftware(t, f, SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "PA2", Address: 0x48})

	// slave shifts out 0x12 0xF0 MSB first
	bits := []uint8{0, 0, 0, 1, 0, 0, 1, 0, 1, 1, 1, 1, 0, 0, 0, 0}
	f.sda = func() uint8 {
		v := bits[0]
		bits = bits[1:]
		return v
	}

	resp, err := b.Read(2, mcu.Schedule{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0xF0}, resp.Data)
	assert.Equal(t, f.now, resp.ReceiveTime)
	assert.Empty(t, bits)

	got := f.waveform(0, 1)
	sample := "C1 S C0"
	byteRead := strings.TrimSpace(strings.Repeat(sample+" ", 8))
	want := strings.Join([]string{
		// release, start, 0x91 = 1001 0001 then ack
		"D1 D0 C0",
		"D1 C1 C0 D0 C1 C0 C1 C0 D1 C1 C0 D0 C1 C0 C1 C0 C1 C0 D1 C1 C0",
		"C1 C0",
		// first byte, ack: data low pulse then release
		byteRead, "D0 C1 C0 D1",
		// last byte, nack
		byteRead, "C1 C0",
		// release and stop
		"D1 D0 C1 D1",
	}, " ")
	assert.Equal(t, want, got, pprint.Sdump(f.sent))
}

func TestSoftwareBusSharedClock(t *testing.T) {
	f := newFakeMCU("mcu")
	registry := newPins(t, f)
	clocks := NewClockRegistry()

	first, err := NewSoftwareBus(SoftwareConfig{Name: "a", SCLPin: "PA1", SDAPin: "PA2", Address: 0x48}, registry, clocks)
	require.NoError(t, err)
	second, err := NewSoftwareBus(SoftwareConfig{Name: "b", SCLPin: "PA1", SDAPin: "PA3", Address: 0x49}, registry, clocks)
	require.NoError(t, err)
	f.build(t)

	assert.True(t, first.IsClockOwner())
	assert.False(t, second.IsClockOwner())
	assert.Same(t, first.ClockLine(), second.ClockLine())
	assert.Equal(t, 1, clocks.Len())
	assert.Equal(t, 1, f.queues)

	sclConfigs := 0
	for _, c := range f.config {
		if strings.Contains(c, "pin=PA1") {
			sclConfigs++
		}
	}
	assert.Equal(t, 1, sclConfigs)

	require.NoError(t, first.Write([]byte{0x01}, mcu.Schedule{}))
	mark := len(f.sent)
	require.NoError(t, second.Write([]byte{0x02}, mcu.Schedule{}))
	for _, s := range f.sent {
		assert.Equal(t, first.ClockLine().Queue.ID(), s.queue)
	}

	// the second bus drives its own data line
	for _, s := range f.sent[mark:] {
		if s.args[0] != first.ClockLine().OID {
			assert.Equal(t, second.sdaOID, s.args[0])
		}
	}
}

func TestSoftwareBusControllerMismatch(t *testing.T) {
	a, b := newFakeMCU("mcu"), newFakeMCU("aux")
	registry := newPins(t, a, b)

	_, err := NewSoftwareBus(SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "aux:PB2"}, registry, NewClockRegistry())
	assert.ErrorIs(t, err, ErrControllerMismatch)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestSoftwareBusErrors(t *testing.T) {
	f := newFakeMCU("mcu")
	registry := newPins(t, f)

	_, err := NewSoftwareBus(SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "PA2", Address: 0x80}, registry, NewClockRegistry())
	assert.ErrorIs(t, err, core.ErrConfig)

	b, err := NewSoftwareBus(SoftwareConfig{Name: "adc2", SCLPin: "PA5", SDAPin: "PA6", Address: 0x48}, registry, NewClockRegistry())
	require.NoError(t, err)
	assert.ErrorIs(t, b.Write([]byte{1}, mcu.Schedule{}), ErrNotConfigured)

	f.build(t)
	boom := errors.New("link down")
	f.sendErr = boom
	assert.ErrorIs(t, b.Write([]byte{1}, mcu.Schedule{}), boom)
	_, err = b.Read(2, mcu.Schedule{})
	assert.ErrorIs(t, err, boom)
}

func TestSoftwareBusFirmwareWithoutDigitalIn(t *testing.T) {
	f := newFakeMCU("mcu")
	f.missing = []string{"query_digital_in"}
	b, err := NewSoftwareBus(SoftwareConfig{Name: "adc", SCLPin: "PA1", SDAPin: "PA2", Address: 0x48},
		newPins(t, f), NewClockRegistry())
	require.NoError(t, err)

	err = b.Configure()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
	assert.Contains(t, err.Error(), "query_digital_in")
	assert.Contains(t, err.Error(), "PA2")

	_, err = b.Read(1, mcu.Schedule{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
