package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ads1100host/ads1100"
	"ads1100host/bus"
	"ads1100host/core"
	"ads1100host/host/mcu"
	"ads1100host/host/mcu/mcutest"
)

type testApp struct {
	*app
	fw  *mcutest.Firmware
	now float64
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, chips ...chipConfig) *testApp {
	t.Helper()
	ta := &testApp{fw: mcutest.New()}
	t.Cleanup(func() { ta.fw.Close() })

	cfg := appConfig{Env: "prod", LogLevel: slog.LevelInfo, Chips: chips, HistoryPath: ":memory:"}
	logger := discardLogger()
	connect := func(m *mcu.MCU) error {
		m.ConnectPort(ta.fw.Attach())
		return nil
	}
	a, err := newApp(cfg, logger, connect, core.WithClock(func() float64 { return ta.now }))
	require.NoError(t, err)
	t.Cleanup(a.close)
	ta.app = a
	return ta
}

func (ta *testApp) dispatch(n int) {
	for i := 0; i < n; i++ {
		next := ta.reactor.Dispatch(ta.now)
		if next > ta.now && next != core.Never {
			ta.now = next
		}
	}
}

func (ta *testApp) exec(line string) string {
	var out bytes.Buffer
	ta.execute(line, &out)
	return out.String()
}

func softwareChip(name string) chipConfig {
	adc := ads1100.DefaultConfig(name)
	adc.SampleCount = 2
	adc.ReportTime = 0
	adc.MaxReadRetries = 3
	return chipConfig{
		ADC: adc,
		Bus: ads1100.BusConfig(bus.I2CConfig{Name: name, SCLPin: "PA1", SDAPin: "PA2"}),
	}
}

func TestAppSamplesOverSoftwareBus(t *testing.T) {
	ta := newTestApp(t, softwareChip("chamber"))
	require.NoError(t, ta.start(testContext(t)))

	configured, _ := ta.fw.Configured()
	assert.True(t, configured)
	assert.Len(t, ta.engines, 1)
	assert.Equal(t, ads1100.StateArmed, ta.engines[0].State())

	// a slave holding the data line low shifts out zeros
	ta.fw.DigitalIn = func(oid uint8, out mcutest.DigitalOut) uint8 { return 0 }
	ta.dispatch(2)
	assert.Equal(t, ads1100.StateSampling, ta.engines[0].State())

	out := ta.exec("TEST_ADC CHIP=chamber")
	assert.Contains(t, out, "// ads1100 chamber: value=0.000000")

	ta.history.Flush()
	readings, err := ta.history.Latest("chamber", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, readings)

	assert.Contains(t, ta.exec("QUERY_ADC NAME=chamber"), `// ADC object "chamber" has value 0.000000`)
	assert.Contains(t, ta.exec("QUERY_ADC"), `// Available ADC objects: "chamber"`)
	chip, ok := ta.pins.Chip("chamber")
	require.True(t, ok)
	assert.Same(t, ta.engines[0], chip)

	assert.Contains(t, ta.exec("HELP"), "TEST_ADC")
	assert.Contains(t, ta.exec("NOPE"), "!! unknown command")
}

func TestAppMCUShutdown(t *testing.T) {
	ta := newTestApp(t, softwareChip("chamber"))
	require.NoError(t, ta.start(testContext(t)))

	require.NoError(t, ta.fw.Send("shutdown", uint32(0), uint16(0)))
	require.Eventually(t, ta.host.IsShutdown, time.Second, 5*time.Millisecond)
	assert.Equal(t, "MCU shutdown", ta.host.ShutdownReason())

	ta.reactor.Dispatch(ta.now)
	assert.Eventually(t, ta.fw.IsShutdown, time.Second, 5*time.Millisecond, "emergency_stop reached the MCU")
}

func TestAppRejectsSharedPinMisuse(t *testing.T) {
	fw := mcutest.New()
	defer fw.Close()
	chip := softwareChip("a")
	other := softwareChip("b")
	other.Bus.SCLPin = "PA2"
	cfg := appConfig{Chips: []chipConfig{chip, other}}

	_, err := newApp(cfg, discardLogger(), func(m *mcu.MCU) error {
		m.ConnectPort(fw.Attach())
		return nil
	})
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestAppRejectsChipNamedLikeMCU(t *testing.T) {
	ta := &testApp{fw: mcutest.New()}
	defer ta.fw.Close()
	cfg := appConfig{Chips: []chipConfig{softwareChip("mcu")}}

	_, err := newApp(cfg, discardLogger(), func(m *mcu.MCU) error {
		m.ConnectPort(ta.fw.Attach())
		return nil
	})
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestAppNoChips(t *testing.T) {
	_, err := newApp(appConfig{}, discardLogger(), nil)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestRunConsole(t *testing.T) {
	ta := newTestApp(t, softwareChip("chamber"))
	require.NoError(t, ta.start(testContext(t)))

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	go func() {
		_ = ta.reactor.Run(ctx)
	}()

	var out bytes.Buffer
	ta.runConsole(ctx, strings.NewReader("help\n\nTEST_ADC CHIP=chamber\n"), &out)
	assert.Contains(t, out.String(), "TEST_ADC")
	assert.Contains(t, out.String(), "ads1100 chamber:")
}
