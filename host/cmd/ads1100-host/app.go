package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	periphhost "periph.io/x/host/v3"

	"ads1100host/ads1100"
	"ads1100host/bus"
	"ads1100host/core"
	"ads1100host/host/mcu"
	"ads1100host/pins"
	"ads1100host/sink"
)

const mqttConnectTimeout = 10 * time.Second

// app is the wired process: one reactor, at most one MCU, the chips and
// their sinks
type app struct {
	cfg    appConfig
	logger *slog.Logger

	reactor *core.Reactor
	host    *core.Host
	pins    *pins.Registry
	clocks  *bus.ClockRegistry
	console *core.CommandRegistry
	adcs    *ads1100.QueryRegistry

	mcu     *mcu.MCU
	engines []*ads1100.ADS1100

	periphOnce sync.Once
	periphErr  error
	hostBuses  []i2c.BusCloser

	mqtt    *sink.MQTTPublisher
	history *sink.History
}

// connectFunc attaches m to its transport
type connectFunc func(m *mcu.MCU) error

func serialConnect(cfg appConfig) connectFunc {
	return func(m *mcu.MCU) error {
		return m.ConnectWithConfig(&cfg.Serial)
	}
}

// newApp builds every component. Nothing is armed until start.
func newApp(cfg appConfig, logger *slog.Logger, connect connectFunc, opts ...core.ReactorOption) (a *app, err error) {
	reactor := core.NewReactor(append([]core.ReactorOption{core.WithReactorLogger(logger)}, opts...)...)
	a = &app{
		cfg:     cfg,
		logger:  logger,
		reactor: reactor,
		host:    core.NewHost(reactor, logger),
		pins:    pins.NewRegistry(),
		clocks:  bus.NewClockRegistry(),
		console: core.NewCommandRegistry(),
		adcs:    ads1100.NewQueryRegistry(),
	}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if len(cfg.Chips) == 0 {
		return a, core.ConfigErrorf("chips", "no chips configured")
	}
	if err := a.adcs.RegisterCommand(a.console); err != nil {
		return a, err
	}

	if cfg.needsMCU() {
		if err := a.connectMCU(connect); err != nil {
			return a, err
		}
	}

	if cfg.MQTT.Broker != "" {
		a.mqtt = sink.NewMQTTPublisher(cfg.MQTT, logger)
	}
	if cfg.HistoryPath != "" {
		if a.history, err = sink.OpenHistory(cfg.HistoryPath, logger); err != nil {
			return a, err
		}
		if err := a.console.Register("ADC_HISTORY", a.cmdHistory, "Report recent readings of a chip"); err != nil {
			return a, err
		}
	}

	for _, chip := range cfg.Chips {
		if err := a.addChip(chip); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (a *app) connectMCU(connect connectFunc) error {
	m := mcu.NewMCU(
		mcu.WithLogger(a.logger),
		mcu.WithName(pins.DefaultChip),
		mcu.WithMonotonic(a.reactor.Monotonic),
	)
	if err := connect(m); err != nil {
		return fmt.Errorf("connect mcu: %w", err)
	}
	a.mcu = m
	if err := m.RetrieveDictionary(); err != nil {
		return err
	}
	if err := a.pins.RegisterChip(pins.DefaultChip, bus.FromMCU(m)); err != nil {
		return err
	}

	// runs on the transport reader; InvokeShutdown only queues work
	m.RegisterResponse("shutdown", -1, func(*mcu.Response) {
		a.host.InvokeShutdown("MCU shutdown")
	})
	a.host.RegisterShutdownHandler(func(reason string) {
		if err := m.EmergencyStop(); err != nil {
			a.logger.Error("emergency stop", "error", err)
		}
	})
	return nil
}

func (a *app) openHostBus(name string) (i2c.Bus, error) {
	a.periphOnce.Do(func() {
		_, a.periphErr = periphhost.Init()
	})
	if a.periphErr != nil {
		return nil, fmt.Errorf("periph init: %w", a.periphErr)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, err
	}
	a.hostBuses = append(a.hostBuses, b)
	return b, nil
}

func (a *app) addChip(chip chipConfig) error {
	b, err := bus.NewFromConfig(chip.Bus, bus.Deps{
		Pins:        a.pins,
		Clocks:      a.clocks,
		OpenHostBus: a.openHostBus,
		Monotonic:   a.reactor.Monotonic,
	})
	if err != nil {
		return err
	}
	e, err := ads1100.New(chip.ADC, b, ads1100.Deps{
		Timers:   a.reactor,
		Shutdown: a.host,
		Events:   ads1100.LogEvents(a.logger),
	})
	if err != nil {
		return err
	}

	name := chip.ADC.Name
	fns := []sink.ReadingFunc{func(readTime, value float64) {
		a.logger.Info("reading", "chip", name, "read_time", readTime, "value", value)
	}}
	if a.mqtt != nil {
		fns = append(fns, a.mqtt.Callback(name))
	}
	if a.history != nil {
		fns = append(fns, a.history.Callback(name))
	}
	e.SetupCallback(chip.ADC.ReportTime, ads1100.ReadingCallback(sink.Fanout(fns...)))
	if err := e.RegisterCommands(a.console); err != nil {
		return err
	}
	if err := a.adcs.RegisterADC(name, e); err != nil {
		return err
	}
	// pins of "<name>:" resolve to the engine
	if err := a.pins.RegisterChip(name, e); err != nil {
		return err
	}

	if a.mcu != nil && chip.Bus.Mode != bus.ModeHost {
		a.mcu.RegisterConfigCallback(e.Configure)
	} else if err := e.Configure(); err != nil {
		return err
	}
	a.engines = append(a.engines, e)
	return nil
}

// start configures the MCU, connects the sinks and arms the engines
func (a *app) start(ctx context.Context) error {
	if a.mqtt != nil {
		cctx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err := a.mqtt.Connect(cctx)
		cancel()
		if err != nil {
			// the client keeps retrying in the background
			a.logger.Warn("mqtt not connected yet", "broker", a.cfg.MQTT.Broker, "error", err)
		}
	}

	if a.mcu != nil {
		if err := a.mcu.BuildConfig(); err != nil {
			return err
		}
		if err := a.mcu.SyncClock(); err != nil {
			return err
		}
		if a.cfg.ClockSyncInterval > 0 {
			interval := a.cfg.ClockSyncInterval.Seconds()
			a.reactor.RegisterTimer(func(eventtime float64) float64 {
				if err := a.mcu.SyncClock(); err != nil {
					a.logger.Warn("clock sync", "error", err)
				}
				return eventtime + interval
			}, a.reactor.Monotonic()+interval)
		}
	}

	for _, e := range a.engines {
		if err := e.Arm(); err != nil {
			return err
		}
		a.logger.Info("chip armed", "chip", e.Name(), "rate", e.Rate(), "sample_time", e.SampleTime())
	}
	return nil
}

// runConsole feeds lines from in to the command registry on the reactor
// until in ends or ctx is done
func (a *app) runConsole(ctx context.Context, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done := make(chan struct{})
		a.reactor.RegisterCallback(func(float64) {
			defer close(done)
			a.execute(line, out)
		})
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) execute(line string, out io.Writer) {
	lines, err := a.console.Dispatch(line)
	for _, l := range lines {
		fmt.Fprintf(out, "// %s\n", l)
	}
	if err != nil {
		fmt.Fprintf(out, "!! %v\n", err)
	}
}

func (a *app) cmdHistory(cmd *core.ConsoleCommand) error {
	chip := cmd.Get("CHIP", "")
	if chip == "" {
		return fmt.Errorf("%s: CHIP is required", cmd.Name)
	}
	count, err := strconv.Atoi(cmd.Get("COUNT", "10"))
	if err != nil || count <= 0 {
		return fmt.Errorf("%s: bad COUNT %q", cmd.Name, cmd.Get("COUNT", ""))
	}
	readings, err := a.history.Latest(chip, count)
	if err != nil {
		return err
	}
	for _, r := range readings {
		cmd.RespondInfo("%s %.3f %.6f", r.RecordedAt.Format(time.RFC3339), r.ReadTime, r.Value)
	}
	return nil
}

func (a *app) close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Error("close history", "error", err)
		}
	}
	if a.mcu != nil {
		a.mcu.Close()
	}
	for _, b := range a.hostBuses {
		b.Close()
	}
}
