package ads1100

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tinygo.org/x/drivers"

	"ads1100host/bus"
	"ads1100host/core"
	"ads1100host/host/mcu"
)

// ShutdownReason is passed to the shutdown hook when readings stay out of range
const ShutdownReason = "ADC out of range"

// ReadFailedReason is passed to the shutdown hook when MaxReadRetries is exhausted
const ReadFailedReason = "ADC read failed"

var (
	ErrArmed      = errors.New("ads1100: acquisition already armed")
	ErrNotReady   = errors.New("ads1100: configure before arming")
	ErrBadSetting = fmt.Errorf("%w: invalid acquisition setting", core.ErrConfig)
)

// State is the acquisition lifecycle stage
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateArmed
	StateSampling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateArmed:
		return "armed"
	case StateSampling:
		return "sampling"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the per chip settings
type Config struct {
	Name string
	Gain int

	SampleTime      float64
	SampleCount     int
	MinValue        float64
	MaxValue        float64
	RangeCheckCount int
	ReportTime      float64

	// MaxReadRetries bounds the retries of a short conversion read before
	// the host is shut down. 0 retries forever.
	MaxReadRetries int
}

// DefaultConfig returns the settings used when a chip section omits them
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Gain:        1,
		SampleTime:  0.03,
		SampleCount: 15,
		MinValue:    -1,
		MaxValue:    1,
		ReportTime:  0.5,
	}
}

// BusConfig fills the chip's address and bus speed defaults into cfg
func BusConfig(cfg bus.I2CConfig) bus.I2CConfig {
	return cfg.WithDefaults(DefaultAddress, DefaultSpeed)
}

// Timers is the reactor surface the engine schedules on
type Timers interface {
	RegisterTimer(handler core.TimerCallback, waketime float64) *core.Timer
}

// Shutdowner latches the process into shutdown
type Shutdowner interface {
	InvokeShutdown(reason string)
}

// Deps are the services an engine runs on
type Deps struct {
	Timers   Timers
	Shutdown Shutdowner
	// Events is optional
	Events EventSink
}

// ReadingCallback receives averaged readings. readTime is in the bus
// controller's time base.
type ReadingCallback func(readTime, value float64)

// ADS1100 is one acquisition engine. It is not safe for concurrent use;
// everything runs on the reactor goroutine.
type ADS1100 struct {
	name     string
	bus      bus.Bus
	dev      drivers.I2C
	timers   Timers
	shutdown Shutdowner
	events   EventSink

	gain     int
	gainCode uint8

	sampleTime      float64
	sampleCount     int
	minValue        float64
	maxValue        float64
	rangeCheckCount int
	maxReadRetries  int

	reportTime       float64
	callback         ReadingCallback
	lastCallbackTime float64

	rate    int
	norm    float64
	enabled bool
	state   State
	timer   *core.Timer

	partialSum   float64
	samplesTaken int
	errorCount   int

	lastValue float64
	lastTime  float64
}

// New creates an engine reading through b
func New(cfg Config, b bus.Bus, deps Deps) (*ADS1100, error) {
	component := "ads1100 " + cfg.Name
	gainCode, err := GainCode(cfg.Gain)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", component, err)
	}
	if cfg.MaxReadRetries < 0 {
		return nil, core.ConfigErrorf(component, "max_read_retries must not be negative")
	}
	if deps.Timers == nil || deps.Shutdown == nil {
		return nil, core.ConfigErrorf(component, "missing reactor or shutdown hook")
	}
	e := &ADS1100{
		name:           cfg.Name,
		bus:            b,
		dev:            bus.NewDriverI2C(b),
		timers:         deps.Timers,
		shutdown:       deps.Shutdown,
		events:         deps.Events,
		gain:           cfg.Gain,
		gainCode:       gainCode,
		maxReadRetries: cfg.MaxReadRetries,
	}
	if err := e.SetupMinMax(cfg.SampleTime, cfg.SampleCount, cfg.MinValue, cfg.MaxValue, cfg.RangeCheckCount); err != nil {
		return nil, fmt.Errorf("%s: %w", component, err)
	}
	e.reportTime = cfg.ReportTime
	return e, nil
}

// Name returns the chip name
func (e *ADS1100) Name() string {
	return e.name
}

// State returns the lifecycle stage
func (e *ADS1100) State() State {
	return e.state
}

// Rate returns the conversion rate chosen by Configure
func (e *ADS1100) Rate() int {
	return e.rate
}

// SampleTime returns the tick period; after Configure it is 1/Rate
func (e *ADS1100) SampleTime() float64 {
	return e.sampleTime
}

// ErrorCount returns the current run of out-of-range readings
func (e *ADS1100) ErrorCount() int {
	return e.errorCount
}

// SetupMinMax sets the acquisition window. sampleCount 0 disables
// acquisition and rangeCheckCount 0 disables range supervision.
func (e *ADS1100) SetupMinMax(sampleTime float64, sampleCount int, minValue, maxValue float64, rangeCheckCount int) error {
	if e.state != StateIdle {
		return ErrArmed
	}
	if sampleCount < 0 || rangeCheckCount < 0 {
		return fmt.Errorf("%w: negative count", ErrBadSetting)
	}
	if sampleCount > 0 && !(sampleTime > 0) {
		return fmt.Errorf("%w: sample_time %v", ErrBadSetting, sampleTime)
	}
	if minValue > maxValue {
		return fmt.Errorf("%w: min_value %v above max_value %v", ErrBadSetting, minValue, maxValue)
	}
	e.sampleTime = sampleTime
	e.sampleCount = sampleCount
	e.minValue = minValue
	e.maxValue = maxValue
	e.rangeCheckCount = rangeCheckCount
	return nil
}

// SetupCallback registers cb to receive readings at most once per
// reportTime seconds. A nil cb stops reporting.
func (e *ADS1100) SetupCallback(reportTime float64, cb ReadingCallback) {
	e.reportTime = reportTime
	e.callback = cb
}

// GetLastValue returns the last averaged reading and the receive time of
// its final conversion
func (e *ADS1100) GetLastValue() (value, timestamp float64) {
	return e.lastValue, e.lastTime
}

// Configure selects the conversion rate. It runs once, while the
// controller configuration is being built.
func (e *ADS1100) Configure() error {
	if e.state != StateIdle {
		return ErrArmed
	}
	e.state = StateConfiguring
	if e.sampleCount == 0 {
		return nil
	}
	e.enabled = true
	e.rate, e.sampleTime, e.norm = SelectRate(e.sampleTime)
	return nil
}

// Arm writes the config register and starts the sample timer. Call it
// once the controller is ready.
func (e *ADS1100) Arm() error {
	if e.state != StateConfiguring {
		if e.state == StateIdle {
			return ErrNotReady
		}
		return ErrArmed
	}
	if !e.enabled {
		e.state = StateArmed
		return nil
	}
	reg, err := EncodeConfigRegister(e.rate, e.gain)
	if err != nil {
		return err
	}
	// the ADS1100 has a single writable register and takes no pointer byte
	if err := e.dev.Tx(uint16(e.bus.Address()), []byte{reg}, nil); err != nil {
		return fmt.Errorf("ads1100 %s: write config: %w", e.name, err)
	}
	e.state = StateArmed
	e.timer = e.timers.RegisterTimer(e.handleTimer, core.Now)
	return nil
}

func (e *ADS1100) emit(ev Event) {
	if e.events == nil {
		return
	}
	ev.Chip = e.name
	e.events.HandleEvent(ev)
}

// readConversion reads the 2 byte conversion result, retrying short
// reads. ok is false when MaxReadRetries ran out.
func (e *ADS1100) readConversion(eventtime float64) (bus.Response, bool) {
	for attempt := 1; ; attempt++ {
		resp, err := e.bus.Read(2, mcu.Schedule{})
		if err == nil && len(resp.Data) >= 2 {
			return resp, true
		}
		if err == nil {
			err = fmt.Errorf("%w: %d bytes", bus.ErrShortResponse, len(resp.Data))
		}
		e.emit(Event{Kind: EventRetry, Time: eventtime, Attempt: attempt, Err: err})
		if e.maxReadRetries > 0 && attempt >= e.maxReadRetries {
			return bus.Response{}, false
		}
	}
}

func (e *ADS1100) handleTimer(eventtime float64) float64 {
	e.state = StateSampling
	e.emit(Event{Kind: EventTick, Time: eventtime})

	resp, ok := e.readConversion(eventtime)
	if !ok {
		e.emit(Event{Kind: EventShutdown, Time: eventtime, Reason: ReadFailedReason})
		e.shutdown.InvokeShutdown(ReadFailedReason)
		return eventtime + e.sampleTime
	}
	raw := int16(binary.BigEndian.Uint16(resp.Data[:2]))
	e.emit(Event{Kind: EventSample, Time: eventtime, Raw: raw})
	e.partialSum += float64(raw)
	e.samplesTaken++
	if e.samplesTaken < e.sampleCount {
		return eventtime + e.sampleTime
	}

	e.lastValue = e.partialSum / float64(e.sampleCount) / e.norm
	e.lastTime = resp.ReceiveTime
	e.partialSum = 0
	e.samplesTaken = 0

	if e.lastValue < e.minValue || e.lastValue > e.maxValue {
		e.errorCount++
		e.emit(Event{Kind: EventRangeViolation, Time: eventtime, Value: e.lastValue, ErrorCount: e.errorCount})
		if e.rangeCheckCount > 0 && e.errorCount >= e.rangeCheckCount {
			e.emit(Event{Kind: EventShutdown, Time: eventtime, Reason: ShutdownReason})
			e.shutdown.InvokeShutdown(ShutdownReason)
		}
	} else {
		e.errorCount = 0
	}

	if e.callback != nil && eventtime >= e.lastCallbackTime+e.reportTime {
		e.lastCallbackTime = eventtime
		readTime := e.bus.Controller().EstimatedPrintTime(e.lastTime)
		e.emit(Event{Kind: EventReport, Time: eventtime, Value: e.lastValue})
		e.callback(readTime, e.lastValue)
	}

	return eventtime + e.sampleTime
}
