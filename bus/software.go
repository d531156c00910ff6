package bus

import (
	"errors"
	"fmt"

	"ads1100host/core"
	"ads1100host/host/mcu"
	"ads1100host/pins"
)

const (
	// ShareSCL lets several software buses use one clock pin
	ShareSCL = "sw_scl"

	updateDigitalOutFormat = "update_digital_out oid=%c value=%c"
	queryDigitalInFormat   = "query_digital_in oid=%c"
	digitalInStateFormat   = "digital_in_state oid=%c value=%c"
)

// SoftwareConfig selects the lines of a software bus
type SoftwareConfig struct {
	Name    string
	SCLPin  string
	SDAPin  string
	Address uint8
}

// SoftwareBus is a two-wire master emulated by toggling two MCU digital
// outputs. The data line is read back with query_digital_in, which
// reports the level of an open-drain output pin. Stock gopper firmware
// only drives digital outputs, so reads need a build that registers
// query_digital_in and digital_in_state.
type SoftwareBus struct {
	name    string
	mcu     MCU
	addr    uint8
	line    *ClockLine
	owner   bool
	sdaOID  int
	sdaPin  string
	sdaRead Querier

	configured bool
}

// NewSoftwareBus claims the lines and queues their config commands. The
// first bus on a clock pin owns it; later ones share its queue.
func NewSoftwareBus(cfg SoftwareConfig, registry *pins.Registry, clocks *ClockRegistry) (*SoftwareBus, error) {
	scl, err := registry.LookupPin(cfg.SCLPin, ShareSCL)
	if err != nil {
		return nil, fmt.Errorf("%s scl_pin: %w", cfg.Name, err)
	}
	m, ok := scl.Chip.(MCU)
	if !ok {
		return nil, core.ConfigErrorf(cfg.Name, "scl_pin %s is not on an mcu", cfg.SCLPin)
	}
	sda, err := registry.LookupPin(cfg.SDAPin, "")
	if err != nil {
		return nil, fmt.Errorf("%s sda_pin: %w", cfg.Name, err)
	}
	if sda.Chip != scl.Chip {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrControllerMismatch)
	}
	if cfg.Address > 0x7F {
		return nil, core.ConfigErrorf(cfg.Name, "i2c_address 0x%x is not a 7 bit address", cfg.Address)
	}

	line, owner := clocks.Claim(m, scl.Pin)
	b := &SoftwareBus{
		name:   cfg.Name,
		mcu:    m,
		addr:   cfg.Address,
		line:   line,
		owner:  owner,
		sdaOID: m.CreateOID(),
		sdaPin: sda.Pin,
	}
	m.AddConfigCmd(fmt.Sprintf("config_digital_out oid=%d pin=%s value=%d default_value=%d max_duration=%d",
		b.sdaOID, b.sdaPin, 1, 1, 0))
	m.RegisterConfigCallback(b.Configure)
	return b, nil
}

// Configure runs once at MCU config build. The clock owner configures
// the clock line idle high and binds the shared update command.
func (b *SoftwareBus) Configure() error {
	if b.configured {
		return nil
	}
	if b.owner {
		b.mcu.AddConfigCmd(fmt.Sprintf("config_digital_out oid=%d pin=%s value=%d default_value=%d max_duration=%d",
			b.line.OID, b.line.Pin, 1, 1, 0))
		update, err := b.mcu.LookupCommand(updateDigitalOutFormat, b.line.Queue)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		b.line.update = update
	}
	read, err := b.mcu.LookupQueryCommand(queryDigitalInFormat, digitalInStateFormat, b.sdaOID, b.line.Queue)
	if errors.Is(err, mcu.ErrUnknownCommand) {
		return core.ConfigErrorf(b.name, "mcu %s cannot read sda_pin %s: firmware lacks query_digital_in (%v)",
			b.mcu.Name(), b.sdaPin, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	b.sdaRead = read
	b.configured = true
	return nil
}

// IsClockOwner reports whether this bus configured the clock line
func (b *SoftwareBus) IsClockOwner() bool {
	return b.owner
}

// ClockLine returns the shared clock line
func (b *SoftwareBus) ClockLine() *ClockLine {
	return b.line
}

func (b *SoftwareBus) Controller() Controller {
	return b.mcu
}

func (b *SoftwareBus) Address() uint8 {
	return b.addr
}

// Write sends start, the address byte with the write bit, payload, stop
func (b *SoftwareBus) Write(payload []byte, sched mcu.Schedule) error {
	w, err := b.wave(sched)
	if err != nil {
		return err
	}
	w.start()
	w.writeByte(b.addr << 1)
	for _, data := range payload {
		w.writeByte(data)
	}
	w.stop()
	return w.err
}

// Read sends start and the address byte with the read bit, then clocks in
// n bytes sampling the data line while the clock is high. Every byte but
// the last is acknowledged.
func (b *SoftwareBus) Read(n int, sched mcu.Schedule) (Response, error) {
	w, err := b.wave(sched)
	if err != nil {
		return Response{}, err
	}
	w.sda(1)
	w.start()
	w.writeByte(b.addr<<1 | 0x01)
	data := make([]byte, n)
	for i := range data {
		data[i] = w.readByte(i < n-1)
	}
	w.sda(1)
	w.stop()
	if w.err != nil {
		return Response{}, w.err
	}
	return Response{Data: data, ReceiveTime: w.receiveTime}, nil
}

func (b *SoftwareBus) wave(sched mcu.Schedule) (*wave, error) {
	if b.line.update == nil || b.sdaRead == nil {
		return nil, fmt.Errorf("%s: %w", b.name, ErrNotConfigured)
	}
	return &wave{bus: b, sched: sched}, nil
}

// wave emits the line transitions of one transaction. The first send
// error stops all further output.
type wave struct {
	bus         *SoftwareBus
	sched       mcu.Schedule
	sdaLast     uint8
	receiveTime float64
	err         error
}

func (w *wave) set(oid int, value uint8) {
	if w.err != nil {
		return
	}
	w.err = w.bus.line.update.Send(w.sched, oid, value)
}

func (w *wave) scl(value uint8) {
	w.set(w.bus.line.OID, value)
}

func (w *wave) sda(value uint8) {
	w.set(w.bus.sdaOID, value)
	w.sdaLast = value
}

// start: data falls while the clock is high, then the clock falls
func (w *wave) start() {
	w.sda(0)
	w.scl(0)
}

// stop: data low if needed, clock released, data released
func (w *wave) stop() {
	if w.sdaLast != 0 {
		w.sda(0)
	}
	w.scl(1)
	w.sda(1)
}

func (w *wave) pulse() {
	w.scl(1)
	w.scl(0)
}

// writeByte sends data MSB first, touching the data line only when the
// bit changes, then clocks the ack bit
func (w *wave) writeByte(data byte) {
	for i := 0; i < 8; i++ {
		bit := (data >> (7 - i)) & 1
		if bit != w.sdaLast {
			w.sda(bit)
		}
		w.pulse()
	}
	w.pulse()
}

func (w *wave) readByte(ack bool) byte {
	var data byte
	for i := 0; i < 8; i++ {
		w.scl(1)
		if w.sample() {
			data |= 0x80 >> i
		}
		w.scl(0)
	}
	if ack {
		w.sda(0)
		w.pulse()
		w.sda(1)
	} else {
		w.pulse()
	}
	return data
}

func (w *wave) sample() bool {
	if w.err != nil {
		return false
	}
	resp, err := w.bus.sdaRead.Send(w.sched, w.bus.sdaOID)
	if err != nil {
		w.err = err
		return false
	}
	w.receiveTime = resp.ReceiveTime
	return resp.Uint("value") != 0
}
