package bus

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"

	"ads1100host/core"
	"ads1100host/host/mcu"
)

// hostController is the host itself; its time base is host time
type hostController struct {
	name string
}

func (c hostController) Name() string {
	return c.name
}

func (c hostController) EstimatedPrintTime(eventtime float64) float64 {
	return eventtime
}

// PeriphBus is an I2C bus attached to the host, e.g. /dev/i2c-1
type PeriphBus struct {
	name  string
	dev   *i2c.Dev
	addr  uint8
	clock func() float64
}

// NewPeriphBus addresses addr on b. clock stamps read completions and
// should be the reactor clock.
func NewPeriphBus(name string, b i2c.Bus, addr uint8, clock func() float64) (*PeriphBus, error) {
	if addr > 0x7F {
		return nil, core.ConfigErrorf(name, "i2c_address 0x%x is not a 7 bit address", addr)
	}
	return &PeriphBus{
		name:  name,
		dev:   &i2c.Dev{Bus: b, Addr: uint16(addr)},
		addr:  addr,
		clock: clock,
	}, nil
}

func (b *PeriphBus) Controller() Controller {
	return hostController{name: "host"}
}

func (b *PeriphBus) Address() uint8 {
	return b.addr
}

// Write ignores sched; the host bus runs transactions immediately
func (b *PeriphBus) Write(payload []byte, _ mcu.Schedule) error {
	if err := b.dev.Tx(payload, nil); err != nil {
		return fmt.Errorf("%s: write: %w", b.name, err)
	}
	return nil
}

func (b *PeriphBus) Read(n int, _ mcu.Schedule) (Response, error) {
	data := make([]byte, n)
	if err := b.dev.Tx(nil, data); err != nil {
		return Response{}, fmt.Errorf("%s: read: %w", b.name, err)
	}
	return Response{Data: data, ReceiveTime: b.clock()}, nil
}
