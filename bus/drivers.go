package bus

import (
	"fmt"

	"tinygo.org/x/drivers"

	"ads1100host/host/mcu"
)

// DriverI2C lets tinygo.org/x/drivers chip drivers run over a Bus. Only
// the bus's own slave address can be reached.
type DriverI2C struct {
	bus   Bus
	sched mcu.Schedule
}

var _ drivers.I2C = (*DriverI2C)(nil)

// NewDriverI2C wraps b
func NewDriverI2C(b Bus) *DriverI2C {
	return &DriverI2C{bus: b}
}

// Tx writes w then reads len(r) bytes
func (d *DriverI2C) Tx(addr uint16, w, r []byte) error {
	if addr != uint16(d.bus.Address()) {
		return fmt.Errorf("bus is bound to address 0x%02x, not 0x%02x", d.bus.Address(), addr)
	}
	if len(w) > 0 {
		if err := d.bus.Write(w, d.sched); err != nil {
			return err
		}
	}
	if len(r) == 0 {
		return nil
	}
	resp, err := d.bus.Read(len(r), d.sched)
	if err != nil {
		return err
	}
	if len(resp.Data) < len(r) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortResponse, len(resp.Data), len(r))
	}
	copy(r, resp.Data)
	return nil
}

// ReadRegister reads len(buf) bytes starting at register reg
func (d *DriverI2C) ReadRegister(addr uint8, reg uint8, buf []byte) error {
	return d.Tx(uint16(addr), []byte{reg}, buf)
}

// WriteRegister writes buf to register reg
func (d *DriverI2C) WriteRegister(addr uint8, reg uint8, buf []byte) error {
	return d.Tx(uint16(addr), append([]byte{reg}, buf...), nil)
}
