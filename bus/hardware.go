package bus

import (
	"fmt"

	"ads1100host/core"
	"ads1100host/host/mcu"
)

const (
	i2cWriteFormat        = "i2c_write oid=%c data=%*s"
	i2cReadFormat         = "i2c_read oid=%c reg=%*s read_len=%u"
	i2cReadResponseFormat = "i2c_read_response oid=%c response=%*s"
)

// HardwareConfig selects an MCU I2C controller
type HardwareConfig struct {
	Name    string
	Bus     string
	Address uint8
	Speed   uint32
}

// HardwareBus drives the MCU's own I2C controller
type HardwareBus struct {
	name  string
	mcu   MCU
	oid   int
	addr  uint8
	queue Queue
	write Sender
	read  Querier
}

// NewHardwareBus allocates an i2c object on m and queues its config
func NewHardwareBus(m MCU, cfg HardwareConfig) (*HardwareBus, error) {
	if cfg.Address > 0x7F {
		return nil, core.ConfigErrorf(cfg.Name, "i2c_address 0x%x is not a 7 bit address", cfg.Address)
	}
	if cfg.Speed == 0 {
		return nil, core.ConfigErrorf(cfg.Name, "i2c_speed must be positive")
	}
	busName := cfg.Bus
	if busName == "" {
		busName = "0"
	}

	b := &HardwareBus{
		name:  cfg.Name,
		mcu:   m,
		oid:   m.CreateOID(),
		addr:  cfg.Address,
		queue: m.AllocCommandQueue(),
	}
	m.AddConfigCmd(fmt.Sprintf("config_i2c oid=%d", b.oid))
	m.AddConfigCmd(fmt.Sprintf("i2c_set_bus oid=%d i2c_bus=%s rate=%d address=%d",
		b.oid, busName, cfg.Speed, cfg.Address))
	m.RegisterConfigCallback(b.configure)
	return b, nil
}

func (b *HardwareBus) configure() error {
	write, err := b.mcu.LookupCommand(i2cWriteFormat, b.queue)
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	read, err := b.mcu.LookupQueryCommand(i2cReadFormat, i2cReadResponseFormat, b.oid, b.queue)
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	b.write, b.read = write, read
	return nil
}

// OID returns the MCU object id of the i2c device
func (b *HardwareBus) OID() int {
	return b.oid
}

func (b *HardwareBus) Controller() Controller {
	return b.mcu
}

func (b *HardwareBus) Address() uint8 {
	return b.addr
}

func (b *HardwareBus) Write(payload []byte, sched mcu.Schedule) error {
	if b.write == nil {
		return fmt.Errorf("%s: %w", b.name, ErrNotConfigured)
	}
	return b.write.Send(sched, b.oid, payload)
}

func (b *HardwareBus) Read(n int, sched mcu.Schedule) (Response, error) {
	return b.ReadRegister(nil, n, sched)
}

// ReadRegister writes reg and reads n bytes in one transaction
func (b *HardwareBus) ReadRegister(reg []byte, n int, sched mcu.Schedule) (Response, error) {
	if b.read == nil {
		return Response{}, fmt.Errorf("%s: %w", b.name, ErrNotConfigured)
	}
	if reg == nil {
		reg = []byte{}
	}
	resp, err := b.read.Send(sched, b.oid, reg, n)
	if err != nil {
		return Response{}, err
	}
	return Response{Data: resp.Bytes("response"), ReceiveTime: resp.ReceiveTime}, nil
}
