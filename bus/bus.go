// Package bus provides two-wire (I2C) bus masters for chip drivers: a
// software master built from scheduled MCU line updates, the MCU's native
// I2C controller, and host-attached I2C through periph.io.
package bus

import (
	"errors"
	"fmt"

	"ads1100host/core"
	"ads1100host/host/mcu"
)

var (
	ErrNotConfigured      = errors.New("bus not configured")
	ErrShortResponse      = errors.New("short bus response")
	ErrControllerMismatch = fmt.Errorf("%w: scl_pin and sda_pin must be on same mcu", core.ErrConfig)
)

// Response is the result of a bus read
type Response struct {
	Data        []byte
	ReceiveTime float64
}

// Controller is the device a bus is driven from
type Controller interface {
	Name() string
	// EstimatedPrintTime converts a host time to the controller time base
	EstimatedPrintTime(eventtime float64) float64
}

// Bus is a two-wire master talking to one slave address. Reads and writes
// block until the controller has accepted them; Read also waits for the
// data to come back.
type Bus interface {
	Controller() Controller
	// Address returns the 7 bit slave address
	Address() uint8
	Write(payload []byte, sched mcu.Schedule) error
	Read(n int, sched mcu.Schedule) (Response, error)
}

// Queue is an MCU command queue
type Queue interface {
	ID() int
}

// Sender sends a dictionary command
type Sender interface {
	Send(sched mcu.Schedule, args ...any) error
}

// Querier sends a dictionary command and waits for its response
type Querier interface {
	Send(sched mcu.Schedule, args ...any) (*mcu.Response, error)
}

// MCU is the controller surface MCU-backed buses are built on
type MCU interface {
	Controller
	CreateOID() int
	AllocCommandQueue() Queue
	AddConfigCmd(cmd string)
	RegisterConfigCallback(cb func() error)
	LookupCommand(format string, q Queue) (Sender, error)
	LookupQueryCommand(format, respFormat string, oid int, q Queue) (Querier, error)
}

type mcuAdapter struct {
	*mcu.MCU
}

// FromMCU exposes a connected MCU to the buses
func FromMCU(m *mcu.MCU) MCU {
	return mcuAdapter{m}
}

func (a mcuAdapter) AllocCommandQueue() Queue {
	return a.MCU.AllocCommandQueue()
}

func (a mcuAdapter) LookupCommand(format string, q Queue) (Sender, error) {
	cq, _ := q.(*mcu.CommandQueue)
	cmd, err := a.MCU.LookupCommand(format, cq)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func (a mcuAdapter) LookupQueryCommand(format, respFormat string, oid int, q Queue) (Querier, error) {
	cq, _ := q.(*mcu.CommandQueue)
	cmd, err := a.MCU.LookupQueryCommand(format, respFormat, oid, cq)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
