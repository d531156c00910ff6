package bus

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"

	"ads1100host/core"
	"ads1100host/pins"
)

// Bus modes
const (
	ModeMCU      = "mcu"
	ModeSoftware = "software"
	ModeHost     = "host"
)

// I2CConfig is the bus section of a chip config
type I2CConfig struct {
	Name string
	// Mode picks the implementation. Empty selects software when both
	// lines are given and the MCU controller otherwise.
	Mode    string
	MCU     string
	SCLPin  string
	SDAPin  string
	Bus     string
	Address uint8
	Speed   uint32
}

// WithDefaults fills the slave address and speed a chip driver expects
func (c I2CConfig) WithDefaults(addr uint8, speed uint32) I2CConfig {
	if c.Address == 0 {
		c.Address = addr
	}
	if c.Speed == 0 {
		c.Speed = speed
	}
	if c.MCU == "" {
		c.MCU = pins.DefaultChip
	}
	return c
}

// Deps are the shared services buses are built from
type Deps struct {
	Pins   *pins.Registry
	Clocks *ClockRegistry
	// OpenHostBus opens a host I2C bus by name; needed for ModeHost
	OpenHostBus func(name string) (i2c.Bus, error)
	// Monotonic stamps host bus reads
	Monotonic func() float64
}

// NewFromConfig builds the bus described by cfg
func NewFromConfig(cfg I2CConfig, deps Deps) (Bus, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeMCU
		if cfg.SCLPin != "" && cfg.SDAPin != "" {
			mode = ModeSoftware
		}
	}

	switch mode {
	case ModeSoftware:
		if cfg.SCLPin == "" || cfg.SDAPin == "" {
			return nil, core.ConfigErrorf(cfg.Name, "software bus needs scl_pin and sda_pin")
		}
		b, err := NewSoftwareBus(SoftwareConfig{
			Name:    cfg.Name,
			SCLPin:  cfg.SCLPin,
			SDAPin:  cfg.SDAPin,
			Address: cfg.Address,
		}, deps.Pins, deps.Clocks)
		if err != nil {
			return nil, err
		}
		return b, nil

	case ModeMCU:
		chip, ok := deps.Pins.Chip(cfg.MCU)
		if !ok {
			return nil, core.ConfigErrorf(cfg.Name, "unknown mcu %q", cfg.MCU)
		}
		m, ok := chip.(MCU)
		if !ok {
			return nil, core.ConfigErrorf(cfg.Name, "%q has no i2c controller", cfg.MCU)
		}
		b, err := NewHardwareBus(m, HardwareConfig{
			Name:    cfg.Name,
			Bus:     cfg.Bus,
			Address: cfg.Address,
			Speed:   cfg.Speed,
		})
		if err != nil {
			return nil, err
		}
		return b, nil

	case ModeHost:
		if deps.OpenHostBus == nil {
			return nil, core.ConfigErrorf(cfg.Name, "host i2c is not available")
		}
		hostBus, err := deps.OpenHostBus(cfg.Bus)
		if err != nil {
			return nil, fmt.Errorf("%s: open host i2c %q: %w", cfg.Name, cfg.Bus, err)
		}
		b, err := NewPeriphBus(cfg.Name, hostBus, cfg.Address, deps.Monotonic)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, core.ConfigErrorf(cfg.Name, "unknown bus mode %q", cfg.Mode)
}
