package mcu

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"ads1100host/protocol"
)

// CreateOID reserves the next object id
func (m *MCU) CreateOID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid := m.oidCount
	m.oidCount++
	return oid
}

// AllocCommandQueue creates a new command queue
func (m *MCU) AllocCommandQueue() *CommandQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &CommandQueue{id: len(m.queues), mcu: m}
	m.queues = append(m.queues, q)
	return q
}

func (m *MCU) queueOrDefault(q *CommandQueue) *CommandQueue {
	if q != nil {
		return q
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[0]
}

// AddConfigCmd adds a text config command such as
// "config_digital_out oid=3 pin=PA4 value=1 default_value=1 max_duration=0".
// Pin names are translated through the dictionary enumerations.
func (m *MCU) AddConfigCmd(cmd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configCmds = append(m.configCmds, cmd)
}

// RegisterConfigCallback runs cb at the start of the first BuildConfig,
// before the config commands are collected.
func (m *MCU) RegisterConfigCallback(cb func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configCallbacks = append(m.configCallbacks, cb)
}

// IsConfigured reports whether BuildConfig completed
func (m *MCU) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

// ConfigCommands returns the config commands in send order, starting
// with allocate_oids. Valid once BuildConfig has run its callbacks.
func (m *MCU) ConfigCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := make([]string, 0, len(m.configCmds)+1)
	cmds = append(cmds, fmt.Sprintf("allocate_oids count=%d", m.oidCount))
	return append(cmds, m.configCmds...)
}

// BuildConfig runs the config callbacks and sends the config to the MCU.
// An MCU already holding the same config is left alone; one holding a
// different config is an error until it is restarted.
func (m *MCU) BuildConfig() error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	if _, err := m.Dictionary(); err != nil {
		return err
	}

	// callbacks run on the first build only
	m.mu.Lock()
	callbacks := m.configCallbacks
	m.configCallbacks = nil
	m.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb(); err != nil {
			return fmt.Errorf("%s config: %w", m.name, err)
		}
	}

	cmds := m.ConfigCommands()
	payloads := make([][]byte, 0, len(cmds)+1)
	for _, cmd := range cmds {
		payload, err := m.encodeText(cmd)
		if err != nil {
			return fmt.Errorf("%s config %q: %w", m.name, cmd, err)
		}
		payloads = append(payloads, payload)
	}
	crc := crc32.ChecksumIEEE([]byte(strings.Join(cmds, "\n")))
	finalize, err := m.encodeText(fmt.Sprintf("finalize_config crc=%d", crc))
	if err != nil {
		return fmt.Errorf("%s config: %w", m.name, err)
	}
	payloads = append(payloads, finalize)

	isConfig, mcuCRC, err := m.queryConfig()
	if err != nil {
		return err
	}
	if isConfig {
		if mcuCRC != crc {
			return fmt.Errorf("%w: %s has crc %08x, want %08x", ErrConfigMismatch, m.name, mcuCRC, crc)
		}
		m.logger.Info("MCU already configured", "crc", crc)
	} else {
		for _, payload := range payloads {
			if err := m.sendPayload(payload); err != nil {
				return fmt.Errorf("%s config: %w", m.name, err)
			}
		}
		m.logger.Info("config sent", "commands", len(cmds), "crc", crc)
	}

	m.mu.Lock()
	m.configured = true
	m.mu.Unlock()
	return nil
}

// queryConfig asks the MCU whether it is configured. Firmware without
// get_config is treated as unconfigured.
func (m *MCU) queryConfig() (bool, uint32, error) {
	q, err := m.LookupQueryCommand("get_config",
		"config is_config=%c crc=%u is_shutdown=%c move_count=%hu", -1, nil)
	if err != nil {
		return false, 0, nil
	}
	resp, err := q.Send(Schedule{})
	if err != nil {
		return false, 0, fmt.Errorf("get_config: %w", err)
	}
	return resp.Uint("is_config") != 0, resp.Uint("crc"), nil
}

// encodeText encodes a "name key=value ..." command line
func (m *MCU) encodeText(line string) ([]byte, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}

	m.mu.Lock()
	mf, ok := m.commandsByName[fields[0]]
	dict := m.dictionary
	m.mu.Unlock()
	if !ok || dict == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}

	types := make(map[string]protocol.ParamType, len(mf.Params))
	for _, p := range mf.Params {
		types[p.Name] = p.Type
	}
	params := make(map[string]any, len(fields)-1)
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("malformed parameter %q", field)
		}
		typ, known := types[key]
		if !known {
			return nil, fmt.Errorf("unknown parameter %q", key)
		}
		if typ.IsBytes() {
			params[key] = value
			continue
		}
		v, err := parseTextValue(dict, key, value)
		if err != nil {
			return nil, err
		}
		params[key] = v
	}

	scratch := protocol.NewScratchOutput()
	if err := mf.EncodeNamed(scratch, params); err != nil {
		return nil, err
	}
	return scratch.Result(), nil
}

func parseTextValue(dict *Dictionary, key, value string) (int64, error) {
	if enum, ok := dict.enumerationFor(key); ok {
		if v, ok := enum[value]; ok {
			return int64(v), nil
		}
	}
	v, err := strconv.ParseInt(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown %s %q", key, value)
	}
	return v, nil
}
