// Package mcutest simulates the firmware end of an MCU link so host code
// can be tested without hardware. It speaks the same framing, dictionary
// and command set as the real firmware for the commands the host uses.
package mcutest

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"ads1100host/protocol"
)

// ClockFreq is the simulated MCU clock frequency
const ClockFreq = 12000000

// Handler runs a decoded command. It is called with the firmware lock held
// and may queue responses with Respond.
type Handler func(fw *Firmware, params map[string]any) error

type message struct {
	format  *protocol.MessageFormat
	handler Handler
}

// Received is one command as seen by the firmware
type Received struct {
	Name   string
	Params map[string]any
}

// DigitalOut is the state of a config_digital_out object
type DigitalOut struct {
	Pin   uint32
	Value uint8
}

// Edge is one update_digital_out applied by the firmware
type Edge struct {
	OID   uint8
	Value uint8
}

// I2CDevice is the state of a config_i2c object
type I2CDevice struct {
	Bus     uint32
	Rate    uint32
	Address uint32
	Ready   bool
}

// I2CTarget is a peripheral on the simulated I2C buses
type I2CTarget interface {
	Write(data []byte) error
	Read(reg []byte, n int) ([]byte, error)
}

// Firmware is a scripted MCU
type Firmware struct {
	mu       sync.Mutex
	messages map[uint16]*message
	byName   map[string]*message
	nextID   uint16
	dictData []byte
	start    time.Time

	// DigitalIn returns the level read back from a digital object. The
	// default reports the last value written to it.
	DigitalIn func(oid uint8, out DigitalOut) uint8

	oids       uint32
	configured bool
	crc        uint32
	shutdown   bool
	outputs    map[uint8]*DigitalOut
	edges      []Edge
	i2c        map[uint8]*I2CDevice
	targets    map[uint32]I2CTarget
	received   []Received
	pending    [][]byte

	writeMu sync.Mutex
	conn    net.Conn
}

// New creates a firmware with the standard command set
func New() *Firmware {
	fw := &Firmware{
		messages: make(map[uint16]*message),
		byName:   make(map[string]*message),
		outputs:  make(map[uint8]*DigitalOut),
		i2c:      make(map[uint8]*I2CDevice),
		targets:  make(map[uint32]I2CTarget),
		start:    time.Now(),
	}
	fw.registerDefaults()
	fw.buildDictionary()
	return fw
}

func (fw *Firmware) register(format string, handler Handler) {
	mf, err := protocol.ParseMessageFormat(fw.nextID, format)
	if err != nil {
		panic(err)
	}
	fw.nextID++
	msg := &message{format: mf, handler: handler}
	fw.messages[mf.ID] = msg
	fw.byName[mf.Name] = msg
}

func (fw *Firmware) registerDefaults() {
	// identify_response must be ID 0 and identify ID 1
	fw.register("identify_response offset=%u data=%*s", nil)
	fw.register("identify offset=%u count=%c", handleIdentify)

	fw.register("clock clock=%u", nil)
	fw.register("config is_config=%c crc=%u is_shutdown=%c move_count=%hu", nil)
	fw.register("shutdown clock=%u static_string_id=%hu", nil)
	// digital_in_state and query_digital_in are not in stock gopper
	// builds; software buses need them to read the data line
	fw.register("digital_in_state oid=%c value=%c", nil)
	fw.register("i2c_read_response oid=%c response=%*s", nil)

	fw.register("get_clock", func(fw *Firmware, _ map[string]any) error {
		return fw.Respond("clock", fw.clock())
	})
	fw.register("get_config", func(fw *Firmware, _ map[string]any) error {
		return fw.Respond("config", fw.configured, fw.crc, fw.shutdown, 0)
	})
	fw.register("allocate_oids count=%c", func(fw *Firmware, p map[string]any) error {
		fw.oids = p["count"].(uint32)
		return nil
	})
	fw.register("finalize_config crc=%u", func(fw *Firmware, p map[string]any) error {
		fw.crc = p["crc"].(uint32)
		fw.configured = true
		return nil
	})
	fw.register("emergency_stop", func(fw *Firmware, _ map[string]any) error {
		fw.shutdown = true
		return fw.Respond("shutdown", fw.clock(), 0)
	})
	fw.register("config_digital_out oid=%c pin=%u value=%c default_value=%c max_duration=%u", handleConfigDigitalOut)
	fw.register("update_digital_out oid=%c value=%c", handleUpdateDigitalOut)
	fw.register("query_digital_in oid=%c", handleQueryDigitalIn)
	fw.register("config_i2c oid=%c", handleConfigI2C)
	fw.register("i2c_set_bus oid=%c i2c_bus=%u rate=%u address=%u", handleI2CSetBus)
	fw.register("i2c_write oid=%c data=%*s", handleI2CWrite)
	fw.register("i2c_read oid=%c reg=%*s read_len=%u", handleI2CRead)
}

func (fw *Firmware) buildDictionary() {
	commands := make(map[string]int)
	responses := make(map[string]int)
	for id, msg := range fw.messages {
		if msg.handler != nil {
			commands[msg.format.Format] = int(id)
		} else {
			responses[msg.format.Format] = int(id)
		}
	}
	dict := map[string]any{
		"version":        "ads1100host-sim",
		"build_versions": "go",
		"config": map[string]any{
			"CLOCK_FREQ": ClockFreq,
			"MCU":        "linux",
		},
		"commands":  commands,
		"responses": responses,
		"enumerations": map[string]any{
			"pin":     map[string]any{"PA0": []int{0, 16}, "PB0": []int{16, 16}},
			"i2c_bus": map[string]any{"i2c0": 0, "i2c1": 1},
		},
	}
	data, err := json.Marshal(dict)
	if err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	fw.dictData = buf.Bytes()
}

func (fw *Firmware) clock() uint32 {
	return uint32(time.Since(fw.start).Seconds() * ClockFreq)
}

// Attach starts serving on one end of an in-memory pipe and returns the
// host end.
func (fw *Firmware) Attach() net.Conn {
	host, dev := net.Pipe()
	fw.conn = dev
	go fw.serve()
	return host
}

// AttachI2C places target on the simulated bus at a 7 bit address
func (fw *Firmware) AttachI2C(address uint32, target I2CTarget) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.targets[address] = target
}

func (fw *Firmware) serve() {
	var pending []byte
	buf := make([]byte, 256)
	for {
		n, err := fw.conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			frame, used := protocol.DecodeFrame(pending)
			if used == 0 {
				break
			}
			pending = pending[used:]
			if frame == nil {
				continue
			}
			responses := fw.dispatch(frame.Payload)
			next := protocol.NextSequence(frame.Sequence)
			for _, resp := range responses {
				if err := fw.writeFrame(next, resp); err != nil {
					return
				}
			}
			if err := fw.writeFrame(next, nil); err != nil {
				return
			}
		}
	}
}

func (fw *Firmware) dispatch(payload []byte) [][]byte {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	data := payload
	for len(data) > 0 {
		id, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			break
		}
		msg, ok := fw.messages[uint16(id)]
		if !ok || msg.handler == nil {
			break
		}
		params, err := msg.format.Decode(&data)
		if err != nil {
			break
		}
		fw.received = append(fw.received, Received{Name: msg.format.Name, Params: params})
		if err := msg.handler(fw, params); err != nil {
			break
		}
	}
	out := fw.pending
	fw.pending = nil
	return out
}

func (fw *Firmware) writeFrame(seq uint8, payload []byte) error {
	frame, err := protocol.EncodeFrame(seq, payload)
	if err != nil {
		return err
	}
	fw.writeMu.Lock()
	defer fw.writeMu.Unlock()
	_, err = fw.conn.Write(frame)
	return err
}

// Respond queues a response to go out before the ACK of the current
// command. Only valid inside a Handler.
func (fw *Firmware) Respond(name string, args ...any) error {
	payload, err := fw.encode(name, args)
	if err != nil {
		return err
	}
	fw.pending = append(fw.pending, payload)
	return nil
}

// Send pushes an unsolicited response to the host
func (fw *Firmware) Send(name string, args ...any) error {
	fw.mu.Lock()
	payload, err := fw.encode(name, args)
	fw.mu.Unlock()
	if err != nil {
		return err
	}
	return fw.writeFrame(protocol.MessageDest, payload)
}

func (fw *Firmware) encode(name string, args []any) ([]byte, error) {
	msg, ok := fw.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown message %s", name)
	}
	scratch := protocol.NewScratchOutput()
	if err := msg.format.Encode(scratch, args...); err != nil {
		return nil, err
	}
	return scratch.Result(), nil
}

// Handle replaces or adds a command handler
func (fw *Firmware) Handle(format string, handler Handler) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if mf, err := protocol.ParseMessageFormat(0, format); err == nil {
		if msg, ok := fw.byName[mf.Name]; ok {
			msg.handler = handler
			return
		}
	}
	fw.register(format, handler)
	fw.buildDictionary()
}

// Received returns a copy of every command received so far
func (fw *Firmware) Received() []Received {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]Received(nil), fw.received...)
}

// ReceivedNames returns the names of every command received so far
func (fw *Firmware) ReceivedNames() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	names := make([]string, len(fw.received))
	for i, r := range fw.received {
		names[i] = r.Name
	}
	return names
}

// Output returns the state of a digital output object
func (fw *Firmware) Output(oid uint8) (DigitalOut, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	out, ok := fw.outputs[oid]
	if !ok {
		return DigitalOut{}, false
	}
	return *out, true
}

// Edges returns every update_digital_out applied so far
func (fw *Firmware) Edges() []Edge {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]Edge(nil), fw.edges...)
}

// I2C returns the state of an i2c object
func (fw *Firmware) I2C(oid uint8) (I2CDevice, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	dev, ok := fw.i2c[oid]
	if !ok {
		return I2CDevice{}, false
	}
	return *dev, true
}

// Configured reports whether finalize_config was received, and its crc
func (fw *Firmware) Configured() (bool, uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.configured, fw.crc
}

// IsShutdown reports whether emergency_stop was received
func (fw *Firmware) IsShutdown() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.shutdown
}

// DictionaryData returns the compressed identify data
func (fw *Firmware) DictionaryData() []byte {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.dictData
}

// Close stops serving
func (fw *Firmware) Close() error {
	if fw.conn == nil {
		return nil
	}
	return fw.conn.Close()
}

var _ io.Closer = (*Firmware)(nil)
