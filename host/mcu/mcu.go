// Package mcu is the host side of the link to a microcontroller running
// the Klipper protocol: dictionary retrieval, config build, command queues,
// queries and clock synchronization.
package mcu

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ads1100host/host/serial"
	"ads1100host/protocol"
)

var (
	ErrNotConnected   = errors.New("not connected to MCU")
	ErrNoDictionary   = errors.New("dictionary not loaded")
	ErrUnknownCommand = errors.New("unknown command")
	ErrQueryTimeout   = errors.New("query timed out")
	ErrQueryPending   = errors.New("query already pending")
	ErrConfigMismatch = errors.New("MCU config mismatch")
)

const (
	identifyFormat         = "identify offset=%u count=%c"
	identifyResponseFormat = "identify_response offset=%u data=%*s"
	identifyChunkSize      = 40
	identifyMaxChunks      = 1000

	defaultClockFreq = 1000000
)

// Option configures an MCU
type Option func(*MCU)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *MCU) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithName sets the name used in logs and errors
func WithName(name string) Option {
	return func(m *MCU) {
		m.name = name
	}
}

// WithMonotonic sets the host clock used for receive timestamps and clock sync
func WithMonotonic(clock func() float64) Option {
	return func(m *MCU) {
		m.monotonic = clock
	}
}

// WithQueryTimeout bounds how long a query waits for its response
func WithQueryTimeout(d time.Duration) Option {
	return func(m *MCU) {
		m.queryTimeout = d
	}
}

// WithAckTimeout bounds how long a send waits for the MCU acknowledgement
func WithAckTimeout(d time.Duration) Option {
	return func(m *MCU) {
		m.ackTimeout = d
	}
}

type responseKey struct {
	name string
	oid  int
}

// MCU represents a connection to a Klipper microcontroller
type MCU struct {
	name         string
	logger       *slog.Logger
	monotonic    func() float64
	queryTimeout time.Duration
	ackTimeout   time.Duration

	transport *protocol.HostTransport
	clock     *ClockSync

	mu             sync.Mutex
	connected      bool
	dictionary     *Dictionary
	dictionaryData []byte
	commands       map[string]*protocol.MessageFormat
	commandsByName map[string]*protocol.MessageFormat
	responses      map[uint16]*protocol.MessageFormat
	waiters        map[responseKey]chan *Response
	handlers       map[responseKey]func(*Response)

	oidCount        int
	queues          []*CommandQueue
	configCmds      []string
	configCallbacks []func() error
	configured      bool
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU(opts ...Option) *MCU {
	start := time.Now()
	m := &MCU{
		name:         "mcu",
		logger:       slog.Default(),
		monotonic:    func() float64 { return time.Since(start).Seconds() },
		queryTimeout: time.Second,
		ackTimeout:   2 * time.Second,
		waiters:      make(map[responseKey]chan *Response),
		handlers:     make(map[responseKey]func(*Response)),
		clock:        NewClockSync(defaultClockFreq),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("mcu", m.name)
	m.resetFormats()
	m.queues = []*CommandQueue{{id: 0, mcu: m}}
	return m
}

// resetFormats installs the formats needed before the dictionary is known
func (m *MCU) resetFormats() {
	identify, _ := protocol.ParseMessageFormat(1, identifyFormat)
	identifyResp, _ := protocol.ParseMessageFormat(0, identifyResponseFormat)
	m.commands = map[string]*protocol.MessageFormat{identifyFormat: identify}
	m.commandsByName = map[string]*protocol.MessageFormat{identify.Name: identify}
	m.responses = map[uint16]*protocol.MessageFormat{0: identifyResp}
}

// Name returns the MCU name
func (m *MCU) Name() string {
	return m.name
}

// Connect connects to an MCU via serial port
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to an MCU with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.Flush(); err != nil {
		m.logger.Debug("flush failed", "error", err)
	}
	m.ConnectPort(port)

	// Give MCU time to initialize (if it just powered on)
	time.Sleep(100 * time.Millisecond)
	return nil
}

// ConnectPort attaches the MCU to an already open byte stream
func (m *MCU) ConnectPort(port io.ReadWriteCloser) {
	m.transport = protocol.NewHostTransport(port,
		protocol.WithClock(m.monotonic),
		protocol.WithAckTimeout(m.ackTimeout))
	m.transport.SetResponseHandler(m.handleResponse)

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// RetrieveDictionary retrieves the complete dictionary from the MCU
func (m *MCU) RetrieveDictionary() error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	m.logger.Info("retrieving dictionary")

	var buf bytes.Buffer
	for i := 0; i < identifyMaxChunks; i++ {
		offset := uint32(buf.Len())
		chunk, err := m.identify(offset, identifyChunkSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		if len(chunk) < identifyChunkSize {
			break
		}
	}

	dict, err := ParseDictionary(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	if err := m.loadDictionary(dict); err != nil {
		return err
	}

	m.mu.Lock()
	m.dictionaryData = buf.Bytes()
	m.mu.Unlock()

	m.logger.Info("dictionary loaded",
		"bytes", buf.Len(),
		"version", dict.Version,
		"commands", len(dict.Commands),
		"responses", len(dict.Responses))
	return nil
}

func (m *MCU) identify(offset uint32, count uint8) ([]byte, error) {
	resp, err := m.query("identify_response", -1, func() error {
		m.mu.Lock()
		format := m.commands[identifyFormat]
		m.mu.Unlock()
		payload, err := encodeArgs(format, []any{offset, count})
		if err != nil {
			return err
		}
		return m.sendPayload(payload)
	})
	if err != nil {
		return nil, err
	}
	if got := resp.Uint("offset"); got != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, got)
	}
	return resp.Bytes("data"), nil
}

func (m *MCU) loadDictionary(dict *Dictionary) error {
	commands := make(map[string]*protocol.MessageFormat, len(dict.Commands))
	byName := make(map[string]*protocol.MessageFormat, len(dict.Commands))
	for format, id := range dict.Commands {
		mf, err := protocol.ParseMessageFormat(uint16(id), format)
		if err != nil {
			return fmt.Errorf("dictionary command: %w", err)
		}
		commands[format] = mf
		byName[mf.Name] = mf
	}
	responses := make(map[uint16]*protocol.MessageFormat, len(dict.Responses))
	for format, id := range dict.Responses {
		mf, err := protocol.ParseMessageFormat(uint16(id), format)
		if err != nil {
			return fmt.Errorf("dictionary response: %w", err)
		}
		responses[uint16(id)] = mf
	}

	freq, ok := dict.ConfigFloat("CLOCK_FREQ")
	if !ok {
		freq = defaultClockFreq
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dictionary = dict
	m.commands = commands
	m.commandsByName = byName
	m.responses = responses
	m.clock = NewClockSync(freq)
	return nil
}

// Dictionary returns the parsed dictionary
func (m *MCU) Dictionary() (*Dictionary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dictionary == nil {
		return nil, ErrNoDictionary
	}
	return m.dictionary, nil
}

// DictionaryRaw returns the raw identify data as received
func (m *MCU) DictionaryRaw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dictionaryData
}

// RegisterResponse installs a handler for unsolicited responses with the
// given name and oid (-1 for none). It runs on the transport reader and
// must not send commands itself.
func (m *MCU) RegisterResponse(name string, oid int, handler func(*Response)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := responseKey{name: name, oid: oid}
	if handler == nil {
		delete(m.handlers, key)
		return
	}
	m.handlers[key] = handler
}

func (m *MCU) handleResponse(cmdID uint16, data *[]byte, receiveTime float64) error {
	m.mu.Lock()
	format, ok := m.responses[cmdID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("unknown response", "id", cmdID)
		return nil
	}

	params, err := format.Decode(data)
	if err != nil {
		m.logger.Warn("bad response", "name", format.Name, "error", err)
		return err
	}
	resp := &Response{Name: format.Name, Params: params, ReceiveTime: receiveTime}
	key := responseKey{name: resp.Name, oid: resp.OID()}

	m.mu.Lock()
	waiter := m.waiters[key]
	handler := m.handlers[key]
	m.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- resp:
		default:
		}
	}
	if handler != nil {
		handler(resp)
	}
	return nil
}

// query runs send and waits for the response identified by name and oid
func (m *MCU) query(name string, oid int, send func() error) (*Response, error) {
	key := responseKey{name: name, oid: oid}
	ch := make(chan *Response, 1)

	m.mu.Lock()
	if _, busy := m.waiters[key]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s oid=%d", ErrQueryPending, name, oid)
	}
	m.waiters[key] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.waiters, key)
		m.mu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(m.queryTimeout):
		return nil, fmt.Errorf("%w: %s oid=%d after %v", ErrQueryTimeout, name, oid, m.queryTimeout)
	}
}

func (m *MCU) sendPayload(payload []byte) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.transport.SendPayload(payload)
}

// SendCommand sends a dictionary command by name, outside any queue
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	m.mu.Lock()
	if m.dictionary == nil {
		m.mu.Unlock()
		return ErrNoDictionary
	}
	mf, ok := m.commandsByName[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.transport.SendCommand(mf.ID, args)
}

// SyncClock samples the MCU clock once and updates the estimator
func (m *MCU) SyncClock() error {
	q, err := m.LookupQueryCommand("get_clock", "clock clock=%u", -1, nil)
	if err != nil {
		return err
	}
	sent := m.monotonic()
	resp, err := q.Send(Schedule{})
	if err != nil {
		return fmt.Errorf("get_clock: %w", err)
	}
	m.clock.AddSample((sent+resp.ReceiveTime)/2, resp.Uint("clock"))
	return nil
}

// Clock returns the clock estimator
func (m *MCU) Clock() *ClockSync {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// EstimatedPrintTime converts a host monotonic time to MCU-relative seconds
func (m *MCU) EstimatedPrintTime(eventtime float64) float64 {
	return m.Clock().EstimatedPrintTime(eventtime)
}

// Monotonic returns the host clock used by this MCU
func (m *MCU) Monotonic() float64 {
	return m.monotonic()
}

// EmergencyStop asks the MCU to halt all outputs immediately
func (m *MCU) EmergencyStop() error {
	if err := m.SendCommand("emergency_stop", nil); err != nil {
		return fmt.Errorf("emergency_stop: %w", err)
	}
	return nil
}
