package mcu

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"ads1100host/protocol"
)

// maxClockHold bounds how long a command is held back for its MinClock
const maxClockHold = 500 * time.Millisecond

// Schedule carries the timing hints of a queued command. MinClock holds
// the command back until the MCU clock is estimated to have reached it;
// ReqClock is the clock the command is wanted at. Zero means "now".
type Schedule struct {
	MinClock uint64
	ReqClock uint64
}

// CommandQueue orders commands. Commands sent on one queue reach the MCU
// in the order they were sent; different queues may interleave.
type CommandQueue struct {
	id   int
	mcu  *MCU
	mu   sync.Mutex
	sent int
}

// ID returns the queue number
func (q *CommandQueue) ID() int {
	return q.id
}

// Sent returns how many commands went out on this queue
func (q *CommandQueue) Sent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent
}

func (q *CommandQueue) send(sched Schedule, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.mcu.holdForClock(sched.MinClock)
	if err := q.mcu.sendPayload(payload); err != nil {
		return err
	}
	q.sent++
	return nil
}

// Response is one decoded message from the MCU
type Response struct {
	Name        string
	Params      map[string]any
	ReceiveTime float64
}

// OID returns the oid parameter of the response, or -1 if it has none
func (r *Response) OID() int {
	if v, ok := r.Params["oid"].(uint32); ok {
		return int(v)
	}
	return -1
}

// Uint returns an unsigned integer parameter
func (r *Response) Uint(name string) uint32 {
	v, _ := r.Params[name].(uint32)
	return v
}

// Bytes returns a buffer parameter
func (r *Response) Bytes(name string) []byte {
	switch v := r.Params[name].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Command is a dictionary command bound to a queue
type Command struct {
	mcu    *MCU
	format *protocol.MessageFormat
	queue  *CommandQueue
}

// Name returns the command name
func (c *Command) Name() string {
	return c.format.Name
}

// Send encodes args and queues the command
func (c *Command) Send(sched Schedule, args ...any) error {
	payload, err := encodeArgs(c.format, args)
	if err != nil {
		return err
	}
	return c.queue.send(sched, payload)
}

// QueryCommand is a command answered by a response carrying the same oid
type QueryCommand struct {
	mcu      *MCU
	format   *protocol.MessageFormat
	respName string
	oid      int
	queue    *CommandQueue
}

// Send queues the command and waits for its response
func (q *QueryCommand) Send(sched Schedule, args ...any) (*Response, error) {
	payload, err := encodeArgs(q.format, args)
	if err != nil {
		return nil, err
	}
	return q.mcu.query(q.respName, q.oid, func() error {
		return q.queue.send(sched, payload)
	})
}

func encodeArgs(format *protocol.MessageFormat, args []any) ([]byte, error) {
	scratch := protocol.NewScratchOutput()
	if err := format.Encode(scratch, args...); err != nil {
		return nil, err
	}
	return scratch.Result(), nil
}

// LookupCommand binds a dictionary command format to a queue. A nil queue
// uses the default queue.
func (m *MCU) LookupCommand(format string, queue *CommandQueue) (*Command, error) {
	mf, err := m.commandFormat(format)
	if err != nil {
		return nil, err
	}
	return &Command{mcu: m, format: mf, queue: m.queueOrDefault(queue)}, nil
}

// LookupQueryCommand binds a command and the response that answers it.
// oid selects which response instance belongs to this query; use -1 for
// responses without an oid.
func (m *MCU) LookupQueryCommand(format, respFormat string, oid int, queue *CommandQueue) (*QueryCommand, error) {
	mf, err := m.commandFormat(format)
	if err != nil {
		return nil, err
	}
	dict, err := m.Dictionary()
	if err != nil {
		return nil, err
	}
	if _, ok := dict.Responses[respFormat]; !ok {
		return nil, fmt.Errorf("%w: response %q", ErrUnknownCommand, respFormat)
	}
	respName, _, _ := strings.Cut(respFormat, " ")
	return &QueryCommand{
		mcu:      m,
		format:   mf,
		respName: respName,
		oid:      oid,
		queue:    m.queueOrDefault(queue),
	}, nil
}

// HasCommand reports whether the dictionary offers the given format
func (m *MCU) HasCommand(format string) bool {
	_, err := m.commandFormat(format)
	return err == nil
}

func (m *MCU) commandFormat(format string) (*protocol.MessageFormat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dictionary == nil {
		return nil, ErrNoDictionary
	}
	mf, ok := m.commands[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, format)
	}
	return mf, nil
}

func (m *MCU) holdForClock(minClock uint64) {
	clock := m.Clock()
	if minClock == 0 || !clock.Ready() {
		return
	}
	wait := clock.ClockToHostTime(minClock) - m.monotonic()
	if wait <= 0 {
		return
	}
	d := time.Duration(wait * float64(time.Second))
	if d > maxClockHold {
		d = maxClockHold
	}
	time.Sleep(d)
}
