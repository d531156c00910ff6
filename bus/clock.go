package bus

import "sync"

type lineKey struct {
	mcu MCU
	pin string
}

// ClockLine is one physical clock line and the resources of its owner.
// Every bus on the line sends its transitions through the owner's queue
// and update command so edges on the wire keep their emission order.
type ClockLine struct {
	MCU   MCU
	Pin   string
	OID   int
	Queue Queue

	update Sender
}

// ClockRegistry elects one owner per clock line
type ClockRegistry struct {
	mu    sync.Mutex
	lines map[lineKey]*ClockLine
}

// NewClockRegistry creates an empty registry
func NewClockRegistry() *ClockRegistry {
	return &ClockRegistry{lines: make(map[lineKey]*ClockLine)}
}

// Claim returns the line for pin on m. owner is true for the first
// claimant, which allocated the oid and queue and must configure the line.
func (r *ClockRegistry) Claim(m MCU, pin string) (line *ClockLine, owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := lineKey{mcu: m, pin: pin}
	if line, ok := r.lines[key]; ok {
		return line, false
	}
	line = &ClockLine{
		MCU:   m,
		Pin:   pin,
		OID:   m.CreateOID(),
		Queue: m.AllocCommandQueue(),
	}
	r.lines[key] = line
	return line, true
}

// Len returns the number of distinct clock lines
func (r *ClockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
