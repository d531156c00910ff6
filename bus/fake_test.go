package bus

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/l0nax/go-spew/spew"
	"github.com/stretchr/testify/require"

	"ads1100host/host/mcu"
	"ads1100host/pins"
)

var pprint = spew.ConfigState{
	Indent:                  "\t",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

type sentCmd struct {
	format string
	queue  int
	sched  mcu.Schedule
	args   []any
}

type fakeQueue int

func (q fakeQueue) ID() int { return int(q) }

// fakeMCU records everything buses send and answers queries from scripts
type fakeMCU struct {
	name      string
	oids      int
	queues    int
	config    []string
	callbacks []func() error
	sent      []sentCmd
	// missing lists command names the firmware does not know
	missing []string
	now       float64

	// sda is the level the slave puts on the data line; nil reads high
	sda     func() uint8
	i2cData []byte
	sendErr error
}

func newFakeMCU(name string) *fakeMCU {
	return &fakeMCU{name: name}
}

func (f *fakeMCU) Name() string { return f.name }

func (f *fakeMCU) EstimatedPrintTime(eventtime float64) float64 { return eventtime + 1000 }

func (f *fakeMCU) CreateOID() int {
	f.oids++
	return f.oids - 1
}

func (f *fakeMCU) AllocCommandQueue() Queue {
	f.queues++
	return fakeQueue(f.queues)
}

func (f *fakeMCU) AddConfigCmd(cmd string) { f.config = append(f.config, cmd) }

func (f *fakeMCU) RegisterConfigCallback(cb func() error) { f.callbacks = append(f.callbacks, cb) }

func (f *fakeMCU) lookup(format string) error {
	name, _, _ := strings.Cut(format, " ")
	if slices.Contains(f.missing, name) {
		return fmt.Errorf("%w: %q", mcu.ErrUnknownCommand, format)
	}
	return nil
}

func (f *fakeMCU) LookupCommand(format string, q Queue) (Sender, error) {
	if err := f.lookup(format); err != nil {
		return nil, err
	}
	return &fakeSender{mcu: f, format: format, queue: q}, nil
}

func (f *fakeMCU) LookupQueryCommand(format, respFormat string, oid int, q Queue) (Querier, error) {
	if err := f.lookup(format); err != nil {
		return nil, err
	}
	return &fakeQuerier{mcu: f, format: format, oid: oid, queue: q}, nil
}

func (f *fakeMCU) build(t *testing.T) {
	t.Helper()
	for _, cb := range f.callbacks {
		require.NoError(t, cb())
	}
}

func (f *fakeMCU) record(format string, q Queue, sched mcu.Schedule, args []any) {
	f.sent = append(f.sent, sentCmd{format: format, queue: q.ID(), sched: sched, args: args})
}

type fakeSender struct {
	mcu    *fakeMCU
	format string
	queue  Queue
}

func (s *fakeSender) Send(sched mcu.Schedule, args ...any) error {
	if s.mcu.sendErr != nil {
		return s.mcu.sendErr
	}
	s.mcu.record(s.format, s.queue, sched, args)
	return nil
}

type fakeQuerier struct {
	mcu    *fakeMCU
	format string
	oid    int
	queue  Queue
}

func (q *fakeQuerier) Send(sched mcu.Schedule, args ...any) (*mcu.Response, error) {
	f := q.mcu
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.record(q.format, q.queue, sched, args)
	f.now += 0.001
	switch q.format {
	case queryDigitalInFormat:
		value := uint8(1)
		if f.sda != nil {
			value = f.sda()
		}
		return &mcu.Response{
			Name:        "digital_in_state",
			Params:      map[string]any{"oid": uint32(q.oid), "value": uint32(value)},
			ReceiveTime: f.now,
		}, nil
	case i2cReadFormat:
		return &mcu.Response{
			Name:        "i2c_read_response",
			Params:      map[string]any{"oid": uint32(q.oid), "response": f.i2cData},
			ReceiveTime: f.now,
		}, nil
	}
	return nil, fmt.Errorf("unexpected query %s", q.format)
}

// waveform renders the update_digital_out commands as "D0 C1 ..." where
// C is the clock oid and D the data oid
func (f *fakeMCU) waveform(sclOID, sdaOID int) string {
	var parts []string
	for _, s := range f.sent {
		switch s.format {
		case updateDigitalOutFormat:
			line := "?"
			switch s.args[0] {
			case sclOID:
				line = "C"
			case sdaOID:
				line = "D"
			}
			parts = append(parts, fmt.Sprintf("%s%v", line, s.args[1]))
		case queryDigitalInFormat:
			parts = append(parts, "S")
		}
	}
	return strings.Join(parts, " ")
}

func newPins(t *testing.T, chips ...*fakeMCU) *pins.Registry {
	t.Helper()
	r := pins.NewRegistry()
	for _, c := range chips {
		require.NoError(t, r.RegisterChip(c.name, c))
	}
	return r
}
