package mcu

import "sync"

const clockSyncSamples = 8

type clockSample struct {
	hostTime float64
	clock    float64
}

// ClockSync maps host monotonic time to the MCU clock. It fits a line
// through the most recent get_clock samples; before any sample the clock
// is assumed to start at host time zero and run at the nominal frequency.
type ClockSync struct {
	mu        sync.Mutex
	freq      float64
	samples   []clockSample
	lastClock uint64

	timeAvg  float64
	clockAvg float64
	rate     float64
}

// NewClockSync creates a clock estimator for an MCU running at freq Hz
func NewClockSync(freq float64) *ClockSync {
	if freq <= 0 {
		freq = 1
	}
	return &ClockSync{freq: freq, rate: freq}
}

// Frequency returns the nominal MCU clock frequency
func (c *ClockSync) Frequency() float64 {
	return c.freq
}

// Ready reports whether at least one sample was taken
func (c *ClockSync) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples) > 0
}

// AddSample records that the 32 bit MCU clock read clock32 at hostTime and
// returns the extended 64 bit clock.
func (c *ClockSync) AddSample(hostTime float64, clock32 uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	clock := uint64(clock32)
	if len(c.samples) > 0 {
		clock = c.extend(clock32)
	}
	c.lastClock = clock

	c.samples = append(c.samples, clockSample{hostTime: hostTime, clock: float64(clock)})
	if len(c.samples) > clockSyncSamples {
		c.samples = c.samples[1:]
	}
	c.fit()
	return clock
}

// Clock32To64 extends a 32 bit clock reported by the MCU using the last sample
func (c *ClockSync) Clock32To64(clock32 uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extend(clock32)
}

func (c *ClockSync) extend(clock32 uint32) uint64 {
	diff := int64(int32(clock32 - uint32(c.lastClock)))
	return uint64(int64(c.lastClock) + diff)
}

// least squares over the sample window
func (c *ClockSync) fit() {
	n := float64(len(c.samples))
	var sumT, sumC float64
	for _, s := range c.samples {
		sumT += s.hostTime
		sumC += s.clock
	}
	c.timeAvg, c.clockAvg = sumT/n, sumC/n

	var cov, variance float64
	for _, s := range c.samples {
		dt := s.hostTime - c.timeAvg
		cov += dt * (s.clock - c.clockAvg)
		variance += dt * dt
	}
	if len(c.samples) < 2 || variance == 0 {
		c.rate = c.freq
		return
	}
	c.rate = cov / variance
}

func (c *ClockSync) clockAt(hostTime float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockAvg + c.rate*(hostTime-c.timeAvg)
}

// HostTimeToClock estimates the MCU clock at host monotonic time t
func (c *ClockSync) HostTimeToClock(t float64) uint64 {
	clock := c.clockAt(t)
	if clock < 0 {
		return 0
	}
	return uint64(clock)
}

// ClockToHostTime estimates the host monotonic time of an MCU clock value
func (c *ClockSync) ClockToHostTime(clock uint64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeAvg + (float64(clock)-c.clockAvg)/c.rate
}

// EstimatedPrintTime converts host time to MCU-relative seconds
func (c *ClockSync) EstimatedPrintTime(t float64) float64 {
	return c.clockAt(t) / c.freq
}

// PrintTimeToClock converts MCU-relative seconds to a clock value
func (c *ClockSync) PrintTimeToClock(printTime float64) uint64 {
	return uint64(printTime * c.freq)
}

// ClockToPrintTime converts a clock value to MCU-relative seconds
func (c *ClockSync) ClockToPrintTime(clock uint64) float64 {
	return float64(clock) / c.freq
}
