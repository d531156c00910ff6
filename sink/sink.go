// Package sink delivers averaged ADC readings to consumers outside the
// reactor: an MQTT broker and a SQLite history.
package sink

import "time"

// ReadingFunc receives one averaged reading of a chip
type ReadingFunc func(readTime, value float64)

// Reading is a recorded reading
type Reading struct {
	Chip       string    `json:"chip"`
	ReadTime   float64   `json:"read_time"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"timestamp"`
}

// Fanout returns a ReadingFunc calling each non-nil fn in order
func Fanout(fns ...ReadingFunc) ReadingFunc {
	var live []ReadingFunc
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	return func(readTime, value float64) {
		for _, fn := range live {
			fn(readTime, value)
		}
	}
}
