// Package ramp computes safe transition times between voltage setpoints and
// provides the blocking wait used to let a ramp settle.
package ramp

import (
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/util"
)

const (
	// MinSettleTime is the shortest ramp ever issued.  Hardware rejects
	// zero-length ramps, and tiny steps still need to settle.
	MinSettleTime = 2 * time.Millisecond

	// DefaultSlope is the default slope limit, in V/s
	DefaultSlope = 1.0
)

// Seconds returns max(|delta|/slope, MinSettleTime) in seconds.
// delta and slope must be finite, and slope positive.
func Seconds(delta, slope float64) (float64, error) {
	if !util.Finite(delta, slope) {
		return 0, instrument.Configurationf("non-finite ramp delta %g or slope %g", delta, slope)
	}
	if slope <= 0 {
		return 0, instrument.Configurationf("ramp slope must be positive, got %g", slope)
	}
	return math.Max(math.Abs(delta)/slope, MinSettleTime.Seconds()), nil
}

// Duration is Seconds as a time.Duration
func Duration(delta, slope float64) (time.Duration, error) {
	secs, err := Seconds(delta, slope)
	if err != nil {
		return 0, err
	}
	return util.SecsToDuration(secs), nil
}

// Sleeper blocks the calling goroutine.  It is not interruptible; a ramp
// cut short leaves the output at an unknown intermediate voltage.
type Sleeper interface {
	Sleep(time.Duration)
}

// SleepFunc adapts a function to a Sleeper
type SleepFunc func(time.Duration)

// Sleep calls f(d)
func (f SleepFunc) Sleep(d time.Duration) {
	f(d)
}

// RealTime sleeps on the wall clock
var RealTime Sleeper = SleepFunc(time.Sleep)

// Recorder is a Sleeper which records every requested wait and returns
// immediately
type Recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

// Sleep records d
func (r *Recorder) Sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
}

// Waits returns a copy of the recorded waits, in order
func (r *Recorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.waits))
	copy(out, r.waits)
	return out
}

// Total returns the sum of the recorded waits
func (r *Recorder) Total() time.Duration {
	var sum time.Duration
	for _, d := range r.Waits() {
		sum += d
	}
	return sum
}
