package qdac

import (
	"errors"
	"sync"
	"time"

	"github.com/nasa-jpl/qdsweep/instrument"
)

// ErrInjected is returned by the mock when a fault has been armed
var ErrInjected = errors.New("injected fault")

// RampCall is one call to Mock.Ramp
type RampCall struct {
	Channels []instrument.ChannelID
	From     []float64
	To       []float64
	Duration time.Duration
}

// Mock is an in-memory VoltageSource.  Ramps complete instantly and every
// call is recorded.
type Mock struct {
	sync.Mutex

	volts  map[instrument.ChannelID]float64
	modes  map[instrument.ChannelID]instrument.Mode
	slopes map[instrument.ChannelID]float64
	ramps  []RampCall

	resets int
	closes int

	// FailRampAfter arms a fault on the ramp after this many successful
	// ramps.  Negative disables it.
	FailRampAfter int

	// FailGet makes every Get fail
	FailGet bool

	// FailClose makes Close return an error (after counting it)
	FailClose bool
}

// NewMock creates a new mock with all channels at 0 V
func NewMock() *Mock {
	return &Mock{
		volts:         make(map[instrument.ChannelID]float64),
		modes:         make(map[instrument.ChannelID]instrument.Mode),
		slopes:        make(map[instrument.ChannelID]float64),
		FailRampAfter: -1,
	}
}

// Reset zeroes all channels
func (m *Mock) Reset() error {
	m.Lock()
	defer m.Unlock()
	m.resets++
	m.volts = make(map[instrument.ChannelID]float64)
	return nil
}

// SetMode records the mode of a channel
func (m *Mock) SetMode(ch instrument.ChannelID, mode instrument.Mode) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.modes[ch] = mode
	return nil
}

// GetMode returns the mode of a channel
func (m *Mock) GetMode(ch instrument.ChannelID) (instrument.Mode, error) {
	m.Lock()
	defer m.Unlock()
	return m.modes[ch], nil
}

// SetSlope records the slope of a channel
func (m *Mock) SetSlope(ch instrument.ChannelID, vps float64) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.slopes[ch] = vps
	return nil
}

// GetSlope returns the slope of a channel
func (m *Mock) GetSlope(ch instrument.ChannelID) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.slopes[ch], nil
}

// Get returns the held voltages
func (m *Mock) Get(chs []instrument.ChannelID) ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.FailGet {
		return nil, ErrInjected
	}
	out := make([]float64, len(chs))
	for i, ch := range chs {
		if err := validChannel(ch); err != nil {
			return nil, err
		}
		out[i] = m.volts[ch]
	}
	return out, nil
}

// Ramp applies the batch immediately and records it
func (m *Mock) Ramp(chs []instrument.ChannelID, from, to []float64, duration time.Duration) (time.Duration, error) {
	if _, err := RampCommand(chs, from, to, duration); err != nil {
		return 0, err
	}
	m.Lock()
	defer m.Unlock()
	if m.FailRampAfter == 0 {
		return 0, ErrInjected
	}
	if m.FailRampAfter > 0 {
		m.FailRampAfter--
	}
	call := RampCall{
		Channels: append([]instrument.ChannelID{}, chs...),
		From:     append([]float64{}, from...),
		To:       append([]float64{}, to...),
		Duration: duration,
	}
	m.ramps = append(m.ramps, call)
	for i, ch := range chs {
		m.volts[ch] = to[i]
	}
	return duration, nil
}

// Close counts the close
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closes++
	if m.FailClose {
		return ErrInjected
	}
	return nil
}

// Voltage returns the held voltage of one channel
func (m *Mock) Voltage(ch instrument.ChannelID) float64 {
	m.Lock()
	defer m.Unlock()
	return m.volts[ch]
}

// Ramps returns a copy of every ramp call, in order
func (m *Mock) Ramps() []RampCall {
	m.Lock()
	defer m.Unlock()
	out := make([]RampCall, len(m.ramps))
	copy(out, m.ramps)
	return out
}

// Resets returns the number of calls to Reset
func (m *Mock) Resets() int {
	m.Lock()
	defer m.Unlock()
	return m.resets
}

// Closes returns the number of calls to Close
func (m *Mock) Closes() int {
	m.Lock()
	defer m.Unlock()
	return m.closes
}
