/*Package instrument defines the capabilities the sweep machinery needs from lab
hardware, and the error taxonomy shared by every package that touches it.

There are exactly two kinds of hardware:
	1.  a VoltageSource, an N-channel DAC whose outputs bias the gates of the device
	2.  a Meter, a scalar voltmeter reading the device response

Concrete drivers live in packages qdac and dmm, each of which also provides an
in-memory mock satisfying the same interface.
*/
package instrument

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/qdsweep/util"
)

// PowerLineHz is the mains frequency the meter integrates over
const PowerLineHz = 50

// MeterParam is the parameter identity of the meter reading in a sample
const MeterParam = "dmm_volt"

// ChannelID identifies one output of the voltage source, 1-based
type ChannelID int

// Param returns the parameter identity used for this channel in samples
func (c ChannelID) Param() string {
	return fmt.Sprintf("qdac_ch%02d_v", int(c))
}

// String returns a short label such as ch03
func (c ChannelID) String() string {
	return fmt.Sprintf("ch%02d", int(c))
}

// Channels converts a slice of ints to a slice of ChannelIDs
func Channels(is []int) []ChannelID {
	out := make([]ChannelID, len(is))
	for i, v := range is {
		out[i] = ChannelID(v)
	}
	return out
}

// Ints converts a slice of ChannelIDs to a slice of ints
func Ints(chs []ChannelID) []int {
	out := make([]int, len(chs))
	for i, v := range chs {
		out[i] = int(v)
	}
	return out
}

// Mode is the operating mode of a voltage source channel, a pairing of the
// output voltage range and the current sense range
type Mode string

const (
	// ModeVHighILow is the high voltage range with the low current range.
	// This is the session default.
	ModeVHighILow Mode = "vhigh_ilow"

	// ModeVHighIHigh is the high voltage range with the high current range
	ModeVHighIHigh Mode = "vhigh_ihigh"

	// ModeVLowILow is the low voltage range with the low current range
	ModeVLowILow Mode = "vlow_ilow"
)

// VoltageSource is a multi-channel DAC
type VoltageSource interface {
	// Reset returns the instrument to its power-on state
	Reset() error

	// SetMode configures the operating mode of a channel
	SetMode(ChannelID, Mode) error

	// GetMode returns the operating mode of a channel
	GetMode(ChannelID) (Mode, error)

	// SetSlope configures the slope limit of a channel in V/s
	SetSlope(ChannelID, float64) error

	// GetSlope returns the slope limit of a channel in V/s
	GetSlope(ChannelID) (float64, error)

	// Get returns the held voltage of each channel
	Get([]ChannelID) ([]float64, error)

	// Ramp moves every channel from its from value to its to value over
	// the given duration.  The ramp runs on the instrument; Ramp returns
	// as soon as it is started, with the time the ramp will take.
	// The whole batch is issued at once or not at all.
	Ramp(chs []ChannelID, from, to []float64, duration time.Duration) (time.Duration, error)

	// Close releases the connection
	Close() error
}

// Meter is a voltmeter
type Meter interface {
	// IntegrationCycles returns the integration window in power line cycles
	IntegrationCycles() (float64, error)

	// Read takes one reading
	Read() (float64, error)

	// Close releases the connection
	Close() error
}

// IntegrationTime returns the length of one measurement cycle of m
func IntegrationTime(m Meter) (time.Duration, error) {
	cycles, err := m.IntegrationCycles()
	if err != nil {
		return 0, Fault("integration cycles", err)
	}
	return util.SecsToDuration(cycles / PowerLineHz), nil
}
