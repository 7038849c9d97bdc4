package sweep

import (
	"fmt"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/util"
)

// InvalidAxisError is returned for an axis that cannot be swept.  It is
// always returned before any hardware is touched.
type InvalidAxisError struct {
	Axis Axis
	Msg  string
}

func (e *InvalidAxisError) Error() string {
	return fmt.Sprintf("invalid axis %v: %s", e.Axis, e.Msg)
}

// Axis is one swept dimension: Steps evenly spaced setpoints on Channel
// from Start to Stop inclusive
type Axis struct {
	Channel instrument.ChannelID `json:"channel"`
	Start   float64              `json:"start"`
	Stop    float64              `json:"stop"`
	Steps   int                  `json:"steps"`
}

func (a Axis) String() string {
	return fmt.Sprintf("%s[%g:%g/%d]", a.Channel, a.Start, a.Stop, a.Steps)
}

// Label is the progress label of the axis
func (a Axis) Label() string {
	return a.Channel.String()
}

// Validate returns an InvalidAxisError if the axis has fewer than two steps
// or a non-finite endpoint
func (a Axis) Validate() error {
	if a.Steps < 2 {
		return &InvalidAxisError{Axis: a, Msg: fmt.Sprintf("need at least 2 steps, got %d", a.Steps)}
	}
	if !util.Finite(a.Start, a.Stop) {
		return &InvalidAxisError{Axis: a, Msg: "start and stop must be finite"}
	}
	return nil
}

// Setpoints returns the voltages of the axis in sweep order.  The first is
// exactly Start and the last exactly Stop.
func (a Axis) Setpoints() []float64 {
	return util.Linspace(a.Start, a.Stop, a.Steps)
}
