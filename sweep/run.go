package sweep

import (
	"time"

	"github.com/nasa-jpl/qdsweep/instrument"
)

// State is the completion state of a run
type State int

const (
	// Running is a run in progress
	Running State = iota

	// Completed is a run that emitted every sample
	Completed

	// Failed is a run stopped by a fault
	Failed

	// Aborted is a run stopped by cancellation
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TeardownState records whether the channels were returned to zero
type TeardownState int

const (
	// TeardownPending means teardown has not run yet
	TeardownPending TeardownState = iota

	// TeardownOK means every connected channel was set to 0 V
	TeardownOK

	// TeardownFailed means the zeroing ramp failed and the device may be biased
	TeardownFailed
)

func (t TeardownState) String() string {
	switch t {
	case TeardownPending:
		return "pending"
	case TeardownOK:
		return "ok"
	case TeardownFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunHandle identifies a run to a Sink
type RunHandle string

// RunMeta describes a run to a Sink when it begins
type RunMeta struct {
	// Name is the kind of run, "1d_sweep" or "2d_sweep"
	Name string `json:"name"`

	Experiment string `json:"experiment"`
	Device     string `json:"device"`

	// Axes are outermost first
	Axes []Axis `json:"axes"`

	// Fixed holds channels set once before the sweep and held through it
	Fixed map[instrument.ChannelID]float64 `json:"fixed,omitempty"`

	// Params are the parameter identities of each sample, in order
	Params []string `json:"params"`

	IntegrationTime time.Duration `json:"integrationTime"`
	Started         time.Time     `json:"started"`
}

// Shape returns the number of steps of each axis, outermost first
func (m RunMeta) Shape() []int {
	out := make([]int, len(m.Axes))
	for i, a := range m.Axes {
		out[i] = a.Steps
	}
	return out
}

// Run is the record of one sweep
type Run struct {
	Meta     RunMeta
	Handle   RunHandle
	Samples  int
	State    State
	Teardown TeardownState

	// Err is the error returned to the caller, if any
	Err error

	began bool
}

// Sink persists samples
type Sink interface {
	// BeginRun opens a new run
	BeginRun(RunMeta) (RunHandle, error)

	// AddSample appends a sample to a run, in emission order
	AddSample(RunHandle, Sample) error

	// EndRun closes a run with its final state
	EndRun(RunHandle, State) error
}

type discard struct{}

func (discard) BeginRun(RunMeta) (RunHandle, error) { return "", nil }
func (discard) AddSample(RunHandle, Sample) error   { return nil }
func (discard) EndRun(RunHandle, State) error       { return nil }
