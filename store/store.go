/*Package store contains the places sweep samples are persisted to.

Memory keeps runs in process, FITS writes one file per run when the run
ends, and Badger appends every sample to an embedded key-value store as it
arrives.  All of them satisfy sweep.Sink.
*/
package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/qdsweep/sweep"
)

// ErrUnknownRun is returned for a handle no run was begun with
var ErrUnknownRun = errors.New("unknown run")

// ErrRunEnded is returned when a sample is added to a run that has ended
var ErrRunEnded = errors.New("run already ended")

// Record is a run and its samples
type Record struct {
	Handle  sweep.RunHandle `json:"handle"`
	Meta    sweep.RunMeta   `json:"meta"`
	State   string          `json:"state"`
	Samples []sweep.Sample  `json:"samples,omitempty"`
	Count   int             `json:"count"`
	ended   bool
}

// NewHandle returns a fresh run handle
func NewHandle() sweep.RunHandle {
	return sweep.RunHandle(uuid.New().String())
}

// Memory keeps every run in memory
type Memory struct {
	mu    sync.Mutex
	order []sweep.RunHandle
	runs  map[sweep.RunHandle]*Record
}

// NewMemory returns an empty Memory
func NewMemory() *Memory {
	return &Memory{runs: make(map[sweep.RunHandle]*Record)}
}

// BeginRun opens a new run
func (m *Memory) BeginRun(meta sweep.RunMeta) (sweep.RunHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := NewHandle()
	m.runs[h] = &Record{Handle: h, Meta: meta, State: sweep.Running.String()}
	m.order = append(m.order, h)
	return h, nil
}

// AddSample appends a sample to a run
func (m *Memory) AddSample(h sweep.RunHandle, s sweep.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[h]
	if !ok {
		return errors.Wrapf(ErrUnknownRun, "add sample to %s", h)
	}
	if r.ended {
		return errors.Wrapf(ErrRunEnded, "add sample to %s", h)
	}
	r.Samples = append(r.Samples, append(sweep.Sample{}, s...))
	r.Count++
	return nil
}

// EndRun records the final state of a run
func (m *Memory) EndRun(h sweep.RunHandle, st sweep.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[h]
	if !ok {
		return errors.Wrapf(ErrUnknownRun, "end %s", h)
	}
	r.State = st.String()
	r.ended = true
	return nil
}

// dropSamples releases the samples of a run, keeping its count
func (m *Memory) dropSamples(h sweep.RunHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[h]; ok {
		r.Samples = nil
	}
}

// Run returns a copy of one run
func (m *Memory) Run(h sweep.RunHandle) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[h]
	if !ok {
		return Record{}, errors.Wrapf(ErrUnknownRun, "get %s", h)
	}
	out := *r
	out.Samples = append([]sweep.Sample{}, r.Samples...)
	return out, nil
}

// Runs lists every run in the order begun, without samples
func (m *Memory) Runs() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, h := range m.order {
		r := *m.runs[h]
		r.Samples = nil
		out = append(out, r)
	}
	return out
}
