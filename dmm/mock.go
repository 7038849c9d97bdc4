package dmm

import (
	"errors"
	"sync"
)

// ErrInjected is returned by the mock when a fault has been armed
var ErrInjected = errors.New("injected fault")

// Mock is an in-memory Meter
type Mock struct {
	sync.Mutex

	// Reading is returned by Read when Script is exhausted
	Reading float64

	// Script, if not empty, is consumed one value per Read
	Script []float64

	// NPLC is returned by IntegrationCycles
	NPLC float64

	// FailAfter arms a fault on Read after this many successful reads.
	// Negative disables it.
	FailAfter int

	// Fn, if not nil, computes each reading and takes precedence over
	// Script and Reading
	Fn func() float64

	reads  int
	closes int
}

// NewMock returns a mock that always reads v at 1 PLC
func NewMock(v float64) *Mock {
	return &Mock{Reading: v, NPLC: 1, FailAfter: -1}
}

// IntegrationCycles returns m.NPLC
func (m *Mock) IntegrationCycles() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.NPLC, nil
}

// Read returns the next reading
func (m *Mock) Read() (float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.FailAfter == 0 {
		return 0, ErrInjected
	}
	if m.FailAfter > 0 {
		m.FailAfter--
	}
	m.reads++
	if m.Fn != nil {
		return m.Fn(), nil
	}
	if len(m.Script) > 0 {
		v := m.Script[0]
		m.Script = m.Script[1:]
		return v, nil
	}
	return m.Reading, nil
}

// Close counts the close
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closes++
	return nil
}

// Reads returns the number of successful reads
func (m *Mock) Reads() int {
	m.Lock()
	defer m.Unlock()
	return m.reads
}

// Closes returns the number of calls to Close
func (m *Mock) Closes() int {
	m.Lock()
	defer m.Unlock()
	return m.closes
}
