package progress

import (
	"io"
	"sync"
	"time"

	"github.com/theckman/yacspin"
)

// Spinner shows sweep progress on a terminal as a single spinner line
type Spinner struct {
	mu  sync.Mutex
	sp  *yacspin.Spinner
	cnt *counter
}

// NewSpinner creates a spinner writing to w.  It is not started.
func NewSpinner(w io.Writer) (*Spinner, error) {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " sweeping ",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            w,
	}
	sp, err := yacspin.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Spinner{sp: sp, cnt: newCounter()}, nil
}

// Start the animation
func (s *Spinner) Start() error {
	return s.sp.Start()
}

// Stop the animation, marking success or failure
func (s *Spinner) Stop(ok bool) error {
	if ok {
		return s.sp.Stop()
	}
	return s.sp.StopFail()
}

// Total sets the length of an axis
func (s *Spinner) Total(label string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cnt.touch(label)
	s.cnt.total[label] = n
	s.sp.Message(s.cnt.String())
}

// Advance moves an axis forward
func (s *Spinner) Advance(label string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cnt.touch(label)
	s.cnt.pos[label] += n
	s.sp.Message(s.cnt.String())
}

// Reset returns an axis to zero
func (s *Spinner) Reset(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cnt.touch(label)
	s.cnt.pos[label] = 0
	s.sp.Message(s.cnt.String())
}

// Message returns the current progress line
func (s *Spinner) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cnt.String()
}
