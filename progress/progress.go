// Package progress reports the advance of sweeps along their axes.
//
// Reporters are purely observational.  Callers treat a misbehaving reporter
// as a nuisance, never as a reason to stop a sweep.
package progress

import (
	"fmt"
	"strings"
	"sync"
)

// Reporter is told when an axis advances and when it starts over
type Reporter interface {
	// Advance moves axis label forward by n steps
	Advance(label string, n int)

	// Reset returns axis label to zero
	Reset(label string)
}

// Totaler is a Reporter that can also be told how long an axis is
type Totaler interface {
	Total(label string, n int)
}

// Nop discards all progress
type Nop struct{}

// Advance does nothing
func (Nop) Advance(string, int) {}

// Reset does nothing
func (Nop) Reset(string) {}

// Event is one call to a Recorder
type Event struct {
	Label string
	// N is the step count for an advance, -1 for a reset
	N int
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Advance records an advance
func (r *Recorder) Advance(label string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Label: label, N: n})
}

// Reset records a reset
func (r *Recorder) Reset(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Label: label, N: -1})
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Counts returns the current position of every axis, replaying resets
func (r *Recorder) Counts() map[string]int {
	out := make(map[string]int)
	for _, e := range r.Events() {
		if e.N < 0 {
			out[e.Label] = 0
			continue
		}
		out[e.Label] += e.N
	}
	return out
}

// counter tracks position and length of named axes and formats them as
// "ch01 3/10 | ch02 7/20"
type counter struct {
	order []string
	pos   map[string]int
	total map[string]int
}

func newCounter() *counter {
	return &counter{pos: make(map[string]int), total: make(map[string]int)}
}

func (c *counter) touch(label string) {
	if _, ok := c.pos[label]; !ok {
		c.order = append(c.order, label)
		c.pos[label] = 0
	}
}

func (c *counter) String() string {
	pieces := make([]string, len(c.order))
	for i, l := range c.order {
		if t := c.total[l]; t > 0 {
			pieces[i] = fmt.Sprintf("%s %d/%d", l, c.pos[l], t)
		} else {
			pieces[i] = fmt.Sprintf("%s %d", l, c.pos[l])
		}
	}
	return strings.Join(pieces, " | ")
}
