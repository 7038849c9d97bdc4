package progress

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRecorderReplaysResets(t *testing.T) {
	r := &Recorder{}
	r.Advance("ch01", 1)
	r.Reset("ch02")
	r.Advance("ch02", 1)
	r.Advance("ch02", 1)
	r.Advance("ch01", 1)
	r.Reset("ch02")
	r.Advance("ch02", 1)
	truth := map[string]int{"ch01": 2, "ch02": 1}
	if diff := cmp.Diff(truth, r.Counts()); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if len(r.Events()) != 7 {
		t.Errorf("expected 7 events, got %d", len(r.Events()))
	}
}

func TestSpinnerMessage(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewSpinner(&buf)
	if err != nil {
		t.Fatal(err)
	}
	s.Total("ch01", 10)
	s.Total("ch02", 20)
	s.Advance("ch01", 3)
	s.Advance("ch02", 9)
	s.Reset("ch02")
	s.Advance("ch02", 7)
	truth := "ch01 3/10 | ch02 7/20"
	if msg := s.Message(); msg != truth {
		t.Errorf("expected %q, got %q", truth, msg)
	}
}

func TestNopSatisfiesReporter(t *testing.T) {
	var r Reporter = Nop{}
	r.Advance("x", 1)
	r.Reset("x")
}
