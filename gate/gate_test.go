package gate

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/qdac"
	"github.com/nasa-jpl/qdsweep/ramp"
)

func nan() float64 { return math.NaN() }

func setup() (*Controller, *qdac.Mock, *ramp.Recorder) {
	m := qdac.NewMock()
	r := &ramp.Recorder{}
	return New(m, r), m, r
}

func TestSetManySharesOneDuration(t *testing.T) {
	c, m, r := setup()
	elapsed, err := c.SetMany([]instrument.ChannelID{1, 2}, []float64{0.5, -0.5})
	if err != nil {
		t.Fatal(err)
	}
	truth, _ := ramp.Duration(0.5, 1)
	if elapsed != truth {
		t.Errorf("expected elapsed %v, got %v", truth, elapsed)
	}
	ramps := m.Ramps()
	if len(ramps) != 1 {
		t.Fatalf("expected exactly one ramp call, got %d", len(ramps))
	}
	want := qdac.RampCall{
		Channels: []instrument.ChannelID{1, 2},
		From:     []float64{0, 0},
		To:       []float64{0.5, -0.5},
		Duration: 500 * time.Millisecond,
	}
	if diff := cmp.Diff(want, ramps[0]); diff != "" {
		t.Errorf("ramp mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{500 * time.Millisecond}, r.Waits()); diff != "" {
		t.Errorf("expected to block for the ramp (-want +got):\n%s", diff)
	}
}

func TestSetUsesLargestDelta(t *testing.T) {
	c, _, r := setup()
	if _, err := c.SetMany([]instrument.ChannelID{1, 2}, []float64{0.1, 0.3}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetMany([]instrument.ChannelID{1, 2}, []float64{-1.9, 0.3}); err != nil {
		t.Fatal(err)
	}
	truth := []time.Duration{300 * time.Millisecond, 2 * time.Second}
	if diff := cmp.Diff(truth, r.Waits()); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroStepStillSettles(t *testing.T) {
	c, _, r := setup()
	elapsed, err := c.Set(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed != ramp.MinSettleTime {
		t.Errorf("expected minimum settle %v, got %v", ramp.MinSettleTime, elapsed)
	}
	if r.Total() != ramp.MinSettleTime {
		t.Errorf("expected to wait %v, waited %v", ramp.MinSettleTime, r.Total())
	}
}

func TestSlopeScalesDuration(t *testing.T) {
	c, _, _ := setup()
	elapsed, err := c.RampMany([]instrument.ChannelID{1}, []float64{1}, 4)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed != 250*time.Millisecond {
		t.Errorf("expected 1 V at 4 V/s to take 250ms, got %v", elapsed)
	}
}

func TestGetScalarAndBatch(t *testing.T) {
	c, _, _ := setup()
	if _, err := c.SetMany([]instrument.ChannelID{5, 6}, []float64{0.25, -0.75}); err != nil {
		t.Fatal(err)
	}
	v, err := c.Get(6)
	if err != nil {
		t.Fatal(err)
	}
	if v != -0.75 {
		t.Errorf("expected -0.75, got %g", v)
	}
	vs, err := c.GetMany([]instrument.ChannelID{5, 6})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.25, -0.75}, vs); diff != "" {
		t.Errorf("get mismatch (-want +got):\n%s", diff)
	}
}

func TestMalformedBatchNeverReachesHardware(t *testing.T) {
	tests := []struct {
		name string
		chs  []instrument.ChannelID
		vs   []float64
	}{
		{"ragged", []instrument.ChannelID{1, 2}, []float64{0}},
		{"duplicate", []instrument.ChannelID{1, 1}, []float64{0, 1}},
		{"nan", []instrument.ChannelID{1}, []float64{nan()}},
		{"zero channel", []instrument.ChannelID{0}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m, r := setup()
			_, err := c.SetMany(tt.chs, tt.vs)
			if !instrument.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
			if len(m.Ramps()) != 0 || len(r.Waits()) != 0 {
				t.Error("expected no ramp and no wait")
			}
		})
	}
}

func TestRampFaultIsInstrumentError(t *testing.T) {
	c, m, r := setup()
	m.FailRampAfter = 0
	_, err := c.Set(1, 1)
	if !instrument.IsInstrument(err) {
		t.Errorf("expected instrument error, got %v", err)
	}
	if len(r.Waits()) != 0 {
		t.Error("expected no wait after a failed ramp")
	}
	m.FailGet = true
	if _, err = c.Get(1); !instrument.IsInstrument(err) {
		t.Errorf("expected instrument error from get, got %v", err)
	}
}
