package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/qdsweep/dmm"
	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/qdac"
	"github.com/nasa-jpl/qdsweep/ramp"
	"github.com/nasa-jpl/qdsweep/store"
	"github.com/nasa-jpl/qdsweep/sweep"
)

type bench struct {
	dac   *qdac.Mock
	meter *dmm.Mock
	sink  *store.Memory
	log   *bytes.Buffer
	cfg   Config
	opts  Options

	srcDials, meterDials int
	meterErr             error
}

func newBench(t *testing.T) *bench {
	b := &bench{
		dac:   qdac.NewMock(),
		meter: dmm.NewMock(2),
		sink:  store.NewMemory(),
		log:   &bytes.Buffer{},
	}
	b.cfg = Config{
		SourceAddr:    "qdac-" + t.Name(),
		MeterAddr:     "dmm-" + t.Name(),
		Connected:     []int{1, 2, 3, 4},
		Investigation: []int{2, 3},
		ResetChannels: true,
		Experiment:    "test",
		Device:        "test_device",
	}
	b.opts = Options{
		Sink:   b.sink,
		Sleep:  &ramp.Recorder{},
		Logger: log.New(b.log, "", 0),
	}
	return b
}

func (b *bench) dialer() Dialer {
	return DialerFuncs{
		Source: func(string, bool) (instrument.VoltageSource, error) {
			b.srcDials++
			return b.dac, nil
		},
		Meter: func(string) (instrument.Meter, error) {
			b.meterDials++
			if b.meterErr != nil {
				return nil, b.meterErr
			}
			return b.meter, nil
		},
	}
}

func (b *bench) open(t *testing.T) *Session {
	t.Helper()
	s, err := Open(b.cfg, b.dialer(), b.opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestOpenResetsEveryChannel(t *testing.T) {
	b := newBench(t)
	b.open(t)
	if b.dac.Resets() != 1 {
		t.Errorf("expected one reset, got %d", b.dac.Resets())
	}
	for ch := instrument.ChannelID(1); ch <= DefaultNumChannels; ch++ {
		m, _ := b.dac.GetMode(ch)
		sl, _ := b.dac.GetSlope(ch)
		if m != instrument.ModeVHighILow || sl != 1 {
			t.Errorf("%s: expected %s at 1 V/s, got %s at %g", ch, instrument.ModeVHighILow, m, sl)
		}
	}
	if !strings.Contains(b.log.String(), "connected to voltage source") {
		t.Errorf("expected a connection log line, got %q", b.log.String())
	}
}

func TestOpenWithoutReset(t *testing.T) {
	b := newBench(t)
	b.cfg.ResetChannels = false
	b.open(t)
	if b.dac.Resets() != 0 {
		t.Errorf("expected no reset, got %d", b.dac.Resets())
	}
}

func TestOpenMeterFailureClosesSource(t *testing.T) {
	b := newBench(t)
	b.meterErr = errors.New("no route to host")
	_, err := Open(b.cfg, b.dialer(), b.opts)
	if !instrument.IsInstrument(err) {
		t.Errorf("expected instrument error, got %v", err)
	}
	if b.dac.Closes() != 1 {
		t.Errorf("expected the source to be closed once, got %d", b.dac.Closes())
	}
	// the addresses were released
	b.meterErr = nil
	b.open(t)
}

func TestOpenRejectsBadChannels(t *testing.T) {
	tests := []struct {
		name          string
		connected     []int
		investigation []int
	}{
		{"zero", []int{0, 1}, nil},
		{"duplicate", []int{1, 1}, nil},
		{"subset", []int{1, 2}, []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t)
			b.cfg.Connected = tt.connected
			b.cfg.Investigation = tt.investigation
			_, err := Open(b.cfg, b.dialer(), b.opts)
			if !instrument.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
			if b.srcDials+b.meterDials != 0 {
				t.Error("expected nothing to be dialed")
			}
		})
	}
}

func TestOpenRejectsNonFiniteSlope(t *testing.T) {
	for _, slope := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		b := newBench(t)
		b.cfg.Slope = slope
		_, err := Open(b.cfg, b.dialer(), b.opts)
		if !instrument.IsConfiguration(err) {
			t.Errorf("slope %g: expected configuration error, got %v", slope, err)
		}
		if b.srcDials+b.meterDials != 0 {
			t.Errorf("slope %g: expected nothing to be dialed", slope)
		}
	}
}

func TestSecondOpenOnSameAddressRefused(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	_, err := Open(b.cfg, b.dialer(), b.opts)
	if !instrument.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if b.srcDials != 1 {
		t.Errorf("expected the second open not to dial, dialed %d times", b.srcDials)
	}
	s.Close()
	b.open(t)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	s.Close()
	s.Close()
	if b.dac.Closes() != 1 || b.meter.Closes() != 1 {
		t.Errorf("expected one close each, got source %d meter %d", b.dac.Closes(), b.meter.Closes())
	}
	if !s.Closed() {
		t.Error("expected session to report closed")
	}
	if _, err := s.Measure(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCloseSwallowsFaults(t *testing.T) {
	b := newBench(t)
	b.dac.FailClose = true
	s := b.open(t)
	s.Close()
	if b.meter.Closes() != 1 {
		t.Error("expected the meter to be closed after the source failed to close")
	}
	if !strings.Contains(b.log.String(), "closing voltage source") {
		t.Errorf("expected the close fault to be logged, got %q", b.log.String())
	}
}

func TestJumpCheckMeasure(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	vs, err := s.Jump([]float64{0.2, -0.4}, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.2, -0.4}, vs); diff != "" {
		t.Errorf("jump mismatch (-want +got):\n%s", diff)
	}
	all, err := s.Check(false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 0.2, -0.4, 0}, all); diff != "" {
		t.Errorf("check mismatch (-want +got):\n%s", diff)
	}
	v, err := s.Measure()
	if err != nil || v != 2 {
		t.Errorf("expected reading 2, got %g %v", v, err)
	}
}

func TestJumpLengthMismatchClosesSession(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	_, err := s.Jump([]float64{1}, false)
	if !instrument.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if len(b.dac.Ramps()) != 0 {
		t.Error("expected no ramp")
	}
	if !s.Closed() || b.dac.Closes() != 1 {
		t.Error("expected the failed call to close the session")
	}
}

func TestChannelHandles(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	c, err := s.Channel(3)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set(0.75); err != nil {
		t.Fatal(err)
	}
	v, err := c.Get()
	if err != nil || v != 0.75 {
		t.Errorf("expected 0.75, got %g %v", v, err)
	}
	if c.Param() != "qdac_ch03_v" {
		t.Errorf("unexpected param %s", c.Param())
	}
	if _, err := s.Channel(9); !instrument.IsConfiguration(err) {
		t.Errorf("expected configuration error for unconnected channel, got %v", err)
	}
}

func TestSetChannelUnconnected(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	if err := s.SetChannel(17, 1); !instrument.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if b.dac.Voltage(17) != 0 {
		t.Error("expected channel 17 untouched")
	}
}

func TestOverview(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	s.SetChannel(4, -0.5)
	ov, err := s.Overview()
	if err != nil {
		t.Fatal(err)
	}
	if len(ov) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(ov))
	}
	truth := ChannelStatus{Channel: 4, Voltage: -0.5, Mode: instrument.ModeVHighILow, Slope: 1}
	if diff := cmp.Diff(truth, ov[3]); diff != "" {
		t.Errorf("overview mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepThroughSession(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	run, err := s.Sweep2D(context.Background(),
		sweep.Axis{Channel: 2, Start: 0, Stop: 0.5, Steps: 2},
		sweep.Axis{Channel: 3, Start: -0.5, Stop: 0.5, Steps: 3})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := b.sink.Run(run.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 6 || rec.State != "completed" {
		t.Errorf("unexpected record %d samples %s", rec.Count, rec.State)
	}
	for _, s := range rec.Samples {
		if len(s) != 5 {
			t.Errorf("expected 5 entries per sample, got %d", len(s))
		}
	}
	if s.Closed() {
		t.Error("expected a successful sweep to leave the session open")
	}
	if !strings.Contains(b.log.String(), "channels zeroed") {
		t.Error("expected the teardown confirmation to be logged")
	}
}

func TestSweepFaultClosesSession(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	b.meter.FailAfter = 1
	_, err := s.Sweep1D(context.Background(), sweep.Axis{Channel: 1, Start: 0, Stop: 1, Steps: 4}, map[int]float64{4: 0.1})
	if !errors.Is(err, dmm.ErrInjected) {
		t.Errorf("expected the meter fault, got %v", err)
	}
	for ch := instrument.ChannelID(1); ch <= 4; ch++ {
		if v := b.dac.Voltage(ch); v != 0 {
			t.Errorf("expected %s at 0 V, got %g", ch, v)
		}
	}
	if !s.Closed() || b.dac.Closes() != 1 || b.meter.Closes() != 1 {
		t.Error("expected the session to be closed exactly once")
	}
}

func TestSweepInterruptClosesSession(t *testing.T) {
	b := newBench(t)
	s := b.open(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := s.Sweep1D(ctx, sweep.Axis{Channel: 1, Start: 0, Stop: 1, Steps: 4}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if run.State != sweep.Aborted || run.Samples != 0 {
		t.Errorf("unexpected run %v", run)
	}
	if !s.Closed() {
		t.Error("expected the interrupt to close the session")
	}
}

type panicSink struct{ *store.Memory }

func (p *panicSink) AddSample(sweep.RunHandle, sweep.Sample) error {
	panic("sink bug")
}

func TestPanicClosesSessionAndContinues(t *testing.T) {
	b := newBench(t)
	ps := &panicSink{Memory: store.NewMemory()}
	b.opts.Sink = ps
	s := b.open(t)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to reach the caller")
			}
		}()
		s.Sweep1D(context.Background(), sweep.Axis{Channel: 1, Start: 0, Stop: 1, Steps: 2}, nil)
	}()
	if !s.Closed() {
		t.Error("expected the panic to close the session")
	}
	if b.dac.Voltage(1) != 0 {
		t.Error("expected teardown before the panic continued")
	}
}

// closingSink closes the session from another goroutine once it has seen
// at samples, and holds the sweep until the close has been requested
type closingSink struct {
	*store.Memory
	s       *Session
	dac     *qdac.Mock
	at, n   int
	atClose chan int
}

func (c *closingSink) AddSample(h sweep.RunHandle, smp sweep.Sample) error {
	if err := c.Memory.AddSample(h, smp); err != nil {
		return err
	}
	c.n++
	if c.n == c.at {
		go func() {
			c.s.Close()
			c.atClose <- len(c.dac.Ramps())
		}()
		<-c.s.ctx.Done()
	}
	return nil
}

func TestCloseDuringSweepWaitsForTeardown(t *testing.T) {
	b := newBench(t)
	cs := &closingSink{Memory: store.NewMemory(), dac: b.dac, at: 2, atClose: make(chan int, 1)}
	b.opts.Sink = cs
	s := b.open(t)
	cs.s = s
	run, err := s.Sweep1D(context.Background(), sweep.Axis{Channel: 1, Start: 0, Stop: 1, Steps: 6}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the close to interrupt the sweep, got %v", err)
	}
	if run.State != sweep.Aborted || run.Teardown != sweep.TeardownOK || run.Samples != 2 {
		t.Errorf("unexpected run %v", run)
	}
	rampsAtClose := <-cs.atClose
	ramps := b.dac.Ramps()
	if rampsAtClose != len(ramps) {
		t.Errorf("expected no ramps after Close returned, %d before and %d in all", rampsAtClose, len(ramps))
	}
	last := ramps[len(ramps)-1]
	if diff := cmp.Diff([]float64{0, 0, 0, 0}, last.To); diff != "" {
		t.Errorf("expected the last ramp to zero every channel (-want +got):\n%s", diff)
	}
	if !s.Closed() || b.dac.Closes() != 1 || b.meter.Closes() != 1 {
		t.Error("expected the session to be closed exactly once")
	}
}
