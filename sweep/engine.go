/*Package sweep sequences 1-D and 2-D voltage sweeps.

An Engine moves the swept gates through their setpoints, lets each point
settle, reads the meter, and streams one Sample per point to a Sink.  No
matter how a sweep ends, every connected channel is ramped back to 0 V in a
single batch before the sweep call returns.

Cancellation of the context is honored between points only.  A ramp in
progress is always allowed to finish.
*/
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nasa-jpl/qdsweep/gate"
	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/progress"
	"github.com/nasa-jpl/qdsweep/ramp"
	"github.com/nasa-jpl/qdsweep/util"
)

// SettleCycles is the number of meter integration times waited before each
// reading
const SettleCycles = 3

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qdsweep_sweep_runs_total",
		Help: "Sweeps by kind and final state",
	}, []string{"kind", "state"})
	samplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qdsweep_sweep_samples_total",
		Help: "Samples emitted to the sink",
	})
	teardownFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qdsweep_sweep_teardown_failures_total",
		Help: "Teardowns that failed to zero the channels",
	})
	sweepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qdsweep_sweep_seconds",
		Help:    "Wall time of sweeps, teardown included",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"kind"})
)

// Engine runs sweeps on one voltage source and one meter
type Engine struct {
	// Gates controls the voltage source
	Gates *gate.Controller

	// Meter is read once per sample
	Meter instrument.Meter

	// Connected are the channels tracked in every sample and zeroed at
	// teardown, in sample order
	Connected []instrument.ChannelID

	// Sink receives the samples.  nil discards them.
	Sink Sink

	// Progress is told about every step.  nil reports nothing.
	Progress progress.Reporter

	// Sleep is used for the meter settle.  nil sleeps on the wall clock.
	Sleep ramp.Sleeper

	// Experiment and Device are passed through to the sink
	Experiment string
	Device     string

	// Logger receives teardown and progress faults.  nil uses the
	// standard logger.
	Logger *log.Logger
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e *Engine) sink() Sink {
	if e.Sink == nil {
		return discard{}
	}
	return e.Sink
}

func (e *Engine) sleep(d time.Duration) {
	if e.Sleep == nil {
		ramp.RealTime.Sleep(d)
		return
	}
	e.Sleep.Sleep(d)
}

// advance and reset shield the sweep from a faulty reporter
func (e *Engine) advance(label string) {
	if e.Progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logf("progress reporter panicked on advance of %s: %v", label, r)
		}
	}()
	e.Progress.Advance(label, 1)
}

func (e *Engine) reset(label string, total int) {
	if e.Progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logf("progress reporter panicked on reset of %s: %v", label, r)
		}
	}()
	e.Progress.Reset(label)
	if t, ok := e.Progress.(progress.Totaler); ok {
		t.Total(label, total)
	}
}

// IsConnected returns true if ch is one of the connected channels
func (e *Engine) IsConnected(ch instrument.ChannelID) bool {
	for _, c := range e.Connected {
		if c == ch {
			return true
		}
	}
	return false
}

func (e *Engine) checkAxis(a Axis) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if !e.IsConnected(a.Channel) {
		return instrument.Configurationf("channel %d is not a connected channel", a.Channel)
	}
	return nil
}

func (e *Engine) params() []string {
	out := make([]string, 0, len(e.Connected)+1)
	for _, ch := range e.Connected {
		out = append(out, ch.Param())
	}
	return append(out, instrument.MeterParam)
}

// Teardown ramps every connected channel to 0 V in one batch
func (e *Engine) Teardown() error {
	if len(e.Connected) == 0 {
		return nil
	}
	zeros := make([]float64, len(e.Connected))
	_, err := e.Gates.SetMany(e.Connected, zeros)
	if err != nil {
		teardownFailures.Inc()
		e.logf("teardown failed, channels %v may still be biased: %v", e.Connected, err)
		return errors.Wrap(err, "teardown")
	}
	e.logf("channels zeroed: %v", e.Connected)
	return nil
}

// Sweep1D steps axis.Channel through its setpoints and takes one sample at
// each.  Channels in fixed are set together once before the first point
// and held.
func (e *Engine) Sweep1D(ctx context.Context, axis Axis, fixed map[instrument.ChannelID]float64) (*Run, error) {
	if err := e.checkAxis(axis); err != nil {
		return nil, err
	}
	var fixedChs []instrument.ChannelID
	var fixedVs []float64
	for _, ch := range e.Connected {
		v, ok := fixed[ch]
		if !ok {
			continue
		}
		if ch == axis.Channel {
			return nil, instrument.Configurationf("channel %d is both swept and fixed", ch)
		}
		if !util.Finite(v) {
			return nil, instrument.Configurationf("fixed voltage %g on channel %d is not finite", v, ch)
		}
		fixedChs = append(fixedChs, ch)
		fixedVs = append(fixedVs, v)
	}
	if len(fixedChs) != len(fixed) {
		return nil, instrument.Configurationf("fixed channels %v are not all connected channels", keys(fixed))
	}
	meta := RunMeta{Name: "1d_sweep", Axes: []Axis{axis}, Fixed: fixed}
	return e.run(ctx, meta, func(run *Run, settle time.Duration) error {
		overrides := make(map[instrument.ChannelID]float64, len(fixed)+1)
		if len(fixedChs) > 0 {
			if _, err := e.Gates.SetMany(fixedChs, fixedVs); err != nil {
				return err
			}
			for i, ch := range fixedChs {
				overrides[ch] = fixedVs[i]
			}
		}
		e.reset(axis.Label(), axis.Steps)
		for _, v := range axis.Setpoints() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.Gates.Set(axis.Channel, v); err != nil {
				return err
			}
			overrides[axis.Channel] = v
			e.advance(axis.Label())
			if err := e.sample(run, overrides, settle); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sweep2D sweeps inner completely at every setpoint of outer.  The outer
// channel is set once per outer step.
func (e *Engine) Sweep2D(ctx context.Context, outer, inner Axis) (*Run, error) {
	if err := e.checkAxis(outer); err != nil {
		return nil, err
	}
	if err := e.checkAxis(inner); err != nil {
		return nil, err
	}
	if outer.Channel == inner.Channel {
		return nil, instrument.Configurationf("channel %d cannot be both the outer and inner axis", outer.Channel)
	}
	meta := RunMeta{Name: "2d_sweep", Axes: []Axis{outer, inner}}
	return e.run(ctx, meta, func(run *Run, settle time.Duration) error {
		overrides := make(map[instrument.ChannelID]float64, 2)
		innerPts := inner.Setpoints()
		e.reset(outer.Label(), outer.Steps)
		for _, vo := range outer.Setpoints() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.Gates.Set(outer.Channel, vo); err != nil {
				return err
			}
			overrides[outer.Channel] = vo
			e.advance(outer.Label())
			e.reset(inner.Label(), inner.Steps)
			for _, vi := range innerPts {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := e.Gates.Set(inner.Channel, vi); err != nil {
					return err
				}
				overrides[inner.Channel] = vi
				e.advance(inner.Label())
				if err := e.sample(run, overrides, settle); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// sample waits for the meter to settle, then snapshots the channels, reads
// the meter, and emits the sample
func (e *Engine) sample(run *Run, overrides map[instrument.ChannelID]float64, settle time.Duration) error {
	e.sleep(settle)
	s, err := Snapshot(e.Gates, e.Connected, overrides)
	if err != nil {
		return err
	}
	reading, err := e.Meter.Read()
	if err != nil {
		return instrument.Fault("meter read", err)
	}
	s = append(s, Entry{Param: instrument.MeterParam, Value: reading})
	if err := e.sink().AddSample(run.Handle, s); err != nil {
		return errors.Wrapf(err, "persist sample %d", run.Samples)
	}
	run.Samples++
	samplesTotal.Inc()
	return nil
}

// run executes body with teardown guaranteed on every exit.  A teardown
// fault is surfaced only when body succeeded; otherwise body's error wins.
// A panic in body is torn down and re-raised.
func (e *Engine) run(ctx context.Context, meta RunMeta, body func(*Run, time.Duration) error) (run *Run, err error) {
	start := time.Now()
	meta.Experiment = e.Experiment
	meta.Device = e.Device
	meta.Params = e.params()
	meta.Started = start
	run = &Run{Meta: meta, State: Running}
	panicked := true
	defer func() {
		switch {
		case panicked:
			run.State = Failed
		case err == nil:
			run.State = Completed
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			run.State = Aborted
		default:
			run.State = Failed
		}
		if terr := e.Teardown(); terr != nil {
			run.Teardown = TeardownFailed
			if err == nil && !panicked {
				err = terr
				run.State = Failed
			}
		} else {
			run.Teardown = TeardownOK
		}
		if run.began {
			if serr := e.sink().EndRun(run.Handle, run.State); serr != nil {
				e.logf("ending run %s: %v", run.Handle, serr)
				if err == nil && !panicked {
					err = errors.Wrap(serr, "end run")
					run.State = Failed
				}
			}
		}
		run.Err = err
		runsTotal.WithLabelValues(meta.Name, run.State.String()).Inc()
		sweepSeconds.WithLabelValues(meta.Name).Observe(time.Since(start).Seconds())
	}()

	err = func() error {
		itime, err := instrument.IntegrationTime(e.Meter)
		if err != nil {
			return err
		}
		run.Meta.IntegrationTime = itime
		h, err := e.sink().BeginRun(run.Meta)
		if err != nil {
			return errors.Wrap(err, "begin run")
		}
		run.Handle = h
		run.began = true
		return body(run, SettleCycles*itime)
	}()
	panicked = false
	return run, err
}

func keys(m map[instrument.ChannelID]float64) []instrument.ChannelID {
	out := make([]instrument.ChannelID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// String summarizes the run
func (r *Run) String() string {
	return fmt.Sprintf("%s %s: %d samples, %s, teardown %s", r.Meta.Name, r.Handle, r.Samples, r.State, r.Teardown)
}
