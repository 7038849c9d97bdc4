/*Package gate controls the voltages of the device gates.

Every change of voltage is a ramp.  A Controller reads the held voltages,
computes one ramp duration from the largest step in the batch, starts the
whole batch on the source at once, and then blocks until the ramp is done.
When Set or SetMany returns, the outputs have settled at their targets.
*/
package gate

import (
	"log"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/ramp"
	"github.com/nasa-jpl/qdsweep/util"
)

var (
	rampTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qdsweep_gate_ramps_total",
		Help: "Total number of batched ramps started on the voltage source",
	})
	rampSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qdsweep_gate_ramp_seconds",
		Help:    "Duration of batched ramps",
		Buckets: []float64{0.002, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
	rampFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qdsweep_gate_ramp_faults_total",
		Help: "Total number of ramps the voltage source refused or failed",
	})
)

// Controller ramps channels of a VoltageSource at a bounded slope
type Controller struct {
	src   instrument.VoltageSource
	sleep ramp.Sleeper

	// Slope is the slope limit used by Set and SetMany, V/s
	Slope float64

	// Logger is used for ramp faults.  nil uses the standard logger.
	Logger *log.Logger
}

// New returns a Controller on src.  sleep may be nil for wall-clock waits.
func New(src instrument.VoltageSource, sleep ramp.Sleeper) *Controller {
	if sleep == nil {
		sleep = ramp.RealTime
	}
	return &Controller{src: src, sleep: sleep, Slope: ramp.DefaultSlope}
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Get returns the held voltage of one channel
func (c *Controller) Get(ch instrument.ChannelID) (float64, error) {
	vs, err := c.GetMany([]instrument.ChannelID{ch})
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

// GetMany returns the held voltage of each channel, in order
func (c *Controller) GetMany(chs []instrument.ChannelID) ([]float64, error) {
	if err := checkChannels(chs); err != nil {
		return nil, err
	}
	if len(chs) == 0 {
		return []float64{}, nil
	}
	vs, err := c.src.Get(chs)
	if err != nil {
		return nil, instrument.Fault("get", err)
	}
	if len(vs) != len(chs) {
		return nil, instrument.Fault("get", errors.Errorf("asked for %d channels, got %d values", len(chs), len(vs)))
	}
	return vs, nil
}

// Set ramps one channel to v and returns once it has settled
func (c *Controller) Set(ch instrument.ChannelID, v float64) (time.Duration, error) {
	return c.RampMany([]instrument.ChannelID{ch}, []float64{v}, c.Slope)
}

// SetMany ramps every channel to its target together and returns once all of
// them have settled
func (c *Controller) SetMany(chs []instrument.ChannelID, vs []float64) (time.Duration, error) {
	return c.RampMany(chs, vs, c.Slope)
}

// RampMany is SetMany with an explicit slope limit.  The batch shares one
// duration, that of its largest step.  Nothing reaches the source if the
// batch is malformed.
func (c *Controller) RampMany(chs []instrument.ChannelID, vs []float64, slope float64) (time.Duration, error) {
	if len(chs) != len(vs) {
		return 0, instrument.Configurationf("set of %d channels given %d targets", len(chs), len(vs))
	}
	if err := checkChannels(chs); err != nil {
		return 0, err
	}
	if !util.Finite(vs...) {
		return 0, instrument.Configurationf("non-finite target in %v", vs)
	}
	if !util.Finite(slope) || slope <= 0 {
		return 0, instrument.Configurationf("ramp slope must be positive and finite, got %g", slope)
	}
	if len(chs) == 0 {
		return 0, nil
	}
	from, err := c.GetMany(chs)
	if err != nil {
		return 0, err
	}
	d, err := ramp.Duration(MaxDelta(from, vs), slope)
	if err != nil {
		return 0, err
	}
	elapsed, err := c.src.Ramp(chs, from, vs, d)
	if err != nil {
		rampFaults.Inc()
		c.logf("ramp of %v to %v failed: %v", chs, vs, err)
		return 0, instrument.Fault("ramp", err)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	c.sleep.Sleep(elapsed)
	rampTotal.Inc()
	rampSeconds.Observe(elapsed.Seconds())
	return elapsed, nil
}

// MaxDelta returns the largest |to[i]-from[i]|
func MaxDelta(from, to []float64) float64 {
	var m float64
	for i := range from {
		m = math.Max(m, math.Abs(to[i]-from[i]))
	}
	return m
}

func checkChannels(chs []instrument.ChannelID) error {
	seen := make(map[instrument.ChannelID]struct{}, len(chs))
	for _, ch := range chs {
		if ch < 1 {
			return instrument.Configurationf("channel %d is not a valid channel", ch)
		}
		if _, ok := seen[ch]; ok {
			return instrument.Configurationf("channel %d appears twice in one batch", ch)
		}
		seen[ch] = struct{}{}
	}
	return nil
}
