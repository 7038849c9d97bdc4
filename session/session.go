/*Package session owns the connections to one quantum-dot device's voltage
source and meter for the life of an experiment.

Every public method of a Session is guarded: if it fails or panics, the
session closes its connections before the failure reaches the caller.  A
closed session refuses further use.  Close itself never fails and may be
called any number of times.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/qdsweep/gate"
	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/progress"
	"github.com/nasa-jpl/qdsweep/ramp"
	"github.com/nasa-jpl/qdsweep/sweep"
	"github.com/nasa-jpl/qdsweep/util"
)

// ErrClosed is returned by every method of a closed session
var ErrClosed = errors.New("session is closed")

// DefaultNumChannels is the number of source channels reset at open
const DefaultNumChannels = 24

// Config is the immutable configuration of a session
type Config struct {
	// SourceAddr is the address of the voltage source
	SourceAddr string

	// SourceSerial is true if SourceAddr is a serial port
	SourceSerial bool

	// MeterAddr is the address of the meter
	MeterAddr string

	// Connected are the channels wired to the device, in sample order
	Connected []int

	// Investigation is a named subset of Connected, e.g. the plunger gates
	Investigation []int

	// ResetChannels resets the source and configures every channel at open
	ResetChannels bool

	// NumChannels is the number of source channels configured at reset
	NumChannels int

	// Slope is the slope limit in V/s
	Slope float64

	// Experiment and Device name the runs
	Experiment string
	Device     string

	// PrintOverview logs every connected channel after open
	PrintOverview bool
}

// Dialer connects to instruments
type Dialer interface {
	DialSource(addr string, serial bool) (instrument.VoltageSource, error)
	DialMeter(addr string) (instrument.Meter, error)
}

// DialerFuncs adapts a pair of functions to a Dialer
type DialerFuncs struct {
	Source func(addr string, serial bool) (instrument.VoltageSource, error)
	Meter  func(addr string) (instrument.Meter, error)
}

// DialSource calls d.Source
func (d DialerFuncs) DialSource(addr string, serial bool) (instrument.VoltageSource, error) {
	return d.Source(addr, serial)
}

// DialMeter calls d.Meter
func (d DialerFuncs) DialMeter(addr string) (instrument.Meter, error) {
	return d.Meter(addr)
}

// Options are the collaborators of a session.  The zero value is usable.
type Options struct {
	Sink     sweep.Sink
	Progress progress.Reporter
	Sleep    ramp.Sleeper
	Logger   *log.Logger
}

// registry holds the addresses of every open session
var registry = struct {
	sync.Mutex
	held map[string]struct{}
}{held: make(map[string]struct{})}

func claim(keys ...string) error {
	registry.Lock()
	defer registry.Unlock()
	for _, k := range keys {
		if _, ok := registry.held[k]; ok {
			return instrument.Configurationf("%s is already held by an open session", k)
		}
	}
	for _, k := range keys {
		registry.held[k] = struct{}{}
	}
	return nil
}

func release(keys ...string) {
	registry.Lock()
	defer registry.Unlock()
	for _, k := range keys {
		delete(registry.held, k)
	}
}

// Channel is a handle to one connected channel
type Channel struct {
	ID instrument.ChannelID
	s  *Session
}

// Param is the parameter identity of the channel in samples
func (c *Channel) Param() string {
	return c.ID.Param()
}

// Get returns the held voltage
func (c *Channel) Get() (float64, error) {
	return c.s.GetChannel(int(c.ID))
}

// Set ramps the channel to v
func (c *Channel) Set(v float64) error {
	return c.s.SetChannel(int(c.ID), v)
}

// Session is an open pair of instrument connections
type Session struct {
	cfg    Config
	logger *log.Logger

	src   instrument.VoltageSource
	meter instrument.Meter
	gates *gate.Controller
	eng   *sweep.Engine

	connected     []instrument.ChannelID
	investigation []instrument.ChannelID
	handles       map[instrument.ChannelID]*Channel
	keys          []string

	// mu serializes the public surface
	mu sync.Mutex

	// ctx is cancelled by Close to interrupt a sweep in flight
	ctx    context.Context
	cancel context.CancelFunc

	closeMu     sync.Mutex
	closed      bool
	srcClosed   bool
	meterClosed bool
}

func validate(cfg Config) error {
	seen := make(map[int]bool, len(cfg.Connected))
	for _, ch := range cfg.Connected {
		if ch < 1 {
			return instrument.Configurationf("connected channel %d is not positive", ch)
		}
		if seen[ch] {
			return instrument.Configurationf("connected channel %d listed twice", ch)
		}
		seen[ch] = true
	}
	for _, ch := range cfg.Investigation {
		if !seen[ch] {
			return instrument.Configurationf("investigation channel %d is not a connected channel", ch)
		}
	}
	if !(cfg.Slope >= 0) || math.IsInf(cfg.Slope, 0) {
		return instrument.Configurationf("slope must be positive and finite, got %g", cfg.Slope)
	}
	if cfg.SourceAddr == "" || cfg.MeterAddr == "" {
		return instrument.Configurationf("both a source and a meter address are required")
	}
	return nil
}

// Open connects to the voltage source and meter.  If ResetChannels is set,
// the source is reset and every channel is given the default mode and the
// session slope.  Nothing is left open if Open fails.
func Open(cfg Config, d Dialer, opts Options) (*Session, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Slope == 0 {
		cfg.Slope = ramp.DefaultSlope
	}
	if cfg.NumChannels == 0 {
		cfg.NumChannels = DefaultNumChannels
	}
	cfg.Connected = append([]int{}, cfg.Connected...)
	cfg.Investigation = append([]int{}, cfg.Investigation...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ctx:           ctx,
		cancel:        cancel,
		cfg:           cfg,
		logger:        opts.Logger,
		connected:     instrument.Channels(cfg.Connected),
		investigation: instrument.Channels(cfg.Investigation),
		keys:          []string{"source " + cfg.SourceAddr, "meter " + cfg.MeterAddr},
	}
	if err := claim(s.keys...); err != nil {
		cancel()
		return nil, err
	}
	src, err := d.DialSource(cfg.SourceAddr, cfg.SourceSerial)
	if err != nil {
		cancel()
		release(s.keys...)
		return nil, instrument.Fault("open voltage source "+cfg.SourceAddr, err)
	}
	s.src = src
	meter, err := d.DialMeter(cfg.MeterAddr)
	if err != nil {
		s.srcClosed = true
		if cerr := src.Close(); cerr != nil {
			s.logf("closing voltage source %s after failed open: %v", cfg.SourceAddr, cerr)
		}
		cancel()
		release(s.keys...)
		return nil, instrument.Fault("open meter "+cfg.MeterAddr, err)
	}
	s.meter = meter
	s.logf("connected to voltage source %s and meter %s at %s, gates %s", cfg.SourceAddr, cfg.MeterAddr,
		time.Now().Format(time.RFC3339), util.IntSliceToCSV(cfg.Connected))

	s.gates = gate.New(src, opts.Sleep)
	s.gates.Slope = cfg.Slope
	s.gates.Logger = opts.Logger
	s.handles = make(map[instrument.ChannelID]*Channel, len(s.connected))
	for _, ch := range s.connected {
		s.handles[ch] = &Channel{ID: ch, s: s}
	}
	s.eng = &sweep.Engine{
		Gates:      s.gates,
		Meter:      meter,
		Connected:  s.connected,
		Sink:       opts.Sink,
		Progress:   opts.Progress,
		Sleep:      opts.Sleep,
		Experiment: cfg.Experiment,
		Device:     cfg.Device,
		Logger:     opts.Logger,
	}

	if cfg.ResetChannels {
		if err := s.reset(); err != nil {
			s.close()
			return nil, err
		}
	}
	if cfg.PrintOverview {
		ov, err := s.Overview()
		if err != nil {
			return nil, err
		}
		for _, c := range ov {
			s.logf("%s", c)
		}
	}
	return s, nil
}

func (s *Session) reset() error {
	if err := s.src.Reset(); err != nil {
		return instrument.Fault("reset", err)
	}
	for ch := 1; ch <= s.cfg.NumChannels; ch++ {
		id := instrument.ChannelID(ch)
		if err := s.src.SetMode(id, instrument.ModeVHighILow); err != nil {
			return instrument.Fault("set mode "+id.String(), err)
		}
		if err := s.src.SetSlope(id, s.cfg.Slope); err != nil {
			return instrument.Fault("set slope "+id.String(), err)
		}
	}
	s.logf("voltage source reset, %d channels at %s and %g V/s", s.cfg.NumChannels, instrument.ModeVHighILow, s.cfg.Slope)
	return nil
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// enter locks the session for one public call.  The returned function must
// be deferred; it closes the session if the call failed or panicked.
//
//	defer s.enter()(&err)
func (s *Session) enter() func(*error) {
	s.mu.Lock()
	return func(err *error) {
		defer s.mu.Unlock()
		if r := recover(); r != nil {
			s.logf("closing session after panic: %v", r)
			s.close()
			panic(r)
		}
		if *err != nil && !errors.Is(*err, ErrClosed) {
			s.logf("closing session after error: %v", *err)
			s.close()
		}
	}
}

func (s *Session) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// Closed returns true once the session has been closed
func (s *Session) Closed() bool {
	return s.isClosed()
}

// Connected returns the connected channels
func (s *Session) Connected() []int {
	return append([]int{}, s.cfg.Connected...)
}

// Investigation returns the investigation channels
func (s *Session) Investigation() []int {
	return append([]int{}, s.cfg.Investigation...)
}

// Channel returns the handle of a connected channel
func (s *Session) Channel(ch int) (*Channel, error) {
	c, ok := s.handles[instrument.ChannelID(ch)]
	if !ok {
		return nil, instrument.Configurationf("channel %d is not a connected channel", ch)
	}
	return c, nil
}

func (s *Session) subset(investigation bool) []instrument.ChannelID {
	if investigation {
		return s.investigation
	}
	return s.connected
}

// Jump ramps the investigation channels, or all connected channels, to
// targets and returns their held voltages afterwards
func (s *Session) Jump(targets []float64, investigation bool) (out []float64, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return nil, ErrClosed
	}
	chs := s.subset(investigation)
	if len(targets) != len(chs) {
		return nil, instrument.Configurationf("jump of %d channels given %d targets", len(chs), len(targets))
	}
	if _, err = s.gates.SetMany(chs, targets); err != nil {
		return nil, err
	}
	return s.gates.GetMany(chs)
}

// Check returns the held voltages of the investigation channels, or of all
// connected channels
func (s *Session) Check(investigation bool) (out []float64, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.gates.GetMany(s.subset(investigation))
}

// Measure takes one meter reading
func (s *Session) Measure() (v float64, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return 0, ErrClosed
	}
	v, err = s.meter.Read()
	return v, instrument.Fault("measure", err)
}

// GetChannel returns the held voltage of one connected channel
func (s *Session) GetChannel(ch int) (v float64, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return 0, ErrClosed
	}
	c, err := s.Channel(ch)
	if err != nil {
		return 0, err
	}
	return s.gates.Get(c.ID)
}

// SetChannel ramps one connected channel to v
func (s *Session) SetChannel(ch int, v float64) (err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return ErrClosed
	}
	c, err := s.Channel(ch)
	if err != nil {
		return err
	}
	_, err = s.gates.Set(c.ID, v)
	return err
}

// ChannelStatus is the state of one channel
type ChannelStatus struct {
	Channel int             `json:"channel"`
	Voltage float64         `json:"voltage"`
	Mode    instrument.Mode `json:"mode"`
	Slope   float64         `json:"slope"`
}

func (c ChannelStatus) String() string {
	return fmt.Sprintf("%s: %+.6f V, %s, slope %g V/s", instrument.ChannelID(c.Channel), c.Voltage, c.Mode, c.Slope)
}

// Overview returns the voltage, mode, and slope of every connected channel
func (s *Session) Overview() (out []ChannelStatus, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return nil, ErrClosed
	}
	vs, err := s.gates.GetMany(s.connected)
	if err != nil {
		return nil, err
	}
	out = make([]ChannelStatus, len(s.connected))
	for i, ch := range s.connected {
		m, err := s.src.GetMode(ch)
		if err != nil {
			return nil, instrument.Fault("get mode "+ch.String(), err)
		}
		sl, err := s.src.GetSlope(ch)
		if err != nil {
			return nil, instrument.Fault("get slope "+ch.String(), err)
		}
		out[i] = ChannelStatus{Channel: int(ch), Voltage: vs[i], Mode: m, Slope: sl}
	}
	return out, nil
}

// Sweep1D runs a 1-D sweep; see sweep.Engine.Sweep1D
func (s *Session) Sweep1D(ctx context.Context, axis sweep.Axis, fixed map[int]float64) (run *sweep.Run, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return nil, ErrClosed
	}
	var f map[instrument.ChannelID]float64
	if len(fixed) > 0 {
		f = make(map[instrument.ChannelID]float64, len(fixed))
		for k, v := range fixed {
			f[instrument.ChannelID(k)] = v
		}
	}
	ctx, stop := s.interruptible(ctx)
	defer stop()
	return s.eng.Sweep1D(ctx, axis, f)
}

// Sweep2D runs a 2-D sweep; see sweep.Engine.Sweep2D
func (s *Session) Sweep2D(ctx context.Context, outer, inner sweep.Axis) (run *sweep.Run, err error) {
	defer s.enter()(&err)
	if s.isClosed() {
		return nil, ErrClosed
	}
	ctx, stop := s.interruptible(ctx)
	defer stop()
	return s.eng.Sweep2D(ctx, outer, inner)
}

// interruptible derives a context that is also cancelled by Close
func (s *Session) interruptible(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

// Close interrupts a sweep in flight, waits for it to be torn down, then
// closes both connections, each at most once.  Faults are logged.  Close
// must not be called from a collaborator of the call in flight, e.g. a sink.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
}

// close is Close for callers already holding mu
func (s *Session) close() {
	s.cancel()
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.src != nil && !s.srcClosed {
		s.srcClosed = true
		if err := s.src.Close(); err != nil {
			s.logf("closing voltage source %s: %v", s.cfg.SourceAddr, err)
		}
	}
	if s.meter != nil && !s.meterClosed {
		s.meterClosed = true
		if err := s.meter.Close(); err != nil {
			s.logf("closing meter %s: %v", s.cfg.MeterAddr, err)
		}
	}
	release(s.keys...)
	s.logf("session on %s and %s closed", s.cfg.SourceAddr, s.cfg.MeterAddr)
}
