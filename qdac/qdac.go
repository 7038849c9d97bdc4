// Package qdac provides an interface to QDevil QDAC-II 24 channel voltage
// sources, and an in-memory mock of the same
package qdac

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/qdsweep/comm"
	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/scpi"
)

const (
	// NumChannels is the number of outputs on a QDAC-II
	NumChannels = 24

	// Baud is the baud rate of the USB virtual COM port
	Baud = 921600
)

// SerialConf yields the serial config for the QDAC's virtual COM port
func SerialConf() *serial.Config {
	return &serial.Config{
		Baud:        Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// DAC is a QDAC-II spoken to in SCPI over LAN or its USB serial port
type DAC struct {
	rd   *comm.RemoteDevice
	scpi *scpi.SCPI
}

// Dial opens a connection to a QDAC.  addr is host:port if isSerial is
// false, else the name of the serial port.  minInterval, if nonzero, paces
// commands.
func Dial(addr string, isSerial bool, minInterval time.Duration) (*DAC, error) {
	var conf *serial.Config
	if isSerial {
		conf = SerialConf()
	}
	rd := comm.NewRemoteDevice(addr, isSerial, &comm.Terminators{Tx: '\n', Rx: '\n'}, conf)
	err := rd.Open()
	if err != nil {
		return nil, errors.Wrap(err, "qdac dial")
	}
	s := &scpi.SCPI{Transport: rd}
	if minInterval > 0 {
		s.Limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &DAC{rd: rd, scpi: s}, nil
}

func validChannel(ch instrument.ChannelID) error {
	if ch < 1 || ch > NumChannels {
		return instrument.Configurationf("qdac has no channel %d", ch)
	}
	return nil
}

// Reset returns the DAC to its power-on state, all outputs at 0 V
func (d *DAC) Reset() error {
	return errors.Wrap(d.scpi.Write("*RST"), "qdac reset")
}

// modeRanges maps a Mode to the output and current sense ranges
var modeRanges = map[instrument.Mode][2]string{
	instrument.ModeVHighILow:  {"HIGH", "LOW"},
	instrument.ModeVHighIHigh: {"HIGH", "HIGH"},
	instrument.ModeVLowILow:   {"LOW", "LOW"},
}

// SetMode configures the output and current sense range of a channel
func (d *DAC) SetMode(ch instrument.ChannelID, m instrument.Mode) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	rng, ok := modeRanges[m]
	if !ok {
		return instrument.Configurationf("unknown mode %q", m)
	}
	cmd := fmt.Sprintf("sour%d:rang %s;:sens%d:rang %s", ch, rng[0], ch, rng[1])
	return errors.Wrapf(d.scpi.Write(cmd), "qdac set mode ch%02d", ch)
}

// GetMode returns the mode of a channel
func (d *DAC) GetMode(ch instrument.ChannelID) (instrument.Mode, error) {
	if err := validChannel(ch); err != nil {
		return "", err
	}
	resp, err := d.scpi.ReadString(fmt.Sprintf("sour%d:rang?;:sens%d:rang?", ch, ch))
	if err != nil {
		return "", errors.Wrapf(err, "qdac get mode ch%02d", ch)
	}
	pieces := strings.Split(strings.ToUpper(resp), ";")
	if len(pieces) != 2 {
		return "", errors.Errorf("qdac mode response %q malformed", resp)
	}
	for m, rng := range modeRanges {
		if strings.HasPrefix(rng[0], pieces[0]) && strings.HasPrefix(rng[1], pieces[1]) {
			return m, nil
		}
	}
	return "", errors.Errorf("qdac mode response %q has no matching mode", resp)
}

// SetSlope configures the slew limit of a channel in V/s
func (d *DAC) SetSlope(ch instrument.ChannelID, vps float64) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	if !(vps > 0) || math.IsInf(vps, 0) {
		return instrument.Configurationf("slope must be positive and finite, got %g", vps)
	}
	cmd := fmt.Sprintf("sour%d:volt:slew %g", ch, vps)
	return errors.Wrapf(d.scpi.Write(cmd), "qdac set slope ch%02d", ch)
}

// GetSlope returns the slew limit of a channel in V/s
func (d *DAC) GetSlope(ch instrument.ChannelID) (float64, error) {
	if err := validChannel(ch); err != nil {
		return 0, err
	}
	f, err := d.scpi.ReadFloat(fmt.Sprintf("sour%d:volt:slew?", ch))
	return f, errors.Wrapf(err, "qdac get slope ch%02d", ch)
}

// Get returns the held voltage of each channel, in one compound query
func (d *DAC) Get(chs []instrument.ChannelID) ([]float64, error) {
	if len(chs) == 0 {
		return []float64{}, nil
	}
	q := make([]string, len(chs))
	for i, ch := range chs {
		if err := validChannel(ch); err != nil {
			return nil, err
		}
		q[i] = fmt.Sprintf("sour%d:volt?", ch)
	}
	fs, err := d.scpi.ReadFloats(strings.Join(q, ";:"))
	if err != nil {
		return nil, errors.Wrap(err, "qdac get")
	}
	if len(fs) != len(chs) {
		return nil, errors.Errorf("qdac get: asked for %d channels, got %d values", len(chs), len(fs))
	}
	return fs, nil
}

// RampCommand builds the single line that moves every channel from its
// from value to its to value in duration.  Each channel slews at
// |to-from|/duration so that all of them arrive together.
func RampCommand(chs []instrument.ChannelID, from, to []float64, duration time.Duration) (string, error) {
	if len(chs) != len(from) || len(chs) != len(to) {
		return "", instrument.Configurationf("ramp of %d channels given %d from and %d to values", len(chs), len(from), len(to))
	}
	if duration <= 0 {
		return "", instrument.Configurationf("ramp duration must be positive, got %v", duration)
	}
	secs := duration.Seconds()
	cmds := make([]string, 0, 2*len(chs))
	for i, ch := range chs {
		if err := validChannel(ch); err != nil {
			return "", err
		}
		delta := math.Abs(to[i] - from[i])
		if delta > 0 {
			cmds = append(cmds, fmt.Sprintf("sour%d:volt:slew %g", ch, delta/secs))
		}
		cmds = append(cmds, fmt.Sprintf("sour%d:volt %g", ch, to[i]))
	}
	return strings.Join(cmds, ";:"), nil
}

// Ramp starts a synchronized ramp of every channel in the batch.  The
// batch goes out as one line, so either all of it reaches the
// instrument or none of it does.
func (d *DAC) Ramp(chs []instrument.ChannelID, from, to []float64, duration time.Duration) (time.Duration, error) {
	if len(chs) == 0 {
		return 0, nil
	}
	cmd, err := RampCommand(chs, from, to, duration)
	if err != nil {
		return 0, err
	}
	err = d.scpi.Write(cmd)
	if err != nil {
		return 0, errors.Wrap(err, "qdac ramp")
	}
	return duration, nil
}

// Close the connection to the DAC
func (d *DAC) Close() error {
	return d.rd.Close()
}
