// Package dmm provides access to Keysight 34410A digital multimeters,
// over LAN or USB, and an in-memory mock of the same
package dmm

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/qdsweep/comm"
	"github.com/nasa-jpl/qdsweep/scpi"
	"github.com/nasa-jpl/qdsweep/usbtmc"
)

const (
	// VID is the Keysight (formerly Agilent) USB vendor ID
	VID = 0x0957

	// PID34410A is the USB product ID of the 34410A
	PID34410A = 0x0607

	// SCPIPort is the raw socket port for SCPI over LAN
	SCPIPort = "5025"
)

type transport interface {
	scpi.Transport
	io.Closer
}

// Keysight34410A is a 6.5 digit DMM
type Keysight34410A struct {
	conn transport
	scpi *scpi.SCPI
}

func newMeter(conn transport, minInterval time.Duration) *Keysight34410A {
	s := &scpi.SCPI{Transport: conn}
	if minInterval > 0 {
		s.Limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &Keysight34410A{conn: conn, scpi: s}
}

// Dial connects to a meter.  An addr of "usb" or "usb:VID:PID" (hex) opens
// the meter on USB, anything else is a LAN address; the SCPI port is
// appended if addr has no port.
func Dial(addr string, minInterval time.Duration) (*Keysight34410A, error) {
	if strings.HasPrefix(strings.ToLower(addr), "usb") {
		vid, pid, err := ParseUSBAddr(addr)
		if err != nil {
			return nil, err
		}
		dev, err := usbtmc.NewUSBDevice(vid, pid)
		if err != nil {
			return nil, errors.Wrap(err, "dmm dial usb")
		}
		return newMeter(dev, minInterval), nil
	}
	if !strings.Contains(addr, ":") {
		addr = addr + ":" + SCPIPort
	}
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Tx: '\n', Rx: '\n'}, nil)
	// integration at 100 PLC takes 2 s, leave room for it
	rd.Timeout = 10 * time.Second
	err := rd.Open()
	if err != nil {
		return nil, errors.Wrap(err, "dmm dial")
	}
	return newMeter(rd, minInterval), nil
}

// ParseUSBAddr parses "usb" or "usb:0957:0607" into a vendor and product ID
func ParseUSBAddr(addr string) (uint16, uint16, error) {
	pieces := strings.Split(addr, ":")
	if len(pieces) == 1 {
		return VID, PID34410A, nil
	}
	if len(pieces) != 3 {
		return 0, 0, errors.Errorf("usb address %q is not usb:VID:PID", addr)
	}
	vid, err := strconv.ParseUint(pieces[1], 16, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "usb address %q vendor id", addr)
	}
	pid, err := strconv.ParseUint(pieces[2], 16, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "usb address %q product id", addr)
	}
	return uint16(vid), uint16(pid), nil
}

// ConfigureDCVolts puts the meter in DC volts, autorange, and checks the
// error queue
func (k *Keysight34410A) ConfigureDCVolts() error {
	err := k.scpi.Write("CONF:VOLT:DC AUTO")
	if err == nil {
		err = k.scpi.PopError()
	}
	return errors.Wrap(err, "dmm configure")
}

// SetIntegrationCycles sets the integration window in power line cycles
func (k *Keysight34410A) SetIntegrationCycles(nplc float64) error {
	s := strconv.FormatFloat(nplc, 'G', -1, 64)
	return errors.Wrap(k.scpi.Write("VOLT:DC:NPLC", s), "dmm set nplc")
}

// IntegrationCycles returns the integration window in power line cycles
func (k *Keysight34410A) IntegrationCycles() (float64, error) {
	f, err := k.scpi.ReadFloat("VOLT:DC:NPLC?")
	return f, errors.Wrap(err, "dmm get nplc")
}

// Read triggers and returns one reading
func (k *Keysight34410A) Read() (float64, error) {
	f, err := k.scpi.ReadFloat("READ?")
	return f, errors.Wrap(err, "dmm read")
}

// Close the connection to the meter
func (k *Keysight34410A) Close() error {
	return k.conn.Close()
}
