/*Package comm provides the line-oriented transport used to talk to lab
hardware over TCP or RS-232.

Most usages of this package will boil down to:
	1.  create a RemoteDevice with NewRemoteDevice, giving the terminators
		the remote expects and a serial config if it is on a serial port
	2.  Open it; the connection is retried with an exponential backoff
	3.  SendRecv queries, Send commands
	4.  Close it when done.  Close may be called any number of times.

A minimal example for a meter that responds to "READ?" with a float:

	rd := comm.NewRemoteDevice("192.168.100.12:5025", false, &comm.Terminators{Tx: '\n', Rx: '\n'}, nil)
	err := rd.Open()
	if err != nil {
		return 0, err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("READ?"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(resp), 64)
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// DefaultTimeout is the connect and read/write timeout used when none is given
	DefaultTimeout = 3 * time.Second
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial config
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// RemoteDevice has an address and implements a line-oriented
// Send / Recv over TCP or a serial port.  It is concurrent safe; SendRecv
// holds the lock across the round trip so replies never interleave.
type RemoteDevice struct {
	sync.Mutex

	// Addr is host:port for TCP, or the port name (/dev/ttyUSB0, COM3) for serial
	Addr string

	// Serial selects the serial branch of Open
	Serial bool

	// Timeout is the connect timeout, and the read/write deadline of each call
	Timeout time.Duration

	// Conn is the underlying connection, nil if not open
	Conn io.ReadWriteCloser

	term       Terminators
	serialConf *serial.Config
	rdr        *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  term defaults to
// carriage returns if nil.  serialConf is only used if serial is true; its
// Name is set to addr.
func NewRemoteDevice(addr string, serial bool, term *Terminators, serialConf *serial.Config) *RemoteDevice {
	if term == nil {
		term = &Terminators{Tx: '\r', Rx: '\r'}
	}
	if serialConf != nil {
		serialConf.Name = addr
	}
	return &RemoteDevice{
		Addr:       addr,
		Serial:     serial,
		Timeout:    DefaultTimeout,
		term:       *term,
		serialConf: serialConf}
}

// Open the connection, setting the Conn variable.  A refused connection
// fails immediately; anything else is retried for a few seconds.
func (rd *RemoteDevice) Open() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff, instruments on portservers
	// do not like being connection thrashed
	var lastErr error
	op := func() error {
		err := rd.open()
		if err == nil {
			return nil
		}
		lastErr = err
		errS := strings.ToLower(err.Error())
		if strings.Contains(errS, "refused") || errors.Is(err, ErrNoSerialConf) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		if lastErr != nil {
			return fmt.Errorf("open %s: %w", rd.Addr, lastErr)
		}
		return fmt.Errorf("open %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.Serial {
		if rd.serialConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serialConf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rdr = bufio.NewReader(conn)
	return nil
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

// Close the connection, nil-ing the Conn variable.  Closing a device that
// is not open is a no-op.
func (rd *RemoteDevice) Close() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.rdr = nil
	return err
}

// Send writes data to the remote, appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.Lock()
	defer rd.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.deadline()
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.term.Tx)
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	return rd.recv()
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.deadline()
	buf, err := rd.rdr.ReadBytes(rd.term.Rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{rd.term.Rx})
	// tolerate CRLF when the terminator is LF
	if rd.term.Rx == '\n' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	err := rd.send(b)
	if err != nil {
		return nil, err
	}
	return rd.recv()
}

// deadline refreshes the read/write deadline on network connections
func (rd *RemoteDevice) deadline() {
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
