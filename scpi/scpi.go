// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// Transport moves one line to and from the device, terminators excluded
type Transport interface {
	Send([]byte) error
	SendRecv([]byte) ([]byte, error)
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	// Transport is the line transport to the device
	Transport Transport

	// Limiter paces commands to the device, if not nil.  Some instruments
	// drop input if their command buffer is flooded.
	Limiter *rate.Limiter

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

func (s *SCPI) wait() {
	if s.Limiter != nil {
		s.Limiter.Wait(context.Background())
	}
}

// Write sends a command to the device.  Multiple commands are joined with
// a space, so Write("VOLT", "1") sends "VOLT 1".  If s.Handshaking == true,
// it also requests an error response and checks that it is OK
func (s *SCPI) Write(cmds ...string) error {
	s.wait()
	str := strings.Join(cmds, " ")
	if s.Handshaking {
		resp, err := s.Transport.SendRecv([]byte(str + ";:SYSTem:ERRor?"))
		if err != nil {
			return err
		}
		return checkErr(string(resp))
	}
	return s.Transport.Send([]byte(str))
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	s.wait()
	str := strings.Join(cmds, " ")
	if s.Handshaking {
		str += ";:SYSTem:ERRor?"
	}
	resp, err := s.Transport.SendRecv([]byte(str))
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		idx := strings.LastIndexByte(string(resp), ';')
		if idx < 0 {
			return resp, fmt.Errorf("handshake missing from response %q", resp)
		}
		if err := checkErr(string(resp[idx+1:])); err != nil {
			return resp[:idx], err
		}
		return resp[:idx], nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadFloats sends a compound query and parses the ';' or ','
// separated response as floats
func (s *SCPI) ReadFloats(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	pieces := strings.FieldsFunc(resp, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		out[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return checkErr(str)
}

// checkErr converts a SYST:ERR? response into an error, nil for +0 / 0
func checkErr(str string) error {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "+0") || strings.HasPrefix(str, "0,") || str == "0" {
		return nil
	}
	return fmt.Errorf("device error: %s", str)
}
