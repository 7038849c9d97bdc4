package scpi

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// scripted is a Transport which records what was sent and replies from a table
type scripted struct {
	sent    []string
	replies map[string]string
}

func (s *scripted) Send(b []byte) error {
	s.sent = append(s.sent, string(b))
	return nil
}

func (s *scripted) SendRecv(b []byte) ([]byte, error) {
	s.sent = append(s.sent, string(b))
	r, ok := s.replies[string(b)]
	if !ok {
		return nil, errors.New("no reply scripted for " + string(b))
	}
	return []byte(r), nil
}

func TestWriteJoinsCommands(t *testing.T) {
	tr := &scripted{}
	s := SCPI{Transport: tr}
	if err := s.Write("VOLT:DC:NPLC", "10"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"VOLT:DC:NPLC 10"}, tr.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestReadFloatsCompound(t *testing.T) {
	tr := &scripted{replies: map[string]string{"sour1:volt?;:sour2:volt?": "0.5;-0.25\r"}}
	s := SCPI{Transport: tr}
	fs, err := s.ReadFloats("sour1:volt?;:sour2:volt?")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.5, -0.25}, fs); diff != "" {
		t.Errorf("floats mismatch (-want +got):\n%s", diff)
	}
}

func TestHandshakingSurfacesDeviceErrors(t *testing.T) {
	tr := &scripted{replies: map[string]string{
		"VOLT 1;:SYSTem:ERRor?":   `+0,"No error"`,
		"VOLT 999;:SYSTem:ERRor?": `-222,"Data out of range"`,
		"READ?;:SYSTem:ERRor?":    `+1.5E-03;+0,"No error"`,
	}}
	s := SCPI{Transport: tr, Handshaking: true}
	if err := s.Write("VOLT", "1"); err != nil {
		t.Errorf("expected accepted command to succeed, got %v", err)
	}
	err := s.Write("VOLT", "999")
	if err == nil || !strings.Contains(err.Error(), "-222") {
		t.Errorf("expected device error -222, got %v", err)
	}
	f, err := s.ReadFloat("READ?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 1.5e-3 {
		t.Errorf("expected 1.5e-3, got %g", f)
	}
}
