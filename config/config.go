// Package config loads qdsweep's configuration from defaults and a YAML
// file, and writes it back out
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/session"
)

// FileName is the default name of the configuration file
const FileName = "qdsweep.yml"

// ObjSetup holds the address of one instrument.
// Serial is not always used, and need not be populated in the config file
// if not used.
type ObjSetup struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:5025, or /dev/ttyUSB0 for a serial device.
	// For the meter, "usb" or "usb:VID:PID" selects USB-TMC.
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial" koanf:"Serial"`
}

// Store selects the sink samples are written to
type Store struct {
	// Kind is one of memory, fits, badger
	Kind string `yaml:"Kind" koanf:"Kind"`

	// Path is the directory of a fits or badger store
	Path string `yaml:"Path" koanf:"Path"`
}

// Config is the full configuration of qdsweep
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces the instruments with in-process mocks
	Mock bool `yaml:"Mock" koanf:"Mock"`

	DAC ObjSetup `yaml:"DAC" koanf:"DAC"`
	DMM ObjSetup `yaml:"DMM" koanf:"DMM"`

	ConnectedChannels     []int `yaml:"ConnectedChannels" koanf:"ConnectedChannels"`
	InvestigationChannels []int `yaml:"InvestigationChannels" koanf:"InvestigationChannels"`

	ResetChannels bool    `yaml:"ResetChannels" koanf:"ResetChannels"`
	Slope         float64 `yaml:"Slope" koanf:"Slope"`
	NumChannels   int     `yaml:"NumChannels" koanf:"NumChannels"`
	PrintOverview bool    `yaml:"PrintOverview" koanf:"PrintOverview"`

	Store Store `yaml:"Store" koanf:"Store"`

	Experiment string `yaml:"Experiment" koanf:"Experiment"`
	Device     string `yaml:"Device" koanf:"Device"`

	// NPLC is the meter integration window in power line cycles.
	// Zero leaves the meter as it is found.
	NPLC float64 `yaml:"NPLC" koanf:"NPLC"`

	// CommandInterval is the minimum spacing between SCPI commands
	CommandInterval time.Duration `yaml:"CommandInterval" koanf:"CommandInterval"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Addr:                  ":8000",
		DAC:                   ObjSetup{Addr: "192.168.8.17:5025"},
		DMM:                   ObjSetup{Addr: "192.168.8.18:5025"},
		ConnectedChannels:     []int{},
		InvestigationChannels: []int{},
		ResetChannels:         true,
		Slope:                 1,
		NumChannels:           session.DefaultNumChannels,
		Store:                 Store{Kind: "memory"},
		Experiment:            "test",
		Device:                "test_device",
	}
}

// Load reads the defaults and then the file at path over them.  A missing
// file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			return c, errors.Wrapf(err, "loading %s", path)
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// Validate checks the channel lists and the store
func (c Config) Validate() error {
	seen := map[int]bool{}
	for _, ch := range c.ConnectedChannels {
		if ch < 1 || ch > c.NumChannels {
			return instrument.Configurationf("connected channel %d outside 1..%d", ch, c.NumChannels)
		}
		if seen[ch] {
			return instrument.Configurationf("connected channel %d listed twice", ch)
		}
		seen[ch] = true
	}
	for _, ch := range c.InvestigationChannels {
		if !seen[ch] {
			return instrument.Configurationf("investigation channel %d is not a connected channel", ch)
		}
	}
	if c.NPLC < 0 {
		return instrument.Configurationf("NPLC must not be negative, got %g", c.NPLC)
	}
	if !(c.Slope > 0) {
		return instrument.Configurationf("slope must be positive, got %g", c.Slope)
	}
	switch strings.ToLower(c.Store.Kind) {
	case "memory", "":
	case "fits", "badger":
		if c.Store.Path == "" {
			return instrument.Configurationf("a %s store needs a Path", c.Store.Kind)
		}
	default:
		return instrument.Configurationf("store kind %q is not memory, fits, or badger", c.Store.Kind)
	}
	return nil
}

// Session converts the configuration to a session configuration
func (c Config) Session() session.Config {
	return session.Config{
		SourceAddr:    c.DAC.Addr,
		SourceSerial:  c.DAC.Serial,
		MeterAddr:     c.DMM.Addr,
		Connected:     c.ConnectedChannels,
		Investigation: c.InvestigationChannels,
		ResetChannels: c.ResetChannels,
		NumChannels:   c.NumChannels,
		Slope:         c.Slope,
		Experiment:    c.Experiment,
		Device:        c.Device,
		PrintOverview: c.PrintOverview,
	}
}

// Write encodes c as YAML to w
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// WriteFile encodes c as YAML to the file at path
func WriteFile(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, c)
}
