package main

import (
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/qdsweep/config"
	"github.com/nasa-jpl/qdsweep/dmm"
	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/qdac"
	"github.com/nasa-jpl/qdsweep/server"
	"github.com/nasa-jpl/qdsweep/session"
	"github.com/nasa-jpl/qdsweep/store"
	"github.com/nasa-jpl/qdsweep/sweep"
	"github.com/nasa-jpl/qdsweep/sweephttp"
)

// ParseAxis parses "ch:start:stop:steps", e.g. "3:0:1:101"
func ParseAxis(s string) (sweep.Axis, error) {
	pieces := strings.Split(s, ":")
	if len(pieces) != 4 {
		return sweep.Axis{}, errors.Errorf("axis %q is not ch:start:stop:steps", s)
	}
	ch, err := strconv.Atoi(pieces[0])
	if err != nil {
		return sweep.Axis{}, errors.Wrapf(err, "axis %q channel", s)
	}
	start, err := strconv.ParseFloat(pieces[1], 64)
	if err != nil {
		return sweep.Axis{}, errors.Wrapf(err, "axis %q start", s)
	}
	stop, err := strconv.ParseFloat(pieces[2], 64)
	if err != nil {
		return sweep.Axis{}, errors.Wrapf(err, "axis %q stop", s)
	}
	steps, err := strconv.Atoi(pieces[3])
	if err != nil {
		return sweep.Axis{}, errors.Wrapf(err, "axis %q steps", s)
	}
	return sweep.Axis{Channel: instrument.ChannelID(ch), Start: start, Stop: stop, Steps: steps}, nil
}

// ParseFixed converts {"4": "0.1"} to {4: 0.1}
func ParseFixed(m map[string]string) (map[int]float64, error) {
	out := make(map[int]float64, len(m))
	for k, v := range m {
		ch, err := strconv.Atoi(k)
		if err != nil {
			return nil, errors.Wrapf(err, "fixed channel %q", k)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "fixed voltage %q", v)
		}
		out[ch] = f
	}
	return out, nil
}

// mockDevice is a pretend quantum dot: the meter sees Coulomb oscillations
// in the sum of the investigation gate voltages
func mockDevice(dac *qdac.Mock, gates []int) *dmm.Mock {
	m := dmm.NewMock(0)
	m.Fn = func() float64 {
		var sum float64
		for _, g := range gates {
			sum += dac.Voltage(instrument.ChannelID(g))
		}
		return 1e-3 * math.Pow(math.Cos(4*math.Pi*sum), 8)
	}
	return m
}

// Dialer returns the instrument dialer for c
func Dialer(c config.Config) session.Dialer {
	if c.Mock {
		dac := qdac.NewMock()
		gates := c.InvestigationChannels
		if len(gates) == 0 {
			gates = c.ConnectedChannels
		}
		meter := mockDevice(dac, gates)
		return session.DialerFuncs{
			Source: func(string, bool) (instrument.VoltageSource, error) { return dac, nil },
			Meter:  func(string) (instrument.Meter, error) { return meter, nil },
		}
	}
	return session.DialerFuncs{
		Source: func(addr string, serial bool) (instrument.VoltageSource, error) {
			return qdac.Dial(addr, serial, c.CommandInterval)
		},
		Meter: func(addr string) (instrument.Meter, error) {
			m, err := dmm.Dial(addr, c.CommandInterval)
			if err != nil {
				return nil, err
			}
			if c.NPLC > 0 {
				err = m.ConfigureDCVolts()
				if err == nil {
					err = m.SetIntegrationCycles(c.NPLC)
				}
				if err != nil {
					m.Close()
					return nil, err
				}
			}
			return m, nil
		},
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// BuildSink returns the sink c asks for and a function that releases it
func BuildSink(c config.Config, logger *log.Logger) (sweep.Sink, io.Closer, error) {
	switch strings.ToLower(c.Store.Kind) {
	case "fits":
		f, err := store.NewFITS(c.Store.Path)
		return f, nopCloser{}, err
	case "badger":
		b, err := store.OpenBadger(c.Store.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		return store.NewMemory(), nopCloser{}, nil
	}
}

// BuildMux mounts the session's routes at the root, with request logging
// and a Prometheus scrape endpoint
func BuildMux(s *session.Session, sink sweep.Sink) (chi.Router, sweephttp.HTTPSession) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	h := sweephttp.NewHTTPSession(s, sink)
	root.Method(http.MethodGet, "/metrics", promhttp.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.EncodeAndRespond(w, h.RT().Endpoints())
	})
	root.Mount("/", h.Router())
	return root, h
}
