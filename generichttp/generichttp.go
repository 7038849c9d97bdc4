// Package generichttp wraps getters and setters of lab hardware in HTTP
// handlers, and maps their errors to status codes
package generichttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/server"
	"github.com/nasa-jpl/qdsweep/session"
	"github.com/nasa-jpl/qdsweep/sweep"
)

// Status returns the HTTP status for an error.  Caller errors are 400,
// a closed or interrupted session is 503, and everything else is 500.
func Status(err error) int {
	var ae *sweep.InvalidAxisError
	switch {
	case err == nil:
		return http.StatusOK
	case instrument.IsConfiguration(err), errors.As(err, &ae):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error replies with err and the status that matches it
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Status(err))
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		server.EncodeAndRespond(w, server.FloatT{F64: f})
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := server.FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.F64)
		if err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloats calls a function returning many floats and returns the
// response as json {'f64s': [values]}
func GetFloats(fcn func() ([]float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fs, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		server.EncodeAndRespond(w, server.FloatsT{F64s: fs})
	}
}
