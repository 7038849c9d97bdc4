/*Package sweephttp exposes a device session over HTTP.

Routes, relative to where the wrapper is mounted:

	GET  /check?inv=false       held voltages, {"f64s": [...]}; inv defaults to true
	POST /jump                  {"targets": [...], "inv": false}
	GET  /measure               one meter reading, {"f64": v}
	GET  /channel/{ch}          held voltage of one channel
	POST /channel/{ch}          {"f64": v} ramps one channel
	GET  /overview              voltage, mode, slope of every channel
	POST /sweep-1d              {"axis": {...}, "fixed": {"4": 0.1}}
	POST /sweep-2d              {"outer": {...}, "inner": {...}}
	GET  /runs                  runs held by the sink, if it can list them
	GET  /runs/{id}/fits        the FITS file of a run, if the sink writes them
	GET  /lock, POST /lock      the request lock

Requests are bounced with 423 while a sweep runs.  Requests the session
would reject are rejected here first, so a malformed request never closes
the session.
*/
package sweephttp

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/qdsweep/generichttp"
	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/server"
	"github.com/nasa-jpl/qdsweep/server/middleware/locker"
	"github.com/nasa-jpl/qdsweep/session"
	"github.com/nasa-jpl/qdsweep/store"
	"github.com/nasa-jpl/qdsweep/sweep"
)

// Lister is a sink which can list its runs
type Lister interface {
	Runs() []store.Record
}

// Filer is a sink which writes one file per run
type Filer interface {
	Path(sweep.RunHandle) (string, bool)
}

// HTTPSession wraps a session in an HTTP interface
type HTTPSession struct {
	S    *session.Session
	Sink sweep.Sink
	Lock *locker.Locker

	RouteTable server.RouteTable
}

// JumpT is the body of a jump request
type JumpT struct {
	Targets       []float64 `json:"targets"`
	Investigation bool      `json:"inv"`
}

// Sweep1DT is the body of a 1-D sweep request
type Sweep1DT struct {
	Axis  sweep.Axis      `json:"axis"`
	Fixed map[int]float64 `json:"fixed"`
}

// Sweep2DT is the body of a 2-D sweep request
type Sweep2DT struct {
	Outer sweep.Axis `json:"outer"`
	Inner sweep.Axis `json:"inner"`
}

// RunT summarizes a finished sweep
type RunT struct {
	Handle   sweep.RunHandle `json:"handle"`
	Name     string          `json:"name"`
	Samples  int             `json:"samples"`
	State    string          `json:"state"`
	Teardown string          `json:"teardown"`
	Error    string          `json:"error,omitempty"`
}

func summarize(run *sweep.Run) RunT {
	out := RunT{
		Handle:   run.Handle,
		Name:     run.Meta.Name,
		Samples:  run.Samples,
		State:    run.State.String(),
		Teardown: run.Teardown.String(),
	}
	if run.Err != nil {
		out.Error = run.Err.Error()
	}
	return out
}

// NewHTTPSession returns a new HTTP wrapper with the route table populated
func NewHTTPSession(s *session.Session, sink sweep.Sink) HTTPSession {
	w := HTTPSession{S: s, Sink: sink, Lock: locker.New(), RouteTable: server.RouteTable{}}
	rt := w.RouteTable
	rt[server.MethodPath{Method: http.MethodGet, Path: "/check"}] = w.Check
	rt[server.MethodPath{Method: http.MethodPost, Path: "/jump"}] = w.Jump
	rt[server.MethodPath{Method: http.MethodGet, Path: "/measure"}] = generichttp.GetFloat(s.Measure)
	rt[server.MethodPath{Method: http.MethodGet, Path: "/channel/{ch}"}] = w.GetChannel
	rt[server.MethodPath{Method: http.MethodPost, Path: "/channel/{ch}"}] = w.SetChannel
	rt[server.MethodPath{Method: http.MethodGet, Path: "/overview"}] = w.Overview
	rt[server.MethodPath{Method: http.MethodPost, Path: "/sweep-1d"}] = w.Sweep1D
	rt[server.MethodPath{Method: http.MethodPost, Path: "/sweep-2d"}] = w.Sweep2D
	rt[server.MethodPath{Method: http.MethodGet, Path: "/runs"}] = w.Runs
	rt[server.MethodPath{Method: http.MethodGet, Path: "/runs/{id}/fits"}] = w.RunFile
	locker.Inject(w, w.Lock)
	return w
}

// RT satisfies server.HTTPer
func (h HTTPSession) RT() server.RouteTable {
	return h.RouteTable
}

// Router returns a chi router with every route bound behind the lock
func (h HTTPSession) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.Lock.Check)
	h.RouteTable.Bind(r)
	return r
}

func (h HTTPSession) connected(ch int) bool {
	for _, c := range h.S.Connected() {
		if c == ch {
			return true
		}
	}
	return false
}

func (h HTTPSession) channel(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil {
		http.Error(w, "channel must be an integer", http.StatusBadRequest)
		return 0, false
	}
	if !h.connected(ch) {
		generichttp.Error(w, instrument.Configurationf("channel %d is not a connected channel", ch))
		return 0, false
	}
	return ch, true
}

// Check replies with the held voltages of the investigation channels, or
// of all connected channels if the query has inv=false
func (h HTTPSession) Check(w http.ResponseWriter, r *http.Request) {
	inv := true
	if q := r.URL.Query().Get("inv"); q != "" {
		var err error
		inv, err = strconv.ParseBool(q)
		if err != nil {
			http.Error(w, "inv must be a bool", http.StatusBadRequest)
			return
		}
	}
	generichttp.GetFloats(func() ([]float64, error) {
		return h.S.Check(inv)
	})(w, r)
}

// Jump ramps a subset of channels to targets
func (h HTTPSession) Jump(w http.ResponseWriter, r *http.Request) {
	j := JumpT{}
	err := json.NewDecoder(r.Body).Decode(&j)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := len(h.S.Connected())
	if j.Investigation {
		n = len(h.S.Investigation())
	}
	if len(j.Targets) != n {
		generichttp.Error(w, instrument.Configurationf("jump of %d channels given %d targets", n, len(j.Targets)))
		return
	}
	generichttp.GetFloats(func() ([]float64, error) {
		return h.S.Jump(j.Targets, j.Investigation)
	})(w, r)
}

// GetChannel replies with the held voltage of one channel
func (h HTTPSession) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	generichttp.GetFloat(func() (float64, error) {
		return h.S.GetChannel(ch)
	})(w, r)
}

// SetChannel ramps one channel
func (h HTTPSession) SetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	generichttp.SetFloat(func(v float64) error {
		return h.S.SetChannel(ch, v)
	})(w, r)
}

// Overview replies with the state of every connected channel
func (h HTTPSession) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.S.Overview()
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.EncodeAndRespond(w, ov)
}

func (h HTTPSession) checkAxis(a sweep.Axis) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if !h.connected(int(a.Channel)) {
		return instrument.Configurationf("channel %d is not a connected channel", a.Channel)
	}
	return nil
}

// runSweep holds the lock for the duration of fcn and replies with the run
func (h HTTPSession) runSweep(w http.ResponseWriter, fcn func() (*sweep.Run, error)) {
	if !h.Lock.TryLock() {
		w.WriteHeader(http.StatusLocked)
		return
	}
	defer h.Lock.Unlock()
	run, err := fcn()
	if run == nil {
		generichttp.Error(w, err)
		return
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(generichttp.Status(err))
		json.NewEncoder(w).Encode(summarize(run))
		return
	}
	server.EncodeAndRespond(w, summarize(run))
}

// Sweep1D runs a 1-D sweep and replies with its summary
func (h HTTPSession) Sweep1D(w http.ResponseWriter, r *http.Request) {
	req := Sweep1DT{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.checkAxis(req.Axis); err != nil {
		generichttp.Error(w, err)
		return
	}
	for ch := range req.Fixed {
		if !h.connected(ch) || ch == int(req.Axis.Channel) {
			generichttp.Error(w, instrument.Configurationf("channel %d cannot be held fixed", ch))
			return
		}
	}
	h.runSweep(w, func() (*sweep.Run, error) {
		return h.S.Sweep1D(r.Context(), req.Axis, req.Fixed)
	})
}

// Sweep2D runs a 2-D sweep and replies with its summary
func (h HTTPSession) Sweep2D(w http.ResponseWriter, r *http.Request) {
	req := Sweep2DT{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, a := range []sweep.Axis{req.Outer, req.Inner} {
		if err = h.checkAxis(a); err != nil {
			generichttp.Error(w, err)
			return
		}
	}
	if req.Outer.Channel == req.Inner.Channel {
		generichttp.Error(w, instrument.Configurationf("channel %d cannot be both axes", req.Outer.Channel))
		return
	}
	h.runSweep(w, func() (*sweep.Run, error) {
		return h.S.Sweep2D(r.Context(), req.Outer, req.Inner)
	})
}

// Runs lists the runs held by the sink
func (h HTTPSession) Runs(w http.ResponseWriter, r *http.Request) {
	l, ok := h.Sink.(Lister)
	if !ok {
		http.Error(w, "sink cannot list runs", http.StatusNotImplemented)
		return
	}
	server.EncodeAndRespond(w, l.Runs())
}

// RunFile serves the file a run was written to
func (h HTTPSession) RunFile(w http.ResponseWriter, r *http.Request) {
	f, ok := h.Sink.(Filer)
	if !ok {
		http.Error(w, "sink does not write files", http.StatusNotImplemented)
		return
	}
	p, ok := f.Path(sweep.RunHandle(chi.URLParam(r, "id")))
	if !ok {
		http.Error(w, "no file for run", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, filepath.Base(p), filepath.Dir(p))
}
