package align

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/optolab/gratalign/generichttp"

	"goji.io/pat"
)

// ProcedureFactory builds a procedure from a JSON parameter document.
// The server registers one per procedure name.
type ProcedureFactory func(params json.RawMessage) (Procedure, error)

// Runner owns at most one running procedure at a time and tracks its
// output for polling clients.
type Runner struct {
	mu sync.Mutex

	cancel   context.CancelFunc
	done     chan struct{}
	name     string
	running  bool
	progress float64
	latest   Measurement
	count    int
	lastErr  error
}

// ErrBusy is returned when a start is attempted while a procedure runs
var ErrBusy = fmt.Errorf("align: a procedure is already running")

// Recorder returns the hook that procedures should emit through
func (r *Runner) Recorder() Recorder {
	return func(m Measurement) {
		r.mu.Lock()
		r.latest = m
		r.count++
		r.mu.Unlock()
	}
}

// ProgressFunc returns the hook that procedures should report through
func (r *Runner) ProgressFunc() ProgressFunc {
	return func(f float64) {
		r.mu.Lock()
		r.progress = f
		r.mu.Unlock()
	}
}

// Start launches the procedure in the background.  It fails with ErrBusy
// if one is already running.
func (r *Runner) Start(name string, p Procedure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.name = name
	r.running = true
	r.progress = 0
	r.count = 0
	r.lastErr = nil
	go func() {
		err := Run(ctx, p)
		cancel()
		r.mu.Lock()
		r.running = false
		r.lastErr = err
		close(r.done)
		r.mu.Unlock()
	}()
	return nil
}

// Stop cancels the running procedure, if any, without waiting for it
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until the current procedure finishes and returns its error.
// It returns immediately when nothing is running.
func (r *Runner) Wait() error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// RunnerStatus is the poll document for clients
type RunnerStatus struct {
	Running   bool    `json:"running"`
	Procedure string  `json:"procedure,omitempty"`
	Progress  float64 `json:"progress"`
	Samples   int     `json:"samples"`
	Error     string  `json:"error,omitempty"`
}

// Status snapshots the runner state
func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunnerStatus{
		Running:   r.running,
		Procedure: r.name,
		Progress:  r.progress,
		Samples:   r.count,
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	return st
}

// Latest returns the most recent measurement
func (r *Runner) Latest() Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// HTTPWrapper exposes a Runner over HTTP: start a named procedure with a
// JSON parameter body, stop it, poll status and the latest measurement.
type HTTPWrapper struct {
	Runner    *Runner
	Factories map[string]ProcedureFactory

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns an HTTP wrapper over the runner with the given
// procedure factories
func NewHTTPWrapper(r *Runner, factories map[string]ProcedureFactory) HTTPWrapper {
	w := HTTPWrapper{Runner: r, Factories: factories}
	w.RouteTable = generichttp.RouteTable{
		pat.Post("/run/:name"): w.Start,
		pat.Post("/stop"):      w.Stop,
		pat.Get("/status"):     w.Status,
		pat.Get("/latest"):     w.Latest,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Start builds the named procedure from the request body and launches it
func (h HTTPWrapper) Start(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	factory, ok := h.Factories[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown procedure %q", name), http.StatusNotFound)
		return
	}
	var params json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	p, err := factory(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Runner.Start(name, p); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop cancels the running procedure
func (h HTTPWrapper) Stop(w http.ResponseWriter, r *http.Request) {
	h.Runner.Stop()
	w.WriteHeader(http.StatusOK)
}

// Status reports the runner state as JSON
func (h HTTPWrapper) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Runner.Status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Latest reports the most recent measurement as JSON
func (h HTTPWrapper) Latest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Runner.Latest()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
