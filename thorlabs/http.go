package thorlabs

import (
	"encoding/json"
	"net/http"

	"github.com/optolab/gratalign/generichttp"

	"goji.io/pat"
)

// HTTPWrapper provides HTTP bindings on top of a RotationStage.
// Bind the route table to a mux to use it.
type HTTPWrapper struct {
	// Stage is the underlying axis that is wrapped
	Stage *RotationStage

	// RouteTable maps goji patterns to http handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(s *RotationStage) HTTPWrapper {
	w := HTTPWrapper{Stage: s}
	rt := generichttp.RouteTable{
		pat.Get("/pos"):    generichttp.GetFloat(s.Position),
		pat.Post("/pos"):   w.MoveRelative,
		pat.Get("/homed"):  generichttp.GetBool(s.Homed),
		pat.Post("/home"):  generichttp.Call(func() error { return s.MoveHome(false) }),
		pat.Post("/jog"):   w.Jog,
		pat.Post("/stop"):  generichttp.Call(func() error { return s.StopMotion(true) }),
		pat.Get("/serial"): generichttp.GetInt(func() (int, error) { return int(s.Serial()), nil }),
		pat.Get("/model"):  generichttp.GetString(func() (string, error) { return s.Model(), nil }),
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// MoveRelative moves the stage by {"f64": offsetDeg}, non-blocking
func (h HTTPWrapper) MoveRelative(w http.ResponseWriter, r *http.Request) {
	var f generichttp.FloatT
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Stage.MoveBy(f.F64, false); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Jog issues a single programmed jog step; the body is {"int": 1} for
// forward or {"int": 2} for backward
func (h HTTPWrapper) Jog(w http.ResponseWriter, r *http.Request) {
	var i generichttp.IntT
	err := json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d := Direction(i.Int)
	if d != Forward && d != Backward {
		http.Error(w, "direction must be 1 (forward) or 2 (backward)", http.StatusBadRequest)
		return
	}
	if err := h.Stage.Jog(d); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
