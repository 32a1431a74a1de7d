// Package generichttp defines route tables and typed JSON payload helpers
// used to expose devices and controllers over HTTP.
package generichttp

import (
	"encoding/json"
	"net/http"
	"strings"

	"goji.io"
	"goji.io/pat"
)

// FloatT is a struct with a single field, F64, used for json (de)serialization
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is like FloatT but holds an int
type IntT struct {
	Int int `json:"int"`
}

// StrT is like FloatT but holds a string
type StrT struct {
	Str string `json:"str"`
}

// BoolT is like FloatT but holds a bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HTTPer is an object that can yield its route table for mounting on a mux
type HTTPer interface {
	RT() RouteTable
}

// RouteTable maps goji patterns to handler funcs
type RouteTable map[goji.Pattern]http.HandlerFunc

// Bind registers every route in the table on mux
func (rt RouteTable) Bind(mux *goji.Mux) {
	for p, h := range rt {
		mux.Handle(p, h)
	}
}

// Endpoints returns the patterns in the route table as strings
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for p := range rt {
		if pp, ok := p.(*pat.Pattern); ok {
			out = append(out, pp.String())
		}
	}
	return out
}

// SubMuxSanitize ensures a URL stem is of the form /stem/* for mounting
// a sub-mux on a parent router
func SubMuxSanitize(stem string) string {
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	stem = strings.TrimSuffix(stem, "/")
	if !strings.HasSuffix(stem, "/*") {
		stem = stem + "/*"
	}
	return stem
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFloat wraps a float-getting function in a handler returning {"f64": v}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, FloatT{F64: f})
	}
}

// SetFloat parses {"f64": v} from the body and calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f FloatT
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(f.F64); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt wraps an int-getting function in a handler returning {"int": v}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, IntT{Int: i})
	}
}

// GetBool wraps a bool-getting function in a handler returning {"bool": v}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, BoolT{Bool: b})
	}
}

// GetString wraps a string-getting function in a handler returning {"str": v}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, StrT{Str: s})
	}
}

// Call wraps an argument-less, void function in a handler
func Call(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
