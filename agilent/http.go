package agilent

import (
	"encoding/json"
	"net/http"

	"github.com/optolab/gratalign/generichttp"

	"goji.io/pat"
)

// HTTPWrapper provides HTTP bindings on top of an E364A
type HTTPWrapper struct {
	// Supply is the underlying power supply
	Supply *E364A

	// RouteTable maps goji patterns to http handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(ps *E364A) HTTPWrapper {
	w := HTTPWrapper{Supply: ps}
	rt := generichttp.RouteTable{
		pat.Get("/voltage"):  generichttp.GetFloat(ps.ReadVoltage),
		pat.Get("/current"):  generichttp.GetFloat(ps.ReadCurrent),
		pat.Post("/output"):  w.SetOutput,
		pat.Post("/reset"):   generichttp.Call(ps.Reset),
		pat.Post("/trigger"): generichttp.Call(ps.Trigger),
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetOutput enables or disables the output; the body is {"bool": true}
func (h HTTPWrapper) SetOutput(w http.ResponseWriter, r *http.Request) {
	var b generichttp.BoolT
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Supply.SetOutput(b.Bool); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
