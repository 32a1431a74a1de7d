package keithley

import (
	"net/http"

	"github.com/optolab/gratalign/generichttp"

	"goji.io/pat"
)

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface.
// Bind the route table to a mux to use it.
type HTTPWrapper struct {
	// Ammeter is the underlying instrument that is wrapped
	Ammeter *Picoammeter

	// RouteTable maps goji patterns to http handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(am *Picoammeter) HTTPWrapper {
	w := HTTPWrapper{Ammeter: am}
	rt := generichttp.RouteTable{
		pat.Get("/current"):       generichttp.GetFloat(am.ReadCurrent),
		pat.Post("/bias-voltage"): generichttp.SetFloat(am.SetBiasVoltage),
		pat.Post("/nplc"):         generichttp.SetFloat(am.Configure),
		pat.Post("/abort"):        generichttp.Call(am.Abort),
		pat.Get("/buffer-count"):  generichttp.GetInt(am.BufferedSampleCount),
		pat.Post("/raw"):          w.Raw,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Raw forwards a raw SCPI command from the body and returns any response as
// text/plain
func (h HTTPWrapper) Raw(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 256)
	n, _ := r.Body.Read(buf)
	defer r.Body.Close()
	resp, err := h.Ammeter.SCPI.Raw(string(buf[:n]))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(resp))
}
