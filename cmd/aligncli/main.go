/*aligncli is a command line client for alignsrv.  It starts a procedure,
shows live progress while it runs, and appends the measurements it observes
to a CSV file.  Ctrl-C cancels the procedure on the server before exiting.

Usage:

	aligncli -addr http://localhost:8000 -o run.csv peak-search params.json

where params.json holds the parameter body for the procedure, one of
step-sweep, velocity-sweep, peak-search, or capture.  Files ending in .yml
or .yaml are converted to JSON before posting.
*/
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/optolab/gratalign/align"

	"github.com/go-yaml/yaml"
	"github.com/theckman/yacspin"
)

var (
	addr = flag.String("addr", "http://localhost:8000", "base URL of the alignsrv instance")
	out  = flag.String("o", "", "CSV file to append measurements to (optional)")
	poll = flag.Duration("poll", 500*time.Millisecond, "status poll interval")
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: aligncli [flags] <procedure> <params.json>")
	flag.PrintDefaults()
	os.Exit(2)
}

func post(url string, body []byte) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// loadParams reads a parameter file; YAML files are converted to the JSON
// body the server expects
func loadParams(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".yml") && !strings.HasSuffix(path, ".yaml") {
		return b, nil
	}
	var v interface{}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return json.Marshal(jsonable(v))
}

// jsonable rewrites the interface-keyed maps yaml produces into the
// string-keyed maps encoding/json requires
func jsonable(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = jsonable(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = jsonable(t[i])
		}
		return t
	}
	return v
}

func getJSON(url string, v interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// recorder appends measurements to a CSV file, deduplicating by the
// server's sample counter
type recorder struct {
	w         *csv.Writer
	f         *os.File
	lastCount int
}

func newRecorder(path string) (*recorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	st, err := f.Stat()
	if err == nil && st.Size() == 0 {
		w.Write([]string{"roll_deg", "pitch_deg", "current_A"})
	}
	return &recorder{w: w, f: f}, nil
}

func (r *recorder) record(count int, m align.Measurement) {
	if r == nil || count == r.lastCount {
		return
	}
	r.lastCount = count
	r.w.Write([]string{
		strconv.FormatFloat(m.Roll, 'f', 4, 64),
		strconv.FormatFloat(m.Pitch, 'f', 4, 64),
		strconv.FormatFloat(m.Current, 'e', 6, 64),
	})
}

func (r *recorder) close() {
	if r == nil {
		return
	}
	r.w.Flush()
	r.f.Close()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		usage()
	}
	procedure := flag.Arg(0)
	params, err := loadParams(flag.Arg(1))
	if err != nil {
		log.Fatal(err)
	}

	var rec *recorder
	if *out != "" {
		rec, err = newRecorder(*out)
		if err != nil {
			log.Fatal(err)
		}
		defer rec.close()
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " " + procedure,
		SuffixAutoColon: true,
		StopCharacter:   "done",
		StopFailMessage: "failed",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := post(*addr+"/align/run/"+procedure, params); err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			spinner.Message("cancelling")
			if err := post(*addr+"/align/stop", nil); err != nil {
				spinner.StopFail()
				log.Fatal(err)
			}
		case <-ticker.C:
		}
		var st align.RunnerStatus
		if err := getJSON(*addr+"/align/status", &st); err != nil {
			spinner.StopFail()
			log.Fatal(err)
		}
		var m align.Measurement
		if st.Samples > 0 {
			if err := getJSON(*addr+"/align/latest", &m); err != nil {
				spinner.StopFail()
				log.Fatal(err)
			}
			rec.record(st.Samples, m)
		}
		spinner.Message(fmt.Sprintf("%3.0f%%  %d samples  %.4g A at (%.3f, %.3f)",
			st.Progress*100, st.Samples, m.Current, m.Roll, m.Pitch))
		if !st.Running {
			if st.Error != "" {
				spinner.StopFail()
				log.Fatal(st.Error)
			}
			spinner.Stop()
			return
		}
	}
}
