package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "alignsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `alignsrv drives a two-axis (roll/pitch) grating alignment rig and exposes
the stages, the picoammeter, and the alignment procedures over HTTP.

Usage:
	alignsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `alignsrv is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

The config names two Thorlabs K10CR1-class rotation stages (roll, pitch),
one Keithley 6487 picoammeter, and optionally an Agilent E364A supply that
drives the optical source.  Stages connect over a serial device path or a
host:port to a networked serial server; the ammeter additionally supports
a USBTMC connection selected by VID/PID.  An empty Source address disables
source control.

With Mock: true the hardware is replaced by simulators and only the
procedure endpoints are served; this is useful for exercising clients.

Endpoints:
	/roll/..., /pitch/...   stage position, homing, jogging
	/ammeter/...            current readings, bias voltage, raw SCPI
	/source/...             supply voltage/current readback, output enable
	/align/run/<procedure>  start step-sweep, velocity-sweep, peak-search,
	                        or capture with a JSON parameter body
	/align/status           poll the running procedure
	/align/latest           most recent measurement
	/align/stop             cancel`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("alignsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
