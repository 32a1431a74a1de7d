package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/optolab/gratalign/agilent"
	"github.com/optolab/gratalign/align"
	"github.com/optolab/gratalign/generichttp"
	"github.com/optolab/gratalign/keithley"
	"github.com/optolab/gratalign/thorlabs"
	"github.com/optolab/gratalign/usbtmc"

	"github.com/optolab/gratalign/comm"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"goji.io"
)

// StageSetup describes one rotation stage and its role
type StageSetup struct {
	// Addr is the serial device path or host:port of the stage
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial selects a serial (true) or TCP (false) connection
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// SerialNumber pins this role to a specific device; zero accepts
	// whatever answers at Addr
	SerialNumber uint32 `yaml:"SerialNumber" koanf:"SerialNumber"`

	// Offset is the device angle of the logical zero in degrees
	Offset float64 `yaml:"Offset" koanf:"Offset"`

	// HomeDirection is 1 (forward) or 2 (backward)
	HomeDirection int `yaml:"HomeDirection" koanf:"HomeDirection"`
}

// SourceSetup describes the optical source power supply
type SourceSetup struct {
	// Addr is the serial device path or host:port of the supply; empty
	// disables source control
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial selects a serial (true) or TCP (false) connection
	Serial bool `yaml:"Serial" koanf:"Serial"`
}

// AmmeterSetup describes the picoammeter connection
type AmmeterSetup struct {
	// Conn is "tcp", "serial", or "usb"
	Conn string `yaml:"Conn" koanf:"Conn"`

	// Addr is the host:port or device path for tcp and serial connections
	Addr string `yaml:"Addr" koanf:"Addr"`

	// VID and PID select the instrument for usb connections
	VID uint16 `yaml:"VID" koanf:"VID"`
	PID uint16 `yaml:"PID" koanf:"PID"`
}

// Config holds the server initialization parameters
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock swaps the hardware for simulators
	Mock bool `yaml:"Mock" koanf:"Mock"`

	Roll    StageSetup   `yaml:"Roll" koanf:"Roll"`
	Pitch   StageSetup   `yaml:"Pitch" koanf:"Pitch"`
	Ammeter AmmeterSetup `yaml:"Ammeter" koanf:"Ammeter"`
	Source  SourceSetup  `yaml:"Source" koanf:"Source"`
}

func defaultConfig() Config {
	return Config{
		Addr: ":8000",
		Roll: StageSetup{
			Addr:          "/dev/ttyUSB0",
			Serial:        true,
			Offset:        45,
			HomeDirection: int(thorlabs.Backward),
		},
		Pitch: StageSetup{
			Addr:          "/dev/ttyUSB1",
			Serial:        true,
			Offset:        -32.7,
			HomeDirection: int(thorlabs.Forward),
		},
		Ammeter: AmmeterSetup{Conn: "serial", Addr: "/dev/ttyUSB2"},
		Source:  SourceSetup{Addr: "/dev/ttyUSB3", Serial: true},
	}
}

// buildAxis opens a stage and verifies its serial number when one is pinned
func buildAxis(name string, s StageSetup) (*align.Axis, error) {
	stage := thorlabs.NewRotationStage(s.Addr, s.Serial)
	info, err := stage.Identify()
	if err != nil {
		return nil, fmt.Errorf("%s stage at %s: %w", name, s.Addr, err)
	}
	if s.SerialNumber != 0 && info.SerialNumber != s.SerialNumber {
		return nil, fmt.Errorf("%s stage at %s has serial %d, config wants %d", name, s.Addr, info.SerialNumber, s.SerialNumber)
	}
	log.Printf("%s stage: %s #%d at %s", name, info.Model, info.SerialNumber, s.Addr)
	return &align.Axis{
		Name:          name,
		Stage:         stage,
		Offset:        s.Offset,
		HomeDirection: thorlabs.Direction(s.HomeDirection),
	}, nil
}

func buildAmmeter(s AmmeterSetup) (*keithley.Picoammeter, error) {
	switch s.Conn {
	case "usb":
		pool := comm.NewPool(1, time.Minute, usbtmc.ConnMaker(s.VID, s.PID))
		return keithley.NewPicoammeterFromPool(pool), nil
	case "serial":
		return keithley.NewPicoammeter(s.Addr, true), nil
	case "tcp", "":
		return keithley.NewPicoammeter(s.Addr, false), nil
	default:
		return nil, fmt.Errorf("unknown ammeter connection type %q", s.Conn)
	}
}

// sweepParams is the request body for step and velocity sweeps
type sweepParams struct {
	BiasVoltage  float64 `json:"biasVoltage"`
	NPLC         float64 `json:"nplc"`
	LaserCurrent float64 `json:"laserCurrent"`
	DelayMS      float64 `json:"delayMS"`

	RollStart    float64 `json:"rollStart"`
	RollStop     float64 `json:"rollStop"`
	RollStep     float64 `json:"rollStep"`
	RollVelocity float64 `json:"rollVelocity"`
	SweepRoll    bool    `json:"sweepRoll"`

	PitchStart float64 `json:"pitchStart"`
	PitchStop  float64 `json:"pitchStop"`
	PitchStep  float64 `json:"pitchStep"`
	SweepPitch bool    `json:"sweepPitch"`
}

// peakParams is the request body for a peak search
type peakParams struct {
	BiasVoltage  float64 `json:"biasVoltage"`
	NPLC         float64 `json:"nplc"`
	LaserCurrent float64 `json:"laserCurrent"`
	DelayMS      float64 `json:"delayMS"`

	RollInit  float64 `json:"rollInit"`
	PitchInit float64 `json:"pitchInit"`

	StepSize            float64 `json:"stepSize"`
	Tolerance           float64 `json:"tolerance"`
	StepFloor           float64 `json:"stepFloor"`
	ReversalThreshold   int     `json:"reversalThreshold"`
	RefinementThreshold int     `json:"refinementThreshold"`
	MaxSamples          int     `json:"maxSamples"`
}

// captureParams is the request body for an oscillating capture
type captureParams struct {
	BiasVoltage  float64 `json:"biasVoltage"`
	NPLC         float64 `json:"nplc"`
	LaserCurrent float64 `json:"laserCurrent"`

	RollMin       float64 `json:"rollMin"`
	RollMax       float64 `json:"rollMax"`
	RollVelocity  float64 `json:"rollVelocity"`
	PitchMin      float64 `json:"pitchMin"`
	PitchMax      float64 `json:"pitchMax"`
	PitchVelocity float64 `json:"pitchVelocity"`
	SampleRate    float64 `json:"sampleRate"`
}

// factories builds the procedure constructors served under /align
func factories(sess align.Session) map[string]align.ProcedureFactory {
	return map[string]align.ProcedureFactory{
		"step-sweep": func(raw json.RawMessage) (align.Procedure, error) {
			var p sweepParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			return &align.StepSweep{
				Session:      sess,
				BiasVoltage:  p.BiasVoltage,
				NPLC:         p.NPLC,
				LaserCurrent: p.LaserCurrent,
				Delay:        time.Duration(p.DelayMS * float64(time.Millisecond)),
				RollStart:   p.RollStart, RollStop: p.RollStop, RollStep: p.RollStep,
				PitchStart: p.PitchStart, PitchStop: p.PitchStop, PitchStep: p.PitchStep,
				SweepRoll: p.SweepRoll, SweepPitch: p.SweepPitch,
			}, nil
		},
		"velocity-sweep": func(raw json.RawMessage) (align.Procedure, error) {
			var p sweepParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			return &align.VelocitySweep{
				Session:      sess,
				BiasVoltage:  p.BiasVoltage,
				NPLC:         p.NPLC,
				LaserCurrent: p.LaserCurrent,
				Delay:        time.Duration(p.DelayMS * float64(time.Millisecond)),
				RollStart:   p.RollStart, RollStop: p.RollStop, RollStep: p.RollStep,
				RollVelocity: p.RollVelocity,
				PitchStart:   p.PitchStart, PitchStop: p.PitchStop, PitchStep: p.PitchStep,
				SweepPitch: p.SweepPitch,
			}, nil
		},
		"peak-search": func(raw json.RawMessage) (align.Procedure, error) {
			var p peakParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			return &align.PeakSearch{
				Session:      sess,
				BiasVoltage:  p.BiasVoltage,
				NPLC:         p.NPLC,
				LaserCurrent: p.LaserCurrent,
				RollInit:     p.RollInit, PitchInit: p.PitchInit,
				Config: align.PeakSearchConfig{
					StepSize:            p.StepSize,
					Tolerance:           p.Tolerance,
					Delay:               time.Duration(p.DelayMS * float64(time.Millisecond)),
					StepFloor:           p.StepFloor,
					ReversalThreshold:   p.ReversalThreshold,
					RefinementThreshold: p.RefinementThreshold,
					MaxSamples:          p.MaxSamples,
				},
			}, nil
		},
		"capture": func(raw json.RawMessage) (align.Procedure, error) {
			var p captureParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			return &align.OscillatingCapture{
				Session:      sess,
				BiasVoltage:  p.BiasVoltage,
				NPLC:         p.NPLC,
				LaserCurrent: p.LaserCurrent,
				RollMin:      p.RollMin, RollMax: p.RollMax, RollVelocity: p.RollVelocity,
				PitchMin: p.PitchMin, PitchMax: p.PitchMax, PitchVelocity: p.PitchVelocity,
				SampleRate: p.SampleRate,
			}, nil
		},
	}
}

// BuildMux connects to (or simulates) the hardware and assembles the root
// router: stage and instrument endpoints plus the procedure runner
func BuildMux(c Config) (chi.Router, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	var (
		rollAx, pitchAx *align.Axis
		am              align.Ammeter
		src             align.Source
	)
	if c.Mock {
		log.Print("mock mode: using simulated stages, ammeter, and source")
		rollAx = &align.Axis{Name: "roll", Stage: &align.SimStage{}, Offset: c.Roll.Offset, HomeDirection: thorlabs.Direction(c.Roll.HomeDirection)}
		pitchAx = &align.Axis{Name: "pitch", Stage: &align.SimStage{}, Offset: c.Pitch.Offset, HomeDirection: thorlabs.Direction(c.Pitch.HomeDirection)}
		am = &align.SimAmmeter{Roll: rollAx, Pitch: pitchAx, PeakCurrent: 1e-6, Width: 1}
		src = &align.SimSource{}
	} else {
		var err error
		if rollAx, err = buildAxis("roll", c.Roll); err != nil {
			return nil, err
		}
		if pitchAx, err = buildAxis("pitch", c.Pitch); err != nil {
			return nil, err
		}
		keith, err := buildAmmeter(c.Ammeter)
		if err != nil {
			return nil, err
		}
		am = keith
		mount(root, "/ammeter", keithley.NewHTTPWrapper(keith))
		mount(root, "/roll", thorlabs.NewHTTPWrapper(rollAx.Stage.(*thorlabs.RotationStage)))
		mount(root, "/pitch", thorlabs.NewHTTPWrapper(pitchAx.Stage.(*thorlabs.RotationStage)))
		if c.Source.Addr != "" {
			supply := agilent.NewE364A(c.Source.Addr, c.Source.Serial)
			src = supply
			mount(root, "/source", agilent.NewHTTPWrapper(supply))
		}
	}

	runner := &align.Runner{}
	sess := align.Session{
		Roll: rollAx, Pitch: pitchAx, Ammeter: am,
		Source:   src,
		Emit:     runner.Recorder(),
		Progress: runner.ProgressFunc(),
		Settle:   align.DefaultSettle(),
	}
	mount(root, "/align", align.NewHTTPWrapper(runner, factories(sess)))
	return root, nil
}

// mount binds a route table to a goji submux and hangs it off the chi root.
// The prefix is stripped before goji sees the path, so route tables stay
// relative.
func mount(root chi.Router, stem string, h generichttp.HTTPer) {
	m := goji.SubMux()
	h.RT().Bind(m)
	pattern := generichttp.SubMuxSanitize(stem)
	prefix := strings.TrimSuffix(pattern, "/*")
	root.Handle(pattern, http.StripPrefix(prefix, m))
}
