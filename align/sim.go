package align

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/optolab/gratalign/keithley"
	"github.com/optolab/gratalign/thorlabs"
)

// SimStage is a kinematic rotation stage model.  Position integrates
// forward on every query from the commanded motion, so tests and mock-mode
// servers see realistic trajectories without sleeping through them.  The
// zero value is usable; it starts at zero degrees, unhomed, with a fast
// default velocity.
type SimStage struct {
	mu sync.Mutex

	pos    float64 // device degrees
	lastT  time.Time
	homedT time.Time // zero until a home is commanded

	target float64
	moving bool

	freeRun  int // 0 idle, +1 forward, -1 backward
	maxVel   float64
	jogStep  float64
	jogVel   float64
	homeDir  thorlabs.Direction
	initOnce sync.Once

	// SettleBias is added to every move endpoint; set it beyond the
	// verification tolerance to exercise retry exhaustion
	SettleBias float64

	// HomeDelay is how long a homing move takes, 10ms if zero
	HomeDelay time.Duration

	// VelocityCommands records every MoveAtVelocity call
	VelocityCommands []thorlabs.Direction

	// Stops counts StopMotion calls
	Stops int
}

func (s *SimStage) init() {
	s.initOnce.Do(func() {
		s.maxVel = 200
		s.jogVel = defaultJogVelocity
		s.lastT = time.Now()
	})
}

// advance integrates the commanded motion up to now; callers hold mu
func (s *SimStage) advance() {
	now := time.Now()
	dt := now.Sub(s.lastT).Seconds()
	s.lastT = now
	switch {
	case s.freeRun != 0:
		s.pos += float64(s.freeRun) * s.maxVel * dt
	case s.moving:
		remaining := s.target - s.pos
		travel := s.maxVel * dt
		if math.Abs(remaining) <= travel {
			s.pos = s.target + s.SettleBias
			s.moving = false
		} else {
			s.pos += math.Copysign(travel, remaining)
		}
	}
}

// Position returns the modeled device angle
func (s *SimStage) Position() (float64, error) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.pos, nil
}

// MoveBy starts (or, if blocking, completes) a relative move
func (s *SimStage) MoveBy(offsetDeg float64, blocking bool) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.freeRun = 0
	s.target = s.pos + offsetDeg
	s.moving = true
	if blocking {
		s.pos = s.target + s.SettleBias
		s.moving = false
	}
	return nil
}

// MoveHome drives the stage to zero and sets the homed flag after HomeDelay
func (s *SimStage) MoveHome(blocking bool) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	delay := s.HomeDelay
	if delay == 0 {
		delay = 10 * time.Millisecond
	}
	s.freeRun = 0
	s.moving = false
	s.pos = 0
	s.homedT = time.Now().Add(delay)
	if blocking {
		s.mu.Unlock()
		time.Sleep(delay)
		s.mu.Lock()
	}
	return nil
}

// Homed reports whether a commanded home has finished
func (s *SimStage) Homed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.homedT.IsZero() && !time.Now().Before(s.homedT), nil
}

// SetHomeDirection records the homing direction
func (s *SimStage) SetHomeDirection(d thorlabs.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homeDir = d
	return nil
}

// SetVelocityParams sets the modeled slew velocity from the max parameter
func (s *SimStage) SetVelocityParams(min, accel, max float64) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.maxVel = max
	return nil
}

// SetJogStep records the jog step and velocity
func (s *SimStage) SetJogStep(stepDeg, velDegPerSec float64) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jogStep = stepDeg
	s.jogVel = velDegPerSec
	return nil
}

// JogStep returns the last programmed jog step
func (s *SimStage) JogStep() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jogStep
}

// Jog completes one jog step immediately
func (s *SimStage) Jog(d thorlabs.Direction) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	step := s.jogStep
	if d == thorlabs.Backward {
		step = -step
	}
	s.freeRun = 0
	s.pos += step
	return nil
}

// MoveAtVelocity free-runs at the programmed velocity and records the call
func (s *SimStage) MoveAtVelocity(d thorlabs.Direction) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.moving = false
	if d == thorlabs.Backward {
		s.freeRun = -1
	} else {
		s.freeRun = 1
	}
	s.VelocityCommands = append(s.VelocityCommands, d)
	return nil
}

// StopMotion halts any motion
func (s *SimStage) StopMotion(immediate bool) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.freeRun = 0
	s.moving = false
	s.Stops++
	return nil
}

// SimSource is a power supply model that records its programming sequence
type SimSource struct {
	mu sync.Mutex

	// Commands records every call in order, e.g. "RST", "APPL 5 0.05"
	Commands []string

	// On is the modeled output state
	On bool
}

func (s *SimSource) record(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, cmd)
}

// Reset records a reset and disables the output
func (s *SimSource) Reset() error {
	s.record("RST")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.On = false
	return nil
}

// Apply records the programmed voltage and current
func (s *SimSource) Apply(voltage, current float64) error {
	s.record(fmt.Sprintf("APPL %g %g", voltage, current))
	return nil
}

// SetOutput records and tracks the output state
func (s *SimSource) SetOutput(on bool) error {
	if on {
		s.record("OUTP ON")
	} else {
		s.record("OUTP OFF")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.On = on
	return nil
}

// Trigger records the trigger
func (s *SimSource) Trigger() error {
	s.record("TRG")
	return nil
}

// SimAmmeter synthesizes a unimodal detector response over two axes: a
// Gaussian peak in logical (roll, pitch) space.  The SCPI-shaped methods
// are accepted and mostly ignored; buffered capture returns readings of
// the response at drain time.
type SimAmmeter struct {
	mu sync.Mutex

	// Roll and Pitch locate the response in logical angle space; set them
	// to the same axes the controllers drive
	Roll, Pitch *Axis

	// PeakRoll, PeakPitch, PeakCurrent, and Width shape the response.
	// Width defaults to 1 degree, PeakCurrent to 1e-6 A.
	PeakRoll, PeakPitch float64
	PeakCurrent         float64
	Width               float64

	armed    int
	sweeping bool
}

func (a *SimAmmeter) response() (float64, error) {
	r, err := a.Roll.LogicalPosition()
	if err != nil {
		return 0, err
	}
	p, err := a.Pitch.LogicalPosition()
	if err != nil {
		return 0, err
	}
	peak := a.PeakCurrent
	if peak == 0 {
		peak = 1e-6
	}
	w := a.Width
	if w == 0 {
		w = 1
	}
	dr := r - a.PeakRoll
	dp := p - a.PeakPitch
	return peak * math.Exp(-(dr*dr+dp*dp)/(2*w*w)), nil
}

// Configure accepts the integration setting
func (a *SimAmmeter) Configure(nplc float64) error { return nil }

// SetBiasVoltage accepts the bias setting
func (a *SimAmmeter) SetBiasVoltage(v float64) error { return nil }

// ReadCurrent returns the modeled response at the current stage angles
func (a *SimAmmeter) ReadCurrent() (float64, error) {
	return a.response()
}

// ConfigureContinuousTrigger accepts the trigger setting
func (a *SimAmmeter) ConfigureContinuousTrigger() error { return nil }

// Initiate accepts the trigger
func (a *SimAmmeter) Initiate() error { return nil }

// ArmBufferedSweep records the expected sample count
func (a *SimAmmeter) ArmBufferedSweep(start, stop, step float64, delay time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = keithley.SweepArmCount(start, stop, step)
	return a.armed, nil
}

// StartSweep marks the capture running
func (a *SimAmmeter) StartSweep() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweeping = true
	return nil
}

// Abort marks the capture stopped
func (a *SimAmmeter) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweeping = false
	return nil
}

// BufferedSampleCount reports the armed count as fully captured
func (a *SimAmmeter) BufferedSampleCount() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed, nil
}

// DrainBuffer synthesizes n samples of the response
func (a *SimAmmeter) DrainBuffer(n int) ([]keithley.Sample, error) {
	out := make([]keithley.Sample, n)
	for i := range out {
		cur, err := a.response()
		if err != nil {
			return out[:i], err
		}
		out[i] = keithley.Sample{Current: cur, Timestamp: float64(i)}
	}
	return out, nil
}
