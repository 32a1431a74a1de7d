/*Package align implements closed-loop angular alignment of a two-axis
(roll/pitch) optical stage against a current-measuring instrument.

The package is organized around two narrow device interfaces, Stage and
Ammeter, satisfied by the thorlabs and keithley drivers (and by the in
package simulators).  On top of those sit the motion orchestration
primitives (MoveStageTo, LevelAxes), the oscillation controller, the
concurrent sampling loop, the hill-climbing peak search, and buffered sweep
capture.  Controllers never talk to each other; they share only the devices
and a context used as a level-triggered cancellation signal, checked at
every poll.
*/
package align

import (
	"math"
	"time"

	"github.com/optolab/gratalign/keithley"
	"github.com/optolab/gratalign/thorlabs"
)

// Stage is one motorized rotation axis.  The thorlabs.RotationStage
// satisfies it; sims satisfy it for tests.  Calls that hit the device
// return transport errors as-is; retry policy lives with the caller.
type Stage interface {
	// Position returns the device-frame angle in degrees
	Position() (float64, error)

	// MoveBy moves by a relative offset in degrees
	MoveBy(offsetDeg float64, blocking bool) error

	// MoveHome starts (or completes, if blocking) a homing move
	MoveHome(blocking bool) error

	// SetHomeDirection programs which way the stage seeks home
	SetHomeDirection(d thorlabs.Direction) error

	// SetVelocityParams programs the move profile in deg/s and deg/s^2
	SetVelocityParams(min, accel, max float64) error

	// SetJogStep programs the jog step size and velocity
	SetJogStep(stepDeg, velDegPerSec float64) error

	// Jog performs one relative move of the programmed jog size
	Jog(d thorlabs.Direction) error

	// MoveAtVelocity free-runs until stopped
	MoveAtVelocity(d thorlabs.Direction) error

	// StopMotion halts the stage, skipping the deceleration profile if
	// immediate
	StopMotion(immediate bool) error

	// Homed reports whether a homing move has completed
	Homed() (bool, error)
}

// Ammeter is the current-measuring instrument.  The keithley.Picoammeter
// satisfies it.
type Ammeter interface {
	Configure(nplc float64) error
	SetBiasVoltage(v float64) error
	ReadCurrent() (float64, error)
	ConfigureContinuousTrigger() error
	Initiate() error
	ArmBufferedSweep(start, stop, step float64, delay time.Duration) (int, error)
	StartSweep() error
	Abort() error
	BufferedSampleCount() (int, error)
	DrainBuffer(n int) ([]keithley.Sample, error)
}

// Source is the power supply driving the optical source.  The agilent.E364A
// satisfies it.
type Source interface {
	Reset() error
	Apply(voltage, current float64) error
	SetOutput(on bool) error
	Trigger() error
}

// Axis binds a stage to its role and mechanical offset.  Offset is the
// device angle at which the logical angle is zero; the pitch stage in
// particular has a large one from how it is mounted.
type Axis struct {
	// Name identifies the axis in logs and errors ("roll", "pitch")
	Name string

	// Stage is the hardware handle
	Stage Stage

	// Offset is the mechanical zero offset in device degrees
	Offset float64

	// HomeDirection is which way this axis homes
	HomeDirection thorlabs.Direction
}

// LogicalPosition returns the offset-corrected angle
func (a *Axis) LogicalPosition() (float64, error) {
	pos, err := a.Stage.Position()
	return pos - a.Offset, err
}

// NormalizeSigned translates pos from the unsigned [0, 360] device range to
// the signed [-180, 180] range.
//
// This is the reference formula, preserved exactly: negative inputs pass
// through unmodified, and inputs in (180, 360) land in (-180, 0).  It is
// idempotent, which is what the retry loop in MoveStageTo relies on.
func NormalizeSigned(pos float64) float64 {
	if pos >= 0 {
		return pos - math.Floor(pos/180)*360
	}
	return pos
}

// Measurement is the unit of output: one instrument reading stamped with
// the logical angles at emission time.  Ordering is emission (time) order.
type Measurement struct {
	Roll    float64 `json:"rollAngle"`
	Pitch   float64 `json:"pitchAngle"`
	Current float64 `json:"detectorCurrent"`

	// running peak fields, populated by the peak search
	PeakValid   bool    `json:"peakValid,omitempty"`
	PeakCurrent float64 `json:"peakCurrent,omitempty"`
	PeakRoll    float64 `json:"peakRoll,omitempty"`
	PeakPitch   float64 `json:"peakPitch,omitempty"`
}

// Recorder receives measurements as they are produced, in order.  The
// parameter/results framework supplies one; it must not block for long.
type Recorder func(Measurement)

// ProgressFunc receives a completion fraction in [0, 1]
type ProgressFunc func(float64)
