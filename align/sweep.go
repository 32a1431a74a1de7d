package align

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/optolab/gratalign/keithley"
	"github.com/optolab/gratalign/thorlabs"
)

// SweepConfig parameterizes one buffered velocity sweep of a single axis
type SweepConfig struct {
	// Start and Stop are logical angles in degrees; Step is the angular
	// pitch the instrument sample spacing is derived from
	Start, Stop, Step float64

	// Velocity is the traverse speed in deg/s
	Velocity float64

	// Delay is the instrument inter-sample delay
	Delay time.Duration

	// PollInterval and Polls bound the wait for the traverse to finish;
	// they default to 100ms x 300
	PollInterval time.Duration
	Polls        int

	// Tolerance is how close to Stop counts as arrived, 0.01 deg if zero
	Tolerance float64

	// Settle governs any verified moves issued by the caller, carried here
	// for convenience
	Settle SettlePolicy
}

// SweepTrace is the product of a buffered sweep: the drained instrument
// samples and the reconstructed logical angle for each, assuming the stage
// traversed at uniform velocity while the instrument buffered at a uniform
// rate.
type SweepTrace struct {
	Angles  []float64
	Samples []keithley.Sample
}

// Linspace returns n evenly spaced values from start to stop inclusive
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	d := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*d
	}
	return out
}

// RunSweep free-runs an axis from its current position (assumed at Start)
// to Stop while the instrument buffers readings, then drains the buffer.
// The axis traverses as one big jog; arrival is detected by polling the
// position, and a poll timeout is logged and tolerated since the buffer is
// drained by actual count either way.
func RunSweep(ctx context.Context, ax *Axis, am Ammeter, cfg SweepConfig) (SweepTrace, error) {
	var trace SweepTrace
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 100 * time.Millisecond
	}
	polls := cfg.Polls
	if polls == 0 {
		polls = 300
	}
	tol := cfg.Tolerance
	if tol == 0 {
		tol = 0.01
	}

	span := cfg.Stop - cfg.Start
	if err := ax.Stage.SetJogStep(math.Abs(span), cfg.Velocity); err != nil {
		return trace, err
	}
	expected, err := am.ArmBufferedSweep(cfg.Start, cfg.Stop, cfg.Step, cfg.Delay)
	if err != nil {
		return trace, err
	}
	if err := am.StartSweep(); err != nil {
		return trace, err
	}
	dir := thorlabs.Forward
	if span < 0 {
		dir = thorlabs.Backward
	}
	if err := ax.Stage.Jog(dir); err != nil {
		return trace, err
	}
	log.Printf("sweeping %s from %.3f to %.3f deg at %.2f deg/s, %d samples expected", ax.Name, cfg.Start, cfg.Stop, cfg.Velocity, expected)

	arrived := false
	for i := 0; i < polls; i++ {
		select {
		case <-ctx.Done():
			am.Abort()
			ax.Stage.StopMotion(true)
			return trace, ctx.Err()
		case <-time.After(poll):
		}
		pos, err := ax.LogicalPosition()
		if err != nil {
			am.Abort()
			return trace, err
		}
		if math.Abs(pos-cfg.Stop) <= tol {
			arrived = true
			break
		}
	}
	if !arrived {
		log.Printf("%s sweep did not reach %.3f deg within %v; draining buffer anyway", ax.Name, cfg.Stop, time.Duration(polls)*poll)
	}
	if err := am.Abort(); err != nil {
		return trace, err
	}
	n, err := am.BufferedSampleCount()
	if err != nil {
		return trace, err
	}
	samples, err := am.DrainBuffer(n)
	if err != nil {
		return trace, err
	}
	trace.Samples = samples
	trace.Angles = Linspace(cfg.Start, cfg.Stop, len(samples))
	return trace, nil
}
