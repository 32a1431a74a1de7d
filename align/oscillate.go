package align

import (
	"context"
	"log"
	"time"

	"github.com/optolab/gratalign/thorlabs"
)

// Oscillator free-runs one axis back and forth between two logical angle
// bounds at constant velocity.  It reverses on a strict bound crossing,
// with no hysteresis band, and issues exactly one velocity command per
// reversal.  Run returns nil on cancellation after stopping the stage;
// any other return is a device error.
type Oscillator struct {
	Axis *Axis

	// MinAngle and MaxAngle are the logical bounds in degrees
	MinAngle, MaxAngle float64

	// Velocity is the free-run speed in deg/s
	Velocity float64

	// PollInterval is the position poll period, 100ms if zero
	PollInterval time.Duration

	// Settle governs the verified move to the starting bound
	Settle SettlePolicy
}

// Run moves to the lower bound, starts a forward free-run, and bounces
// between the bounds until ctx is cancelled.
func (o *Oscillator) Run(ctx context.Context) error {
	poll := o.PollInterval
	if poll == 0 {
		poll = 100 * time.Millisecond
	}
	if err := MoveToLogical(ctx, o.Axis, o.MinAngle, o.Settle); err != nil {
		return err
	}
	if err := o.Axis.Stage.SetVelocityParams(o.Velocity-0.01, defaultAcceleration, o.Velocity); err != nil {
		return err
	}
	dir := thorlabs.Forward
	if err := o.Axis.Stage.MoveAtVelocity(dir); err != nil {
		return err
	}
	log.Printf("oscillating %s between %.3f and %.3f deg at %.2f deg/s", o.Axis.Name, o.MinAngle, o.MaxAngle, o.Velocity)
	for {
		select {
		case <-ctx.Done():
			// one stop, immediate, then done
			if err := o.Axis.Stage.StopMotion(true); err != nil {
				return err
			}
			return nil
		case <-time.After(poll):
		}
		pos, err := o.Axis.LogicalPosition()
		if err != nil {
			o.Axis.Stage.StopMotion(true)
			return err
		}
		switch {
		case dir == thorlabs.Forward && pos > o.MaxAngle:
			dir = thorlabs.Backward
			if err := o.Axis.Stage.MoveAtVelocity(dir); err != nil {
				o.Axis.Stage.StopMotion(true)
				return err
			}
		case dir == thorlabs.Backward && pos < o.MinAngle:
			dir = thorlabs.Forward
			if err := o.Axis.Stage.MoveAtVelocity(dir); err != nil {
				o.Axis.Stage.StopMotion(true)
				return err
			}
		}
	}
}
