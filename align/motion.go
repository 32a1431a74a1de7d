package align

import (
	"context"
	"log"
	"math"
	"time"
)

const (
	// defaultAcceleration is the trapezoidal move ramp in deg/s^2
	defaultAcceleration = 25.0

	// defaultJogVelocity is the jog velocity used by the search and sweep
	// controllers in deg/s
	defaultJogVelocity = 9.98
)

// SettlePolicy controls how a commanded move is verified: how many times
// the whole move is retried, how many position polls each attempt gets,
// how long between polls, and how close is close enough.
type SettlePolicy struct {
	Attempts  int
	Polls     int
	Interval  time.Duration
	Tolerance float64 // degrees
}

// DefaultSettle is the policy used by the procedures: three retries of
// twenty one-second polls, converged within 0.01 degree.
func DefaultSettle() SettlePolicy {
	return SettlePolicy{Attempts: 3, Polls: 20, Interval: time.Second, Tolerance: 0.01}
}

// withDefaults backfills zero fields so a partially filled policy behaves
func (p SettlePolicy) withDefaults() SettlePolicy {
	d := DefaultSettle()
	if p.Attempts == 0 {
		p.Attempts = d.Attempts
	}
	if p.Polls == 0 {
		p.Polls = d.Polls
	}
	if p.Interval == 0 {
		p.Interval = d.Interval
	}
	if p.Tolerance == 0 {
		p.Tolerance = d.Tolerance
	}
	return p
}

// waitConverged polls read until it lands within tolerance of target or the
// poll budget runs out.  A context cancellation is returned as the context
// error; device errors pass through.
func (p SettlePolicy) waitConverged(ctx context.Context, read func() (float64, error), target float64) (last float64, ok bool, err error) {
	for i := 0; i < p.Polls; i++ {
		last, err = read()
		if err != nil {
			return last, false, err
		}
		if math.Abs(last-target) <= p.Tolerance {
			return last, true, nil
		}
		select {
		case <-ctx.Done():
			return last, false, ctx.Err()
		case <-time.After(p.Interval):
		}
	}
	return last, false, nil
}

// MoveStageTo moves an axis to a target angle in the signed device frame
// and verifies it got there.  Each attempt computes a relative offset from
// the signed-normalized current position, commands the move, and polls for
// convergence; a settle timeout retries the whole move.  Exhausting the
// attempt budget is a ConvergenceError, which callers treat as fatal.
func MoveStageTo(ctx context.Context, ax *Axis, targetDeg float64, pol SettlePolicy) error {
	pol = pol.withDefaults()
	log.Printf("moving %s stage to %.3f deg", ax.Name, targetDeg)
	var last float64
	for attempt := 0; attempt < pol.Attempts; attempt++ {
		pos, err := ax.Stage.Position()
		if err != nil {
			return err
		}
		offset := targetDeg - NormalizeSigned(pos)
		if err := ax.Stage.MoveBy(offset, false); err != nil {
			return err
		}
		readSigned := func() (float64, error) {
			p, err := ax.Stage.Position()
			return NormalizeSigned(p), err
		}
		var ok bool
		last, ok, err = pol.waitConverged(ctx, readSigned, targetDeg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		log.Printf("%s stage settle timed out at %.3f deg (target %.3f), recommanding move", ax.Name, last, targetDeg)
	}
	return ConvergenceError{Axis: ax.Name, Target: targetDeg, Last: last, Attempts: pol.Attempts}
}

// MoveToLogical moves an axis to a logical (offset-corrected) angle
func MoveToLogical(ctx context.Context, ax *Axis, logicalDeg float64, pol SettlePolicy) error {
	return MoveStageTo(ctx, ax, logicalDeg+ax.Offset, pol)
}

// LevelAxes homes both axes and moves them to their mechanical offsets,
// the flat starting posture for every procedure.  Homing is started on
// both stages, then the homed flags are polled; a homing timeout is logged
// and tolerated, since the stages frequently report late while the
// subsequent verified moves still succeed.  The offset moves themselves
// are verified and their failures are fatal.
func LevelAxes(ctx context.Context, roll, pitch *Axis, pol SettlePolicy) error {
	pol = pol.withDefaults()
	axes := []*Axis{roll, pitch}
	for _, ax := range axes {
		if err := ax.Stage.SetHomeDirection(ax.HomeDirection); err != nil {
			return err
		}
		if err := ax.Stage.MoveHome(false); err != nil {
			return err
		}
	}
	log.Print("homing stages")
	homed := func() (bool, error) {
		for _, ax := range axes {
			h, err := ax.Stage.Homed()
			if err != nil || !h {
				return false, err
			}
		}
		return true, nil
	}
	done := false
	for i := 0; i < pol.Polls && !done; i++ {
		var err error
		done, err = homed()
		if err != nil {
			return err
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pol.Interval):
		}
	}
	if !done {
		log.Printf("homing timed out after %v, stages may not have homed; continuing to leveling moves", time.Duration(pol.Polls)*pol.Interval)
	}
	for _, ax := range axes {
		if err := MoveStageTo(ctx, ax, ax.Offset, pol); err != nil {
			return err
		}
	}
	return nil
}

// SetJogStep programs an axis jog step, logging the change.  The magnitude
// is used; direction comes from the jog command itself.
func SetJogStep(ax *Axis, stepDeg, velDegPerSec float64) error {
	log.Printf("setting %s jog step to %.4f deg", ax.Name, math.Abs(stepDeg))
	return ax.Stage.SetJogStep(math.Abs(stepDeg), velDegPerSec)
}
