package align

import (
	"context"
	"log"
	"time"

	"github.com/optolab/gratalign/thorlabs"
)

// PeakSearchConfig holds the hill-climb tunables.  StepSize and Tolerance
// halve together on every refinement round; the search converges when the
// step would fall below StepFloor.
type PeakSearchConfig struct {
	// StepSize is the initial jog step in degrees
	StepSize float64

	// Tolerance is the initial descent threshold in amps: a reading this
	// far below the previous one reverses the walk
	Tolerance float64

	// Delay is the post-jog settle before each reading
	Delay time.Duration

	// ReversalThreshold is how many reversals on one axis trigger a
	// return-to-peak and axis swap
	ReversalThreshold int

	// RefinementThreshold is how many axis swaps trigger a step halving
	RefinementThreshold int

	// StepFloor ends the search once the halved step falls below it
	StepFloor float64

	// MaxSamples bounds the total reading count; zero means unbounded
	MaxSamples int

	// JogVelocity is the jog speed in deg/s, defaultJogVelocity if zero
	JogVelocity float64

	// Settle governs the verified return-to-peak moves
	Settle SettlePolicy
}

// Termination says why a peak search ended
type Termination int

const (
	// Converged means the step size fell below the floor
	Converged Termination = iota

	// BudgetExhausted means the sample budget ran out first
	BudgetExhausted

	// Cancelled means the context was cancelled
	Cancelled
)

func (t Termination) String() string {
	switch t {
	case Converged:
		return "converged"
	case BudgetExhausted:
		return "budget exhausted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PeakResult is the outcome of a peak search
type PeakResult struct {
	Reason      Termination `json:"reason"`
	PeakCurrent float64     `json:"peakCurrent"`
	PeakRoll    float64     `json:"peakRoll"`
	PeakPitch   float64     `json:"peakPitch"`
	Samples     int         `json:"samples"`
}

// PeakSearcher walks the two axes uphill in detector current.  One axis is
// active at a time: it jogs in its current direction, reads, and reverses
// when the reading drops by more than the tolerance.  After enough
// reversals both axes return to the best location seen and the other axis
// takes over; after enough swaps the step and tolerance halve.  The best
// location only moves on a strictly greater reading, so plateaus do not
// drag the peak around.
type PeakSearcher struct {
	Roll, Pitch *Axis
	Ammeter     Ammeter
	Config      PeakSearchConfig

	// Emit receives every reading with the running peak attached; optional
	Emit Recorder

	// Progress receives the fraction of direction reversals consumed
	// against the nominal count for a full convergence; optional
	Progress ProgressFunc
}

// Run performs the search and returns where the peak was found and why the
// search stopped.  It assumes the axes start near the feature of interest;
// the enclosing procedure handles leveling and initial positioning.
func (ps *PeakSearcher) Run(ctx context.Context) (PeakResult, error) {
	cfg := ps.Config
	if cfg.JogVelocity == 0 {
		cfg.JogVelocity = defaultJogVelocity
	}
	step := cfg.StepSize
	tol := cfg.Tolerance
	for _, ax := range []*Axis{ps.Roll, ps.Pitch} {
		if err := SetJogStep(ax, step, cfg.JogVelocity); err != nil {
			return PeakResult{}, err
		}
	}

	res := PeakResult{Reason: Cancelled}
	prev, err := ps.Ammeter.ReadCurrent()
	if err != nil {
		return res, err
	}
	res.PeakCurrent = prev
	if res.PeakRoll, err = ps.Roll.LogicalPosition(); err != nil {
		return res, err
	}
	if res.PeakPitch, err = ps.Pitch.LogicalPosition(); err != nil {
		return res, err
	}

	axes := [2]*Axis{ps.Roll, ps.Pitch}
	active := 0
	dir := thorlabs.Forward
	reversals := 0
	refinements := 0
	flips := 0
	// nominal flip count for a full convergence; progress is reported
	// against it and clamped
	expectedFlips := cfg.ReversalThreshold * cfg.RefinementThreshold * 2

	for {
		if ctx.Err() != nil {
			res.Reason = Cancelled
			return res, nil
		}
		ax := axes[active]
		if err := ax.Stage.Jog(dir); err != nil {
			return res, err
		}
		select {
		case <-ctx.Done():
			res.Reason = Cancelled
			return res, nil
		case <-time.After(cfg.Delay):
		}
		m, err := ps.Ammeter.ReadCurrent()
		if err != nil {
			return res, err
		}
		r, err := ps.Roll.LogicalPosition()
		if err != nil {
			return res, err
		}
		p, err := ps.Pitch.LogicalPosition()
		if err != nil {
			return res, err
		}
		if m > res.PeakCurrent {
			res.PeakCurrent = m
			res.PeakRoll = r
			res.PeakPitch = p
		}
		res.Samples++
		if ps.Emit != nil {
			ps.Emit(Measurement{
				Roll: r, Pitch: p, Current: m,
				PeakValid: true, PeakCurrent: res.PeakCurrent,
				PeakRoll: res.PeakRoll, PeakPitch: res.PeakPitch,
			})
		}
		if m < prev-tol {
			dir = dir.Opposite()
			reversals++
			flips++
		}
		prev = m
		if ps.Progress != nil && expectedFlips > 0 {
			frac := float64(flips) / float64(expectedFlips)
			if frac > 1 {
				frac = 1
			}
			ps.Progress(frac)
		}

		if reversals >= cfg.ReversalThreshold {
			reversals = 0
			log.Printf("returning to peak %.4g A at roll %.3f, pitch %.3f; handing off to %s", res.PeakCurrent, res.PeakRoll, res.PeakPitch, axes[1-active].Name)
			if err := MoveToLogical(ctx, ps.Roll, res.PeakRoll, cfg.Settle); err != nil {
				return res, err
			}
			if err := MoveToLogical(ctx, ps.Pitch, res.PeakPitch, cfg.Settle); err != nil {
				return res, err
			}
			active = 1 - active
			refinements++
		}
		if refinements >= cfg.RefinementThreshold {
			refinements = 0
			step /= 2
			tol /= 2
			if step < cfg.StepFloor {
				res.Reason = Converged
				return res, nil
			}
			log.Printf("refining: step %.4f deg, tolerance %.3g A", step, tol)
			for _, a := range axes {
				if err := SetJogStep(a, step, cfg.JogVelocity); err != nil {
					return res, err
				}
			}
		}
		if cfg.MaxSamples > 0 && res.Samples >= cfg.MaxSamples {
			res.Reason = BudgetExhausted
			return res, nil
		}
	}
}
