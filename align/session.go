package align

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/optolab/gratalign/thorlabs"
	"golang.org/x/time/rate"
)

// Procedure is one experiment run in three explicit phases.  Startup
// configures the instrument and brings the stages to a known posture,
// Execute does the measurement, and Shutdown always runs, even when
// Execute fails.
type Procedure interface {
	Startup(ctx context.Context) error
	Execute(ctx context.Context) error
	Shutdown() error
}

// Run drives a procedure through its phases.  A startup error skips
// execution but not shutdown; an execution error wins over a shutdown
// error.
func Run(ctx context.Context, p Procedure) error {
	err := p.Startup(ctx)
	if err == nil {
		err = p.Execute(ctx)
	}
	if serr := p.Shutdown(); err == nil {
		err = serr
	}
	return err
}

// Session binds the two axes and the instrument for one procedure, along
// with the output hooks.
type Session struct {
	Roll, Pitch *Axis
	Ammeter     Ammeter

	// Source is the optical source supply; nil when the bench has none
	Source Source

	// Emit receives every measurement; required
	Emit Recorder

	// Progress receives completion fractions; optional
	Progress ProgressFunc

	// Settle is the move verification policy for the whole session
	Settle SettlePolicy
}

func (s *Session) progress(f float64) {
	if s.Progress != nil {
		s.Progress(f)
	}
}

// sourceVoltage is the fixed supply voltage applied to the laser diode
const sourceVoltage = 5.0

// configureSource programs the optical source: reset, apply the supply
// voltage with the diode current limit, then enable and trigger the output.
// currentMA is in milliamps; a nil source is skipped.
func (s *Session) configureSource(currentMA float64) error {
	if s.Source == nil {
		return nil
	}
	if err := s.Source.Reset(); err != nil {
		return err
	}
	if err := s.Source.Apply(sourceVoltage, currentMA/1e3); err != nil {
		return err
	}
	if err := s.Source.SetOutput(false); err != nil {
		return err
	}
	log.Printf("source supply programmed for %.1f mA, enabling", currentMA)
	if err := s.Source.SetOutput(true); err != nil {
		return err
	}
	return s.Source.Trigger()
}

// gridCount is the number of samples along one raster axis, endpoints
// inclusive
func gridCount(start, stop, step float64) int {
	if step == 0 {
		return 1
	}
	return int(math.Round(math.Abs(stop-start)/math.Abs(step))) + 1
}

// jogToward returns the jog direction that moves from a toward b
func jogToward(a, b float64) thorlabs.Direction {
	if b < a {
		return thorlabs.Backward
	}
	return thorlabs.Forward
}

// StepSweep rasters the roll axis within pitch rows, pausing at each grid
// point for one instrument reading.  Either axis can be held fixed at its
// start angle by disabling its sweep flag.
type StepSweep struct {
	Session

	BiasVoltage float64
	NPLC        float64

	// LaserCurrent is the source diode drive current in mA
	LaserCurrent float64

	// Delay is the pause between a jog and the reading that follows it
	Delay time.Duration

	RollStart, RollStop, RollStep    float64
	PitchStart, PitchStop, PitchStep float64
	SweepRoll, SweepPitch            bool
}

// Startup configures the instrument, levels the stages, and programs the
// jog steps for both axes
func (p *StepSweep) Startup(ctx context.Context) error {
	if err := p.Ammeter.Configure(p.NPLC); err != nil {
		return err
	}
	if err := p.Ammeter.SetBiasVoltage(p.BiasVoltage); err != nil {
		return err
	}
	if err := p.configureSource(p.LaserCurrent); err != nil {
		return err
	}
	for _, ax := range []*Axis{p.Roll, p.Pitch} {
		if err := ax.Stage.SetVelocityParams(defaultAcceleration-0.01, defaultAcceleration, defaultAcceleration); err != nil {
			return err
		}
	}
	if err := LevelAxes(ctx, p.Roll, p.Pitch, p.Settle); err != nil {
		return err
	}
	if p.SweepRoll {
		if err := SetJogStep(p.Roll, p.RollStep, defaultJogVelocity); err != nil {
			return err
		}
	}
	if p.SweepPitch {
		if err := SetJogStep(p.Pitch, p.PitchStep, defaultJogVelocity); err != nil {
			return err
		}
	}
	return nil
}

// Execute rasters the grid, emitting one measurement per point
func (p *StepSweep) Execute(ctx context.Context) error {
	if err := MoveToLogical(ctx, p.Roll, p.RollStart, p.Settle); err != nil {
		return err
	}
	if err := MoveToLogical(ctx, p.Pitch, p.PitchStart, p.Settle); err != nil {
		return err
	}
	rollN, pitchN := 1, 1
	if p.SweepRoll {
		rollN = gridCount(p.RollStart, p.RollStop, p.RollStep)
	}
	if p.SweepPitch {
		pitchN = gridCount(p.PitchStart, p.PitchStop, p.PitchStep)
	}
	total := rollN * pitchN
	taken := 0
	rollDir := jogToward(p.RollStart, p.RollStop)
	pitchDir := jogToward(p.PitchStart, p.PitchStop)
	for row := 0; row < pitchN; row++ {
		for col := 0; col < rollN; col++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
			cur, err := p.Ammeter.ReadCurrent()
			if err != nil {
				return err
			}
			r, err := p.Roll.LogicalPosition()
			if err != nil {
				return err
			}
			pt, err := p.Pitch.LogicalPosition()
			if err != nil {
				return err
			}
			p.Emit(Measurement{Roll: r, Pitch: pt, Current: cur})
			taken++
			p.progress(float64(taken) / float64(total))
			if col < rollN-1 {
				if err := p.Roll.Stage.Jog(rollDir); err != nil {
					return err
				}
			}
		}
		if row < pitchN-1 {
			if p.SweepRoll {
				if err := MoveToLogical(ctx, p.Roll, p.RollStart, p.Settle); err != nil {
					return err
				}
			}
			if err := p.Pitch.Stage.Jog(pitchDir); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown is a no-op; the stages hold their final posture for inspection
func (p *StepSweep) Shutdown() error {
	log.Print("step sweep complete")
	return nil
}

// VelocitySweep traverses the roll axis at constant velocity while the
// instrument buffers readings, one buffered trace per pitch row.  Angles
// are reconstructed from the traverse assuming uniform motion.
type VelocitySweep struct {
	Session

	BiasVoltage float64
	NPLC        float64

	// LaserCurrent is the source diode drive current in mA
	LaserCurrent float64

	// Delay is the instrument inter-sample delay within a trace
	Delay time.Duration

	RollStart, RollStop, RollStep float64
	RollVelocity                  float64

	PitchStart, PitchStop, PitchStep float64
	SweepPitch                       bool
}

// Startup configures the instrument for buffered capture and levels the
// stages
func (p *VelocitySweep) Startup(ctx context.Context) error {
	if err := p.Ammeter.Configure(p.NPLC); err != nil {
		return err
	}
	if err := p.Ammeter.SetBiasVoltage(p.BiasVoltage); err != nil {
		return err
	}
	if err := p.Ammeter.ConfigureContinuousTrigger(); err != nil {
		return err
	}
	if err := p.configureSource(p.LaserCurrent); err != nil {
		return err
	}
	for _, ax := range []*Axis{p.Roll, p.Pitch} {
		if err := ax.Stage.SetVelocityParams(defaultAcceleration-0.01, defaultAcceleration, defaultAcceleration); err != nil {
			return err
		}
	}
	if err := LevelAxes(ctx, p.Roll, p.Pitch, p.Settle); err != nil {
		return err
	}
	if p.SweepPitch {
		if err := SetJogStep(p.Pitch, p.PitchStep, defaultJogVelocity); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs one buffered trace per pitch row
func (p *VelocitySweep) Execute(ctx context.Context) error {
	if err := MoveToLogical(ctx, p.Pitch, p.PitchStart, p.Settle); err != nil {
		return err
	}
	pitchN := 1
	if p.SweepPitch {
		pitchN = gridCount(p.PitchStart, p.PitchStop, p.PitchStep)
	}
	pitchDir := jogToward(p.PitchStart, p.PitchStop)
	cfg := SweepConfig{
		Start: p.RollStart, Stop: p.RollStop, Step: p.RollStep,
		Velocity: p.RollVelocity, Delay: p.Delay, Settle: p.Settle,
	}
	for row := 0; row < pitchN; row++ {
		if err := MoveToLogical(ctx, p.Roll, p.RollStart, p.Settle); err != nil {
			return err
		}
		trace, err := RunSweep(ctx, p.Roll, p.Ammeter, cfg)
		if err != nil {
			return err
		}
		pitchPos, err := p.Pitch.LogicalPosition()
		if err != nil {
			return err
		}
		for i, s := range trace.Samples {
			p.Emit(Measurement{Roll: trace.Angles[i], Pitch: pitchPos, Current: s.Current})
		}
		p.progress(float64(row+1) / float64(pitchN))
		if row < pitchN-1 {
			if err := p.Pitch.Stage.Jog(pitchDir); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown aborts any capture still armed on the instrument
func (p *VelocitySweep) Shutdown() error {
	log.Print("velocity sweep complete")
	return p.Ammeter.Abort()
}

// PeakSearch levels the stages, moves to an initial guess, and hands off
// to the hill-climbing searcher.  The result is kept on the struct for the
// caller.
type PeakSearch struct {
	Session

	BiasVoltage float64
	NPLC        float64

	// LaserCurrent is the source diode drive current in mA
	LaserCurrent float64

	// RollInit and PitchInit are the logical starting angles
	RollInit, PitchInit float64

	Config PeakSearchConfig

	// Result is populated by Execute
	Result PeakResult
}

// Startup configures the instrument and levels the stages
func (p *PeakSearch) Startup(ctx context.Context) error {
	if err := p.Ammeter.Configure(p.NPLC); err != nil {
		return err
	}
	if err := p.Ammeter.SetBiasVoltage(p.BiasVoltage); err != nil {
		return err
	}
	if err := p.configureSource(p.LaserCurrent); err != nil {
		return err
	}
	for _, ax := range []*Axis{p.Roll, p.Pitch} {
		if err := ax.Stage.SetVelocityParams(defaultAcceleration-0.01, defaultAcceleration, defaultAcceleration); err != nil {
			return err
		}
	}
	return LevelAxes(ctx, p.Roll, p.Pitch, p.Settle)
}

// Execute moves to the initial guess and runs the search
func (p *PeakSearch) Execute(ctx context.Context) error {
	if err := MoveToLogical(ctx, p.Roll, p.RollInit, p.Settle); err != nil {
		return err
	}
	if err := MoveToLogical(ctx, p.Pitch, p.PitchInit, p.Settle); err != nil {
		return err
	}
	if p.Config.Settle == (SettlePolicy{}) {
		p.Config.Settle = p.Settle
	}
	ps := PeakSearcher{
		Roll: p.Roll, Pitch: p.Pitch, Ammeter: p.Ammeter,
		Config: p.Config, Emit: p.Emit, Progress: p.Progress,
	}
	res, err := ps.Run(ctx)
	p.Result = res
	if err != nil {
		return err
	}
	log.Printf("peak search %s: %.4g A at roll %.3f, pitch %.3f after %d samples", res.Reason, res.PeakCurrent, res.PeakRoll, res.PeakPitch, res.Samples)
	return nil
}

// Shutdown is a no-op; the searcher leaves the stages at the peak
func (p *PeakSearch) Shutdown() error {
	return nil
}

// OscillatingCapture free-runs both axes between bounds while a sampler
// streams measurements.  It runs until cancelled or a device fails; all
// three tasks are joined before it returns, and the first error wins.
type OscillatingCapture struct {
	Session

	BiasVoltage float64
	NPLC        float64

	// LaserCurrent is the source diode drive current in mA
	LaserCurrent float64

	RollMin, RollMax   float64
	PitchMin, PitchMax float64

	RollVelocity, PitchVelocity float64

	// PollInterval is the oscillator bound-check period, 100ms if zero
	PollInterval time.Duration

	// SampleRate paces the sampler in samples/s; zero free-runs
	SampleRate float64
}

// Startup configures the instrument and levels the stages
func (p *OscillatingCapture) Startup(ctx context.Context) error {
	if err := p.Ammeter.Configure(p.NPLC); err != nil {
		return err
	}
	if err := p.Ammeter.SetBiasVoltage(p.BiasVoltage); err != nil {
		return err
	}
	if err := p.configureSource(p.LaserCurrent); err != nil {
		return err
	}
	return LevelAxes(ctx, p.Roll, p.Pitch, p.Settle)
}

// Execute runs the two oscillators and the sampler until cancellation or
// the first device error
func (p *OscillatingCapture) Execute(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var limit *rate.Limiter
	if p.SampleRate > 0 {
		limit = rate.NewLimiter(rate.Limit(p.SampleRate), 1)
	}
	tasks := []func(context.Context) error{
		(&Oscillator{Axis: p.Roll, MinAngle: p.RollMin, MaxAngle: p.RollMax,
			Velocity: p.RollVelocity, PollInterval: p.PollInterval, Settle: p.Settle}).Run,
		(&Oscillator{Axis: p.Pitch, MinAngle: p.PitchMin, MaxAngle: p.PitchMax,
			Velocity: p.PitchVelocity, PollInterval: p.PollInterval, Settle: p.Settle}).Run,
		(&Sampler{Roll: p.Roll, Pitch: p.Pitch, Ammeter: p.Ammeter,
			Emit: p.Emit, Limit: limit}).Run,
	}
	errs := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errs <- err
				cancel()
			}
		}(task)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Shutdown is a no-op; the oscillators stop their own stages on the way out
func (p *OscillatingCapture) Shutdown() error {
	return nil
}
