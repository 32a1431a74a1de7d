package align

import (
	"context"

	"golang.org/x/time/rate"
)

// Sampler reads the instrument and both axis positions in a loop, emitting
// one Measurement per pass until cancelled.  Emission order is time order.
// With a Limit set the loop is paced; otherwise it free-runs as fast as
// the instrument answers.
type Sampler struct {
	Roll, Pitch *Axis
	Ammeter     Ammeter
	Emit        Recorder

	// Limit paces the loop when non-nil
	Limit *rate.Limiter
}

// Run samples until ctx is cancelled.  Cancellation returns nil; device
// errors end the loop and are returned.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		if s.Limit != nil {
			if err := s.Limit.Wait(ctx); err != nil {
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		}
		cur, err := s.Ammeter.ReadCurrent()
		if err != nil {
			return err
		}
		r, err := s.Roll.LogicalPosition()
		if err != nil {
			return err
		}
		p, err := s.Pitch.LogicalPosition()
		if err != nil {
			return err
		}
		s.Emit(Measurement{Roll: r, Pitch: p, Current: cur})
	}
}
