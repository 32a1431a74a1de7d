package align

import "fmt"

// ConvergenceError indicates a stage failed to settle within tolerance of
// its target after exhausting the retry budget.  It is fatal to the
// procedure that encountered it.
type ConvergenceError struct {
	// Axis is the name of the axis that failed
	Axis string

	// Target is the commanded angle in degrees
	Target float64

	// Last is the last position read before giving up
	Last float64

	// Attempts is how many whole-move retries were made
	Attempts int
}

func (e ConvergenceError) Error() string {
	return fmt.Sprintf("align: %s stage failed to reach %.3f deg after %d attempts, last position %.3f deg", e.Axis, e.Target, e.Attempts, e.Last)
}
