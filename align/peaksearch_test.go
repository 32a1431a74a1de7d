package align

import (
	"context"
	"math"
	"testing"
)

// searchFixture places both axes at logical zero, within a step of the
// synthetic peak, where a real run would leave them after leveling and the
// initial positioning move
func searchFixture(t *testing.T) (*Axis, *Axis, *SimAmmeter) {
	roll := &Axis{Name: "roll", Stage: fastStage(), Offset: 45}
	pitch := &Axis{Name: "pitch", Stage: fastStage(), Offset: -32.7}
	for _, ax := range []*Axis{roll, pitch} {
		if err := MoveToLogical(context.Background(), ax, 0, fastSettle()); err != nil {
			t.Fatal(err)
		}
	}
	am := &SimAmmeter{
		Roll: roll, Pitch: pitch,
		PeakRoll: 0.7, PeakPitch: -0.3,
		PeakCurrent: 1e-6, Width: 1,
	}
	return roll, pitch, am
}

func searchConfig() PeakSearchConfig {
	return PeakSearchConfig{
		StepSize:            0.8,
		Tolerance:           1e-9,
		ReversalThreshold:   4,
		RefinementThreshold: 4,
		StepFloor:           0.1,
		MaxSamples:          10000,
		Settle:              fastSettle(),
	}
}

func TestPeakSearchConverges(t *testing.T) {
	roll, pitch, am := searchFixture(t)
	ps := PeakSearcher{Roll: roll, Pitch: pitch, Ammeter: am, Config: searchConfig()}
	res, err := ps.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != Converged {
		t.Fatalf("terminated with %v after %d samples, want converged", res.Reason, res.Samples)
	}
	if math.Abs(res.PeakRoll-0.7) > 1 || math.Abs(res.PeakPitch+0.3) > 1 {
		t.Errorf("peak found at (%v, %v), want near (0.7, -0.3)", res.PeakRoll, res.PeakPitch)
	}
	// the last programmed step is the floor; the next halving below it
	// ends the search before reprogramming
	if got := roll.Stage.(*SimStage).JogStep(); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("final jog step %v deg, want 0.1", got)
	}
	if res.PeakCurrent <= 0 || res.PeakCurrent > 1e-6 {
		t.Errorf("peak current %v out of range (0, 1e-6]", res.PeakCurrent)
	}
}

func TestPeakSearchPeakOnlyImproves(t *testing.T) {
	roll, pitch, am := searchFixture(t)
	cfg := searchConfig()
	var peaks []float64
	ps := PeakSearcher{
		Roll: roll, Pitch: pitch, Ammeter: am, Config: cfg,
		Emit: func(m Measurement) {
			if !m.PeakValid {
				t.Fatal("search measurement without peak fields")
			}
			peaks = append(peaks, m.PeakCurrent)
		},
	}
	if _, err := ps.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(peaks); i++ {
		if peaks[i] < peaks[i-1] {
			t.Fatalf("running peak decreased at sample %d: %v -> %v", i, peaks[i-1], peaks[i])
		}
	}
}

func TestPeakSearchBudgetExhausted(t *testing.T) {
	roll, pitch, am := searchFixture(t)
	cfg := searchConfig()
	cfg.MaxSamples = 3
	var progress []float64
	ps := PeakSearcher{
		Roll: roll, Pitch: pitch, Ammeter: am, Config: cfg,
		Progress: func(f float64) { progress = append(progress, f) },
	}
	res, err := ps.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != BudgetExhausted {
		t.Fatalf("terminated with %v, want budget exhausted", res.Reason)
	}
	if res.Samples != 3 {
		t.Errorf("took %d samples, want exactly 3", res.Samples)
	}
	if len(progress) != 3 {
		t.Fatalf("got %d progress reports, want one per sample", len(progress))
	}
	for i, f := range progress {
		if f < 0 || f > 1 {
			t.Errorf("progress[%d] = %v, want within [0, 1]", i, f)
		}
		if i > 0 && f < progress[i-1] {
			t.Errorf("progress decreased at report %d: %v -> %v", i, progress[i-1], f)
		}
	}
}

func TestPeakSearchProgressTracksReversals(t *testing.T) {
	roll, pitch, am := searchFixture(t)
	var progress []float64
	ps := PeakSearcher{
		Roll: roll, Pitch: pitch, Ammeter: am, Config: searchConfig(),
		Progress: func(f float64) { progress = append(progress, f) },
	}
	if _, err := ps.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(progress) == 0 {
		t.Fatal("no progress reported over a full search")
	}
	if last := progress[len(progress)-1]; last <= 0 || last > 1 {
		t.Errorf("final progress %v, want in (0, 1]", last)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress decreased at report %d: %v -> %v", i, progress[i-1], progress[i])
		}
	}
}

func TestPeakSearchCancelled(t *testing.T) {
	roll, pitch, am := searchFixture(t)
	ps := PeakSearcher{Roll: roll, Pitch: pitch, Ammeter: am, Config: searchConfig()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := ps.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != Cancelled {
		t.Errorf("terminated with %v, want cancelled", res.Reason)
	}
	if res.Samples != 0 {
		t.Errorf("took %d samples after cancellation, want 0", res.Samples)
	}
	// the pre-search reading at the starting posture stands as the peak
	// when nothing better was seen
	if res.PeakCurrent <= 0 {
		t.Errorf("peak current %v, want the starting reading", res.PeakCurrent)
	}
}

func TestTerminationString(t *testing.T) {
	cases := map[Termination]string{
		Converged:       "converged",
		BudgetExhausted: "budget exhausted",
		Cancelled:       "cancelled",
	}
	for term, want := range cases {
		if term.String() != want {
			t.Errorf("%d.String() = %q, want %q", term, term.String(), want)
		}
	}
}
