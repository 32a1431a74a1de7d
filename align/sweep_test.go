package align

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestLinspace(t *testing.T) {
	got := Linspace(0, 20, 201)
	if len(got) != 201 {
		t.Fatalf("len = %d, want 201", len(got))
	}
	if got[0] != 0 || got[200] != 20 {
		t.Errorf("endpoints %v, %v, want 0 and 20", got[0], got[200])
	}
	if math.Abs(got[1]-0.1) > 1e-9 {
		t.Errorf("spacing %v, want 0.1", got[1])
	}
	if one := Linspace(5, 10, 1); len(one) != 1 || one[0] != 5 {
		t.Errorf("single-point linspace = %v, want [5]", one)
	}
	if Linspace(0, 1, 0) != nil {
		t.Error("zero-point linspace should be nil")
	}
}

func TestRunSweepReconstructsAngles(t *testing.T) {
	roll := &Axis{Name: "roll", Stage: fastStage(), Offset: 45}
	pitch := &Axis{Name: "pitch", Stage: fastStage()}
	am := &SimAmmeter{Roll: roll, Pitch: pitch, PeakRoll: 10, Width: 5}
	if err := MoveToLogical(context.Background(), roll, 0, fastSettle()); err != nil {
		t.Fatal(err)
	}
	cfg := SweepConfig{
		Start: 0, Stop: 20, Step: 0.1,
		Velocity:     25,
		PollInterval: time.Millisecond,
		Settle:       fastSettle(),
	}
	trace, err := RunSweep(context.Background(), roll, am, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(trace.Samples) != 201 {
		t.Fatalf("drained %d samples, want 201", len(trace.Samples))
	}
	if len(trace.Angles) != len(trace.Samples) {
		t.Fatalf("%d angles for %d samples", len(trace.Angles), len(trace.Samples))
	}
	if trace.Angles[0] != 0 || trace.Angles[200] != 20 {
		t.Errorf("angle endpoints %v, %v, want 0 and 20", trace.Angles[0], trace.Angles[200])
	}
	pos, _ := roll.LogicalPosition()
	if math.Abs(pos-20) > 0.01 {
		t.Errorf("stage at %v deg after sweep, want 20", pos)
	}
}

func TestRunSweepCancelled(t *testing.T) {
	roll := &Axis{Name: "roll", Stage: &SimStage{}}
	pitch := &Axis{Name: "pitch", Stage: &SimStage{}}
	am := &SimAmmeter{Roll: roll, Pitch: pitch}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := SweepConfig{Start: 0, Stop: 20, Step: 0.1, Velocity: 25,
		PollInterval: time.Millisecond, Settle: fastSettle()}
	if _, err := RunSweep(ctx, roll, am, cfg); err == nil {
		t.Fatal("cancelled sweep returned nil error")
	}
}
