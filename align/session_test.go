package align

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

// testSession uses small mechanical offsets so the leveling moves stay
// short at the 25 deg/s the procedures program
func testSession(emit Recorder) (Session, *SimAmmeter) {
	roll := &Axis{Name: "roll", Stage: fastStage(), Offset: 0.5}
	pitch := &Axis{Name: "pitch", Stage: fastStage(), Offset: -0.3}
	am := &SimAmmeter{Roll: roll, Pitch: pitch, Width: 2}
	return Session{
		Roll: roll, Pitch: pitch, Ammeter: am,
		Emit:   emit,
		Settle: fastSettle(),
	}, am
}

func TestStepSweepGrid(t *testing.T) {
	var got []Measurement
	sess, _ := testSession(func(m Measurement) { got = append(got, m) })
	p := &StepSweep{
		Session:   sess,
		RollStart: 0, RollStop: 1, RollStep: 0.5, SweepRoll: true,
		PitchStart: 0, PitchStop: 1, PitchStep: 1, SweepPitch: true,
	}
	if err := Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Fatalf("emitted %d measurements, want 3x2 grid of 6", len(got))
	}
	wantRoll := []float64{0, 0.5, 1, 0, 0.5, 1}
	wantPitch := []float64{0, 0, 0, 1, 1, 1}
	for i, m := range got {
		if math.Abs(m.Roll-wantRoll[i]) > 0.02 || math.Abs(m.Pitch-wantPitch[i]) > 0.02 {
			t.Errorf("point %d at (%.3f, %.3f), want (%.1f, %.1f)", i, m.Roll, m.Pitch, wantRoll[i], wantPitch[i])
		}
	}
}

func TestStepSweepFixedAxes(t *testing.T) {
	var got []Measurement
	sess, _ := testSession(func(m Measurement) { got = append(got, m) })
	p := &StepSweep{
		Session:   sess,
		RollStart: 0.5, RollStop: 5, RollStep: 0.5, SweepRoll: false,
		PitchStart: 0, PitchStop: 5, PitchStep: 1, SweepPitch: false,
	}
	if err := Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("emitted %d measurements with both sweeps disabled, want 1", len(got))
	}
	if math.Abs(got[0].Roll-0.5) > 0.02 {
		t.Errorf("fixed roll at %v, want 0.5", got[0].Roll)
	}
}

func TestVelocitySweepRows(t *testing.T) {
	var got []Measurement
	sess, _ := testSession(func(m Measurement) { got = append(got, m) })
	p := &VelocitySweep{
		Session:   sess,
		RollStart: 0, RollStop: 10, RollStep: 0.1, RollVelocity: 25,
		PitchStart: 0, PitchStop: 1, PitchStep: 1, SweepPitch: true,
	}
	if err := Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	perRow := 101 // ceil(10/0.1)+1
	if len(got) != 2*perRow {
		t.Fatalf("emitted %d measurements, want %d (two rows)", len(got), 2*perRow)
	}
	if math.Abs(got[0].Pitch) > 0.02 || math.Abs(got[perRow].Pitch-1) > 0.02 {
		t.Errorf("row pitches %.3f, %.3f, want 0 and 1", got[0].Pitch, got[perRow].Pitch)
	}
	if math.Abs(got[perRow-1].Roll-10) > 1e-9 {
		t.Errorf("row ends at roll %v, want 10", got[perRow-1].Roll)
	}
}

func TestOscillatingCaptureJoinsOnCancel(t *testing.T) {
	var got []Measurement
	sess, _ := testSession(func(m Measurement) { got = append(got, m) })
	p := &OscillatingCapture{
		Session: sess,
		RollMin: -1, RollMax: 1, RollVelocity: 50,
		PitchMin: -1, PitchMax: 1, PitchVelocity: 50,
		PollInterval: time.Millisecond,
		SampleRate:   1000,
	}
	if err := p.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	// all three tasks must be joined shortly after cancellation
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("execute returned %v after cancel, want within a poll interval", elapsed)
	}
	if len(got) == 0 {
		t.Fatal("no measurements emitted during capture")
	}
	for _, stage := range []*SimStage{p.Roll.Stage.(*SimStage), p.Pitch.Stage.(*SimStage)} {
		if stage.Stops != 1 {
			t.Errorf("stage stopped %d times, want exactly 1", stage.Stops)
		}
	}
}

func TestPeakSearchProcedure(t *testing.T) {
	var got []Measurement
	sess, am := testSession(func(m Measurement) { got = append(got, m) })
	am.PeakRoll = 0.7
	am.PeakPitch = -0.3
	am.PeakCurrent = 1e-6
	am.Width = 1
	p := &PeakSearch{
		Session:  sess,
		RollInit: 0, PitchInit: 0,
		Config: searchConfig(),
	}
	if err := Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if p.Result.Reason != Converged {
		t.Fatalf("terminated with %v, want converged", p.Result.Reason)
	}
	if len(got) != p.Result.Samples {
		t.Errorf("emitted %d measurements for %d samples", len(got), p.Result.Samples)
	}
}

func TestStartupProgramsSource(t *testing.T) {
	sess, _ := testSession(func(Measurement) {})
	src := &SimSource{}
	sess.Source = src
	p := &StepSweep{
		Session:      sess,
		LaserCurrent: 50,
		RollStart:    0, RollStop: 0, RollStep: 0.5,
	}
	if err := p.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"RST", "APPL 5 0.05", "OUTP OFF", "OUTP ON", "TRG"}
	if len(src.Commands) != len(want) {
		t.Fatalf("source saw %v, want %v", src.Commands, want)
	}
	for i := range want {
		if src.Commands[i] != want[i] {
			t.Errorf("source command %d = %q, want %q", i, src.Commands[i], want[i])
		}
	}
	if !src.On {
		t.Error("source output not enabled after startup")
	}
}

func TestRunnerRejectsConcurrentStart(t *testing.T) {
	sess, _ := testSession(func(Measurement) {})
	r := &Runner{}
	p := &OscillatingCapture{
		Session: sess,
		RollMin: -1, RollMax: 1, RollVelocity: 50,
		PitchMin: -1, PitchMax: 1, PitchVelocity: 50,
		PollInterval: time.Millisecond,
	}
	if err := r.Start("capture", p); err != nil {
		t.Fatal(err)
	}
	if err := r.Start("capture", p); !errors.Is(err, ErrBusy) {
		t.Errorf("second start returned %v, want ErrBusy", err)
	}
	st := r.Status()
	if !st.Running || st.Procedure != "capture" {
		t.Errorf("status %+v, want running capture", st)
	}
	// let the capture get through startup so cancellation is a clean end,
	// not a startup failure
	time.Sleep(100 * time.Millisecond)
	r.Stop()
	if err := r.Wait(); err != nil {
		t.Errorf("capture ended with %v, want nil on cancel", err)
	}
	if r.Status().Running {
		t.Error("runner still reports running after Wait")
	}
}

func TestRunnerFactoryParams(t *testing.T) {
	var gotParams struct {
		Bias float64 `json:"bias"`
	}
	factory := func(raw json.RawMessage) (Procedure, error) {
		return nil, json.Unmarshal(raw, &gotParams)
	}
	if _, err := factory(json.RawMessage(`{"bias": 10}`)); err != nil {
		t.Fatal(err)
	}
	if gotParams.Bias != 10 {
		t.Errorf("decoded bias %v, want 10", gotParams.Bias)
	}
}
