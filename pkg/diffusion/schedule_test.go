package diffusion

import (
	"math"
	"testing"
)

func testScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		TrainTimesteps: 1000,
		BetaStart:      0.00085,
		BetaEnd:        0.012,
		ScaledLinear:   true,
	}
}

func TestNewScheduleValidation(t *testing.T) {
	cfg := testScheduleConfig()
	if _, err := NewSchedule(cfg, 0); err == nil {
		t.Error("expected error for zero inference steps")
	}
	if _, err := NewSchedule(cfg, 1001); err == nil {
		t.Error("expected error for steps exceeding train timesteps")
	}
	bad := cfg
	bad.BetaEnd = bad.BetaStart
	if _, err := NewSchedule(bad, 20); err == nil {
		t.Error("expected error for degenerate beta range")
	}
	bad = cfg
	bad.TrainTimesteps = 0
	if _, err := NewSchedule(bad, 1); err == nil {
		t.Error("expected error for zero train timesteps")
	}
}

func TestTimestepsDescending(t *testing.T) {
	s, err := NewSchedule(testScheduleConfig(), 20)
	if err != nil {
		t.Fatal(err)
	}
	ts := s.Timesteps()
	if len(ts) != 20 {
		t.Fatalf("len(Timesteps) = %d, want 20", len(ts))
	}
	if ts[0] != 950 {
		t.Errorf("first timestep = %d, want 950", ts[0])
	}
	if ts[len(ts)-1] != 0 {
		t.Errorf("last timestep = %d, want 0", ts[len(ts)-1])
	}
	for i := 1; i < len(ts); i++ {
		if ts[i] >= ts[i-1] {
			t.Fatalf("timesteps not strictly descending at %d: %d >= %d", i, ts[i], ts[i-1])
		}
	}
	if s.MaxTimestep() != ts[0] {
		t.Errorf("MaxTimestep = %d, want %d", s.MaxTimestep(), ts[0])
	}
}

func TestAlphaCumMonotone(t *testing.T) {
	s, err := NewSchedule(testScheduleConfig(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.AlphaCum(-5); got != 1 {
		t.Errorf("AlphaCum(-5) = %f, want 1", got)
	}
	prev := 1.0
	for t0 := 0; t0 < 1000; t0 += 50 {
		a := s.AlphaCum(t0)
		if a <= 0 || a >= prev {
			t.Fatalf("AlphaCum(%d) = %f not in (0, %f)", t0, a, prev)
		}
		prev = a
	}
	// First alpha is 1 - betaStart for the scaled-linear schedule too.
	if got := s.AlphaCum(0); math.Abs(got-(1-0.00085)) > 1e-9 {
		t.Errorf("AlphaCum(0) = %f, want %f", got, 1-0.00085)
	}
}

func TestPrevTimestep(t *testing.T) {
	s, err := NewSchedule(testScheduleConfig(), 10)
	if err != nil {
		t.Fatal(err)
	}
	// Step ratio 100: each timestep steps back 100, ending below zero.
	if got := s.PrevTimestep(900); got != 800 {
		t.Errorf("PrevTimestep(900) = %d, want 800", got)
	}
	if got := s.PrevTimestep(0); got != -100 {
		t.Errorf("PrevTimestep(0) = %d, want -100", got)
	}
}
