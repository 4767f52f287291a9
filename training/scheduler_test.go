package training

import (
	"math"
	"path/filepath"
	"testing"
)

func TestCyclicLRWaveform(t *testing.T) {
	s := NewCyclicLR(0.1, 8, ModeTriangular, 1)
	base := 0.01

	tests := []struct {
		step int
		want float64
	}{
		{0, 0.01},
		{2, 0.055},
		{4, 0.1}, // peak half way through the period
		{6, 0.055},
		{8, 0.01},
		{12, 0.1},
	}
	for _, tt := range tests {
		if lr := s.GetLR(0, tt.step, base); math.Abs(lr-tt.want) > 1e-12 {
			t.Errorf("step %d: expected LR %g, got %g", tt.step, tt.want, lr)
		}
	}
}

func TestCyclicLRPeriodAndBounds(t *testing.T) {
	base, max := 1e-3, 1e-1
	for _, mode := range []string{ModeTriangular, ModeTriangular2, ModeExpRange} {
		s := NewCyclicLR(max, 5, mode, 0.999)
		for step := 0; step < 200; step++ {
			lr := s.GetLR(0, step, base)
			if lr < base-1e-15 || lr > max+1e-15 {
				t.Errorf("%s step %d: LR %g outside [%g, %g]", mode, step, lr, base, max)
			}
			if mode == ModeTriangular {
				if next := s.GetLR(0, step+s.StepSize, base); math.Abs(next-lr) > 1e-12 {
					t.Errorf("step %d: LR %g differs from one period later %g", step, lr, next)
				}
			}
		}
	}
}

func TestCyclicSchedulerRepeatsEveryStepSize(t *testing.T) {
	for _, size := range []int{4, 5} {
		s, err := NewCyclicScheduler(SchedulerConfig{Mode: ModeTriangular, BaseLR: 0.01, MaxLR: 0.1, StepSize: size})
		if err != nil {
			t.Fatalf("NewCyclicScheduler failed: %v", err)
		}
		lrs := make([]float64, 4*size)
		for i := range lrs {
			lrs[i] = s.Advance()
		}
		if lrs[0] != 0.01 {
			t.Errorf("step size %d: first rate %g, want base rate", size, lrs[0])
		}
		for i := 0; i+size < len(lrs); i++ {
			if math.Abs(lrs[i]-lrs[i+size]) > 1e-12 {
				t.Errorf("step size %d: rate(%d)=%g != rate(%d)=%g", size, i, lrs[i], i+size, lrs[i+size])
			}
		}
	}
	s, _ := NewCyclicScheduler(SchedulerConfig{Mode: ModeTriangular, BaseLR: 0.01, MaxLR: 0.1, StepSize: 4})
	var peak float64
	for i := 0; i < 3; i++ {
		peak = s.Advance()
	}
	if math.Abs(peak-0.1) > 1e-12 {
		t.Errorf("expected max rate at step 2 of a 4-step period, got %g", peak)
	}
}

func TestCyclicLRTriangular2Halves(t *testing.T) {
	s := NewCyclicLR(1.1, 4, ModeTriangular2, 1)
	peaks := []float64{s.GetLR(0, 2, 0.1), s.GetLR(0, 6, 0.1), s.GetLR(0, 10, 0.1)}
	want := []float64{1.1, 0.6, 0.35}
	for i := range peaks {
		if math.Abs(peaks[i]-want[i]) > 1e-12 {
			t.Errorf("cycle %d: expected peak %g, got %g", i+1, want[i], peaks[i])
		}
	}
}

func TestCyclicSchedulerResume(t *testing.T) {
	config := SchedulerConfig{Mode: ModeTriangular2, BaseLR: 1e-3, MaxLR: 1e-2, StepSize: 3}
	reference, err := NewCyclicScheduler(config)
	if err != nil {
		t.Fatalf("NewCyclicScheduler failed: %v", err)
	}
	var want []float64
	for i := 0; i < 30; i++ {
		want = append(want, reference.Advance())
	}

	first, _ := NewCyclicScheduler(config)
	var got []float64
	for i := 0; i < 13; i++ {
		got = append(got, first.Advance())
	}
	path := filepath.Join(t.TempDir(), "clr.epoch0001.json")
	if err := first.SaveState(path); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	resumed, err := LoadScheduler(path)
	if err != nil {
		t.Fatalf("LoadScheduler failed: %v", err)
	}
	if resumed.Step() != 13 {
		t.Fatalf("expected step 13 after resume, got %d", resumed.Step())
	}
	peek := resumed.Peek()
	for i := 13; i < 30; i++ {
		got = append(got, resumed.Advance())
	}
	if peek != want[13] {
		t.Errorf("Peek returned %g, want %g", peek, want[13])
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d: resumed rate %g, uninterrupted %g", i, got[i], want[i])
		}
	}
}

func TestCyclicSchedulerConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config SchedulerConfig
	}{
		{"zero base", SchedulerConfig{Mode: ModeTriangular, MaxLR: 0.1}},
		{"max below base", SchedulerConfig{Mode: ModeTriangular, BaseLR: 0.1, MaxLR: 0.01}},
		{"unknown mode", SchedulerConfig{Mode: "sawtooth", BaseLR: 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCyclicScheduler(tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := RestoreScheduler(SchedulerState{SchedulerConfig: SchedulerConfig{BaseLR: 0.1, MaxLR: 0.2}, Step: -1}); err == nil {
		t.Error("expected error for negative step")
	}
}

func TestEpochSchedulesThroughStepCounter(t *testing.T) {
	s, err := NewCyclicScheduler(SchedulerConfig{Mode: ModeStep, BaseLR: 0.1, StepSize: 2, Gamma: 0.5, StepsPerEpoch: 3})
	if err != nil {
		t.Fatalf("NewCyclicScheduler failed: %v", err)
	}
	// epochs 0-1 at 0.1, epochs 2-3 at 0.05
	for i := 0; i < 12; i++ {
		want := 0.1
		if i >= 6 {
			want = 0.05
		}
		if lr := s.Advance(); math.Abs(lr-want) > 1e-12 {
			t.Errorf("step %d: expected LR %g, got %g", i, want, lr)
		}
	}
}

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
		tolerance  float64
	}{
		{0, 0.01, 1e-6},
		{5, 0.0001, 1e-6},
		{2, 0.006580, 1e-6},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > tt.tolerance {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}

	if lr := scheduler.GetLR(10, 0, baseLR); lr != 0.0001 {
		t.Errorf("Beyond TMax: expected LR %f, got %f", 0.0001, lr)
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewCyclicLR(0.1, 10, ModeExpRange, 0.99), "CyclicLR(exp_range)"},
		{NewCyclicLR(0.1, 10, "bogus", 0.99), "CyclicLR(triangular)"},
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{&NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		name := tt.scheduler.GetName()
		if name != tt.expected {
			t.Errorf("Expected name %s, got %s", tt.expected, name)
		}
	}
}
