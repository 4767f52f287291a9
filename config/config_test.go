package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-marge/stats"
	"github.com/tsawler/go-marge/transform"
)

const sample = `
paths:
  outputdir: out
  weight_file: best.json
data:
  inD: 4
  outD: 2
  ilog: "0,2"
  olog: all
model:
  denselayers: [16, 8]
  concrete_dropout: true
training:
  clr_steps: 4
  epochs: 12
`

func writeSample(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(New(), writeSample(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Data.InD != 4 || cfg.Data.OutD != 2 {
		t.Errorf("unexpected dims %d, %d", cfg.Data.InD, cfg.Data.OutD)
	}
	if len(cfg.Model.DenseLayers) != 2 || cfg.Model.DenseLayers[0] != 16 {
		t.Errorf("unexpected dense layers %v", cfg.Model.DenseLayers)
	}
	if n, err := cfg.CLRSteps(); err != nil || n != 4 {
		t.Errorf("expected clr_steps 4, got %d (%v)", n, err)
	}
	// untouched keys keep their defaults
	if cfg.Training.BatchSize != 256 || cfg.Training.Lengthscale != 1e-3 {
		t.Errorf("defaults lost: %+v", cfg.Training)
	}
	if got := cfg.WeightPath(); got != filepath.Join("out", "best.json") {
		t.Errorf("unexpected weight path %s", got)
	}

	mask, err := cfg.LogMask()
	if err != nil {
		t.Fatalf("LogMask failed: %v", err)
	}
	want := []bool{true, false, true, false, true, true}
	for i := range want {
		if mask[i] != want[i] {
			t.Fatalf("mask = %v, want %v", mask, want)
		}
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("MARGE_TRAINING_EPOCHS", "3")
	cfg, err := Load(New(), writeSample(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Training.Epochs != 3 {
		t.Errorf("expected environment to override epochs, got %d", cfg.Training.Epochs)
	}
}

func TestRangeTest(t *testing.T) {
	for _, v := range []string{"range test", "range_test", "Range Test"} {
		cfg := Default()
		cfg.Training.CLRSteps = v
		if !cfg.RangeTest() {
			t.Errorf("%q should select a range test", v)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Data.InD, cfg.Data.OutD = 3, 1
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("defaults with dims should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"dims", func(c *Config) { c.Data.OutD = 0 }, "data.inD"},
		{"log index", func(c *Config) { c.Data.ILog = "5" }, "out of range"},
		{"scale range", func(c *Config) { c.Data.ScaleLims = []float64{1, 1} }, "scalelims"},
		{"no dense", func(c *Config) { c.Model.DenseLayers = nil }, "denselayers"},
		{"dropout init", func(c *Config) { c.Model.ConcreteDropout = true; c.Model.InitMin = 1 }, "init_min"},
		{"lr order", func(c *Config) { c.Training.MaxLR = 1e-4 }, "max_lr"},
		{"clr mode", func(c *Config) { c.Training.CLRMode = "sawtooth" }, "clr_mode"},
		{"clr steps", func(c *Config) { c.Training.CLRSteps = "many" }, "clr_steps"},
		{"no split", func(c *Config) {
			c.Training.TrainFlag, c.Training.ValidFlag, c.Training.TestFlag = false, false, false
		}, "trainflag"},
		{"log level", func(c *Config) { c.Output.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "marge.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("expected an error when the file exists")
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Training.MaxLR != def.Training.MaxLR || cfg.Paths.FMean != def.Paths.FMean || cfg.Data.ILog != def.Data.ILog {
		t.Errorf("written defaults do not round trip: %+v", cfg)
	}
}

func TestWorkersDefault(t *testing.T) {
	cfg := Default()
	if cfg.Workers() < 1 {
		t.Errorf("expected at least one worker, got %d", cfg.Workers())
	}
	cfg.Training.NCores = 3
	if cfg.Workers() != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Workers())
	}
}

func TestEpsilonFloorsStdevOnly(t *testing.T) {
	cfg := Default()
	cfg.Data.Epsilon = 0.5
	cfg.Data.Normalize = true
	cfg.Data.Scale = false

	// dimension 0 is logged, dimension 1 has zero stdev
	st := stats.Stats{Mean: []float64{0, 1}, Stdev: []float64{1, 0}, Min: []float64{0, 0}, Max: []float64{1, 1}}
	tr, err := transform.New(st, cfg.TransformConfig([]bool{true, false}))
	if err != nil {
		t.Fatalf("transform.New failed: %v", err)
	}
	got, err := tr.Forward([]float64{100, 2})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.Abs(got[0]-2) > 1e-12 {
		t.Errorf("log10(100) should not be offset by epsilon, got %v", got[0])
	}
	if math.Abs(got[1]-2) > 1e-12 {
		t.Errorf("expected (2-1)/0.5 = 2 with the stdev floor, got %v", got[1])
	}
}
