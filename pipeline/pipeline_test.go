package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-marge/config"
	"github.com/tsawler/go-marge/dataset"
	"github.com/tsawler/go-marge/evaluation"
	"github.com/tsawler/go-marge/history"
	"github.com/tsawler/go-marge/training"
)

// writeRaw writes shards of y = 1 + x0 + 2*x1, which is positive for the
// log-transformed output
func writeRaw(t *testing.T, datadir string, split dataset.Split, shards, perShard int, seed int64) {
	t.Helper()
	dir := filepath.Join(datadir, string(split))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", dir, err)
	}
	rng := rand.New(rand.NewSource(seed))
	for s := 0; s < shards; s++ {
		rows := make([][]float64, perShard)
		for i := range rows {
			x0, x1 := rng.Float64(), rng.Float64()
			rows[i] = []float64{x0, x1, 1 + x0 + 2*x1}
		}
		path := filepath.Join(dir, string(split)+"-"+string(rune('a'+s))+".npy")
		if err := dataset.WriteShard(path, rows); err != nil {
			t.Fatalf("WriteShard failed: %v", err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	datadir := filepath.Join(root, "data")
	writeRaw(t, datadir, dataset.Train, 2, 20, 1)
	writeRaw(t, datadir, dataset.Valid, 1, 10, 2)
	writeRaw(t, datadir, dataset.Test, 1, 10, 3)

	cfg := config.Default()
	cfg.Paths.InputDir = filepath.Join(root, "inputs")
	cfg.Paths.OutputDir = filepath.Join(root, "outputs")
	cfg.Paths.DataDir = datadir
	cfg.Paths.PlotDir = filepath.Join(root, "plots")
	cfg.Paths.PredDir = filepath.Join(root, "pred")
	cfg.Data.InD, cfg.Data.OutD = 2, 1
	cfg.Data.OLog = "all"
	cfg.Data.ShardCases = 8
	cfg.Model.DenseLayers = []int{8}
	cfg.Training.BatchSize = 5
	cfg.Training.NCores = 2
	cfg.Training.Epochs = 3
	cfg.Training.CLRSteps = "2"
	cfg.Training.MaxLR = 1e-2
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Training == nil || summary.Training.Epochs != 3 {
		t.Fatalf("expected 3 trained epochs, got %+v", summary.Training)
	}
	if got := len(summary.Training.LRHistory); got != 3*8 {
		t.Errorf("expected %d learning rate steps, got %d", 3*8, got)
	}
	for _, mode := range []string{ModeValid, ModeTest} {
		r, ok := summary.Reports[mode]
		if !ok {
			t.Fatalf("missing %s report", mode)
		}
		if r.Cases != 10 || len(r.RMSE) != 1 {
			t.Errorf("%s: unexpected report %+v", mode, r)
		}
		if _, err := os.Stat(evaluation.ArchivePath(cfg.Paths.OutputDir, cfg.Paths.RMSEFile, mode)); err != nil {
			t.Errorf("%s: missing RMSE archive: %v", mode, err)
		}
	}

	for _, name := range []string{cfg.Paths.FMean, cfg.Paths.FStdev, cfg.Paths.FMin, cfg.Paths.FMax, cfg.Paths.FSize} {
		if _, err := os.Stat(filepath.Join(cfg.Paths.InputDir, name)); err != nil {
			t.Errorf("missing cache file %s: %v", name, err)
		}
	}
	if len(summary.Plots) == 0 {
		t.Error("expected plot data files")
	}

	store, err := history.Open(filepath.Join(cfg.Paths.OutputDir, history.DefaultFile))
	if err != nil {
		t.Fatalf("history.Open failed: %v", err)
	}
	defer store.Close()
	epochs, err := store.Epochs(context.Background(), 1)
	if err != nil || len(epochs) != 3 {
		t.Errorf("expected 3 epochs in history, got %d (%v)", len(epochs), err)
	}
}

func TestEvaluateOnlyLoadsWeights(t *testing.T) {
	cfg := testConfig(t)
	p, _ := New(cfg, nil, nil)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("training run failed: %v", err)
	}

	cfg.Training.TrainFlag = false
	cfg.Training.ValidFlag = false
	p, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("evaluate run failed: %v", err)
	}
	if summary.Training != nil {
		t.Error("expected no training")
	}
	if _, ok := summary.Reports[ModeTest]; !ok || len(summary.Reports) != 1 {
		t.Errorf("expected only a test report, got %v", summary.Reports)
	}
}

func TestRangeTestSkipsEvaluation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.CLRSteps = config.RangeTest
	p, _ := New(cfg, nil, nil)

	sched, err := p.SchedulerConfig(8)
	if err != nil {
		t.Fatalf("SchedulerConfig failed: %v", err)
	}
	// one rising half cycle spans every step of the run
	if sched.StepSize != 2*8*cfg.Training.Epochs {
		t.Errorf("range test period %d, want %d", sched.StepSize, 2*8*cfg.Training.Epochs)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Reports) != 0 {
		t.Errorf("range test must not evaluate, got %v", summary.Reports)
	}
}

func TestSchedulerPeriodFromCLRSteps(t *testing.T) {
	tests := []struct {
		mode string
		want int
	}{
		{training.ModeTriangular, 2 * 8 * 2},
		{training.ModeTriangular2, 2 * 8 * 2},
		{training.ModeStep, 2},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Training.CLRMode = tt.mode
			p, err := New(cfg, nil, nil)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			sched, err := p.SchedulerConfig(8)
			if err != nil {
				t.Fatalf("SchedulerConfig failed: %v", err)
			}
			if sched.StepSize != tt.want {
				t.Errorf("step size %d, want %d", sched.StepSize, tt.want)
			}
		})
	}
}

func TestStageErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.DataDir = filepath.Join(t.TempDir(), "missing")
	p, _ := New(cfg, nil, nil)

	_, err := p.Run(context.Background())
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageStats {
		t.Errorf("expected failure in %s, got %s", StageStats, se.Stage)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	if _, err := New(cfg, nil, nil); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
