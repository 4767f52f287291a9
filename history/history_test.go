package history

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-marge/evaluation"
	"github.com/tsawler/go-marge/training"
)

var _ training.EpochRecorder = (*Run)(nil)

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFile)
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	run, err := store.StartRun(ctx, "surrogate", false)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	results := []training.EpochResult{
		{Epoch: 0, TrainLoss: 1.5, ValidLoss: 1.2, HasValid: true, LearningRate: 1e-3, Steps: 4, Duration: 250 * time.Millisecond, Improved: true},
		{Epoch: 1, TrainLoss: math.NaN(), LearningRate: 2e-3, Steps: 4},
	}
	for _, r := range results {
		if err := run.RecordEpoch(ctx, r); err != nil {
			t.Fatalf("RecordEpoch failed: %v", err)
		}
	}
	if err := run.RecordEvaluation(ctx, &evaluation.Report{Mode: "test", Cases: 10, MeanRMSE: 0.1, MeanR2: 0.9}); err != nil {
		t.Fatalf("RecordEvaluation failed: %v", err)
	}

	epochs, err := store.Epochs(ctx, run.ID)
	if err != nil {
		t.Fatalf("Epochs failed: %v", err)
	}
	if len(epochs) != 2 {
		t.Fatalf("expected 2 epochs, got %d", len(epochs))
	}
	if !epochs[0].Improved || epochs[0].ValidLoss.Float64 != 1.2 || epochs[0].Duration != 250*time.Millisecond {
		t.Errorf("unexpected first epoch %+v", epochs[0])
	}
	if epochs[1].TrainLoss.Valid || epochs[1].ValidLoss.Valid {
		t.Errorf("expected NULL losses for the NaN epoch, got %+v", epochs[1])
	}

	evals, err := store.Evaluations(ctx, run.ID)
	if err != nil {
		t.Fatalf("Evaluations failed: %v", err)
	}
	if len(evals) != 1 || evals[0].Mode != "test" || evals[0].MeanR2.Float64 != 0.9 {
		t.Errorf("unexpected evaluations %+v", evals)
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFile)
	for i := 0; i < 2; i++ {
		store, err := Open(path)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if _, err := store.StartRun(ctx, "run", i > 0); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		store.Close()
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
	if n, err := store.Runs(ctx); err != nil || n != 2 {
		t.Errorf("expected 2 runs, got %d (%v)", n, err)
	}
}
