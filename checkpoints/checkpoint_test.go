package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-marge/layers"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 3}).
		AddDense(2, true, "dense1").
		AddReLU("relu1").
		AddDense(1, true, "output").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return &Checkpoint{
		ModelSpec: model,
		Weights: []WeightTensor{
			{Name: "dense1.weight", Shape: []int{3, 2}, Data: []float64{1, 2, 3, 4, 5, 6}, Layer: "dense1", Type: "weight"},
			{Name: "dense1.bias", Shape: []int{2}, Data: []float64{0.5, -0.5}, Layer: "dense1", Type: "bias"},
		},
		TrainingState: TrainingState{Epoch: 4, Step: 40, LearningRate: 1e-3, BestLoss: 0.25, TotalSteps: 40},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"beta1": 0.9},
			StateData:  []OptimizerTensor{{Name: "m_0", Shape: []int{6}, Data: make([]float64, 6), StateType: "m"}},
		},
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	saver := NewCheckpointSaver()
	original := testCheckpoint(t)

	if err := saver.SaveCheckpoint(original, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.TrainingState != original.TrainingState {
		t.Errorf("training state: expected %+v, got %+v", original.TrainingState, loaded.TrainingState)
	}
	if len(loaded.Weights) != 2 || loaded.Weights[0].Data[5] != 6 {
		t.Errorf("weights not restored: %+v", loaded.Weights)
	}
	if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "Adam" {
		t.Errorf("optimizer state not restored: %+v", loaded.OptimizerState)
	}
	if loaded.Metadata.Framework != "go-marge" {
		t.Errorf("expected framework metadata, got %q", loaded.Metadata.Framework)
	}
	if !loaded.ModelSpec.Compiled || len(loaded.ModelSpec.Layers) != 3 {
		t.Errorf("model spec not restored: %+v", loaded.ModelSpec)
	}
}

func TestSaveCheckpointReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	saver := NewCheckpointSaver()

	first := testCheckpoint(t)
	if err := saver.SaveCheckpoint(first, path); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	bad := testCheckpoint(t)
	bad.TrainingState.Epoch = 9
	bad.Weights[0].Data[0] = math.NaN()
	if err := saver.SaveCheckpoint(bad, path); err == nil {
		t.Fatal("expected error saving NaN weights")
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.TrainingState.Epoch != 4 {
		t.Errorf("failed save should leave previous checkpoint, got epoch %d", loaded.TrainingState.Epoch)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, found %d entries", len(entries))
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	if _, err := NewCheckpointSaver().LoadCheckpoint(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("expected error for missing checkpoint")
	}
}

func TestReadWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	in := map[string]int{"step": 7}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	var out map[string]int
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if out["step"] != 7 {
		t.Errorf("expected step 7, got %v", out)
	}
}
