package training

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestVisualizationCollectorPlots(t *testing.T) {
	vc := NewVisualizationCollector("surrogate")
	for i, loss := range []float64{1, 0.5, 0.25} {
		vc.RecordEpoch(context.Background(), EpochResult{Epoch: i, TrainLoss: loss, ValidLoss: loss * 2, HasValid: true})
	}
	vc.RecordLearningRates([]float64{0.1, 0.2, 0.1})
	vc.RecordRegressionData([]float64{1, 2.5}, []float64{1, 2})

	curves := vc.GenerateTrainingCurvesPlot()
	if len(curves.Series) != 2 {
		t.Fatalf("expected training and validation series, got %d", len(curves.Series))
	}
	if p := curves.Series[1].Data[2]; p.X != 3 || p.Y != 0.5 {
		t.Errorf("unexpected validation point %+v", p)
	}

	residuals := vc.GenerateResidualPlot()
	if got := residuals.Series[0].Data[1].Y; got != 0.5 {
		t.Errorf("expected residual 0.5, got %v", got)
	}

	dir := t.TempDir()
	written, err := vc.WritePlots(dir, "test_")
	if err != nil {
		t.Fatalf("WritePlots failed: %v", err)
	}
	if len(written) != 4 {
		t.Fatalf("expected 4 plot files, got %v", written)
	}

	data, err := os.ReadFile(filepath.Join(dir, "test_regression_scatter.json"))
	if err != nil {
		t.Fatalf("failed to read plot: %v", err)
	}
	var pd PlotData
	if err := json.Unmarshal(data, &pd); err != nil {
		t.Fatalf("plot is not valid JSON: %v", err)
	}
	if pd.PlotType != RegressionScatter || pd.ModelName != "surrogate" {
		t.Errorf("unexpected plot header %+v", pd)
	}
}

func TestVisualizationCollectorSkipsEmptyPlots(t *testing.T) {
	vc := NewVisualizationCollector("empty")
	vc.RecordEpoch(context.Background(), EpochResult{Epoch: 0, TrainLoss: 1})

	written, err := vc.WritePlots(t.TempDir(), "")
	if err != nil {
		t.Fatalf("WritePlots failed: %v", err)
	}
	if len(written) != 1 {
		t.Errorf("expected only the training curves, got %v", written)
	}
}
