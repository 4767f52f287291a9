package training

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	RegressionScatter    PlotType = "regression_scatter"
	ResidualPlot         PlotType = "residual_plot"
)

// PlotData is the JSON document handed to external plotting tools
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line" or "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// VisualizationCollector gathers training curves and one output dimension
// of predictions for plotting. It implements EpochRecorder.
type VisualizationCollector struct {
	modelName string

	epochs         []int
	trainingLoss   []float64
	validationLoss []float64
	learningRates  []float64

	predictions []float64
	trueValues  []float64
	residuals   []float64
}

// NewVisualizationCollector creates a new visualization collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch records epoch-level losses
func (vc *VisualizationCollector) RecordEpoch(_ context.Context, r EpochResult) error {
	vc.epochs = append(vc.epochs, r.Epoch+1)
	vc.trainingLoss = append(vc.trainingLoss, r.TrainLoss)
	if r.HasValid {
		vc.validationLoss = append(vc.validationLoss, r.ValidLoss)
	}
	return nil
}

// RecordLearningRates appends per-step learning rates
func (vc *VisualizationCollector) RecordLearningRates(lrs []float64) {
	vc.learningRates = append(vc.learningRates, lrs...)
}

// RecordRegressionData records predictions and true values in physical units
func (vc *VisualizationCollector) RecordRegressionData(predictions, trueValues []float64) {
	vc.predictions = append(vc.predictions, predictions...)
	vc.trueValues = append(vc.trueValues, trueValues...)
	for i := range predictions {
		vc.residuals = append(vc.residuals, predictions[i]-trueValues[i])
	}
}

func lossScaleConfig(x, y string) PlotConfig {
	return PlotConfig{
		XAxisLabel: x,
		YAxisLabel: y,
		XAxisScale: "linear",
		YAxisScale: "log",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      800,
		Height:     600,
	}
}

func squareConfig(x, y string) PlotConfig {
	return PlotConfig{
		XAxisLabel: x,
		YAxisLabel: y,
		XAxisScale: "linear",
		YAxisScale: "linear",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      600,
		Height:     600,
	}
}

// GenerateTrainingCurvesPlot generates training curves plot data
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	train := SeriesData{
		Name:  "Training Loss",
		Type:  "line",
		Data:  make([]DataPoint, len(vc.trainingLoss)),
		Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2},
	}
	for i, loss := range vc.trainingLoss {
		train.Data[i] = DataPoint{X: float64(vc.epochs[i]), Y: loss}
	}
	series := []SeriesData{train}

	if len(vc.validationLoss) == len(vc.epochs) && len(vc.validationLoss) > 0 {
		valid := SeriesData{
			Name:  "Validation Loss",
			Type:  "line",
			Data:  make([]DataPoint, len(vc.validationLoss)),
			Style: map[string]interface{}{"color": "#FF9F43", "line_width": 2, "line_style": "dashed"},
		}
		for i, loss := range vc.validationLoss {
			valid.Data[i] = DataPoint{X: float64(vc.epochs[i]), Y: loss}
		}
		series = append(series, valid)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config:    lossScaleConfig("Epoch", "Loss"),
	}
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	lr := SeriesData{
		Name:  "Learning Rate",
		Type:  "line",
		Data:  make([]DataPoint, len(vc.learningRates)),
		Style: map[string]interface{}{"color": "#6C5CE7", "line_width": 2},
	}
	for i, v := range vc.learningRates {
		lr.Data[i] = DataPoint{X: float64(i), Y: v}
	}
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{lr},
		Config:    lossScaleConfig("Step", "Learning Rate"),
	}
}

func span(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// GenerateRegressionScatterPlot generates predicted-versus-true plot data
func (vc *VisualizationCollector) GenerateRegressionScatterPlot() PlotData {
	if len(vc.predictions) == 0 {
		return PlotData{}
	}

	scatter := make([]DataPoint, len(vc.predictions))
	for i := range vc.predictions {
		scatter[i] = DataPoint{X: vc.trueValues[i], Y: vc.predictions[i]}
	}
	lo, hi := span(vc.trueValues)

	return PlotData{
		PlotType:  RegressionScatter,
		Title:     fmt.Sprintf("Regression Scatter Plot - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			{
				Name:  "Predictions",
				Type:  "scatter",
				Data:  scatter,
				Style: map[string]interface{}{"color": "#4ECDC4", "alpha": 0.6},
			},
			{
				Name:  "Perfect Prediction",
				Type:  "line",
				Data:  []DataPoint{{X: lo, Y: lo}, {X: hi, Y: hi}},
				Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2, "line_style": "dashed"},
			},
		},
		Config: squareConfig("True Values", "Predicted Values"),
	}
}

// GenerateResidualPlot generates residual plot data
func (vc *VisualizationCollector) GenerateResidualPlot() PlotData {
	if len(vc.residuals) == 0 {
		return PlotData{}
	}

	points := make([]DataPoint, len(vc.residuals))
	for i := range vc.residuals {
		points[i] = DataPoint{X: vc.predictions[i], Y: vc.residuals[i]}
	}
	lo, hi := span(vc.predictions)

	return PlotData{
		PlotType:  ResidualPlot,
		Title:     fmt.Sprintf("Residual Plot - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			{
				Name:  "Residuals",
				Type:  "scatter",
				Data:  points,
				Style: map[string]interface{}{"color": "#FF9F43", "alpha": 0.6},
			},
			{
				Name:  "Zero Line",
				Type:  "line",
				Data:  []DataPoint{{X: lo, Y: 0}, {X: hi, Y: 0}},
				Style: map[string]interface{}{"color": "#95A5A6", "line_width": 1, "line_style": "dashed"},
			},
		},
		Config: squareConfig("Predicted Values", "Residuals"),
	}
}

// WritePlots writes every non-empty plot as <dir>/<prefix><plot_type>.json
// and returns the paths written
func (vc *VisualizationCollector) WritePlots(dir, prefix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}
	plots := []PlotData{
		vc.GenerateTrainingCurvesPlot(),
		vc.GenerateLearningRateSchedulePlot(),
		vc.GenerateRegressionScatterPlot(),
		vc.GenerateResidualPlot(),
	}
	var written []string
	for _, pd := range plots {
		if pd.PlotType == "" || len(pd.Series) == 0 || len(pd.Series[0].Data) == 0 {
			continue
		}
		data, err := pd.ToJSON()
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, prefix+string(pd.PlotType)+".json")
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			return written, fmt.Errorf("failed to write plot %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}
