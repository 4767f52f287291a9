package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-marge/layers"
)

// ProgressBar renders a single-line PyTorch-style progress indicator
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %d/%d [%s] %s<%s",
		pb.description, pb.current, pb.total, bar, formatDuration(elapsed), formatDuration(eta))

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" - %s: %.4e", k, pb.metrics[k])
	}
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a layer-by-layer model summary
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the model architecture to out
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(out, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Input shape: %v, output shape: %v\n", modelSpec.InputShape[1:], modelSpec.OutputShape[1:])
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		return fmt.Sprintf("(%s): %s", layer.Name, formatDense(layer))
	case layers.Conv1D:
		return fmt.Sprintf("(%s): Conv1d(%d, %d, kernel_size=%d, padding=same, bias=%t)",
			layer.Name,
			layers.IntParam(layer.Parameters, "input_channels", 0),
			layers.IntParam(layer.Parameters, "filters", 0),
			layers.IntParam(layer.Parameters, "kernel_size", 0),
			layers.BoolParam(layer.Parameters, "use_bias", true))
	case layers.MaxPool1D:
		return fmt.Sprintf("(%s): MaxPool1d(kernel_size=%d)", layer.Name, layers.IntParam(layer.Parameters, "pool_size", 2))
	case layers.ConcreteDropout:
		inner := "?"
		if layer.Wrapped != nil {
			inner = formatDense(*layer.Wrapped)
		}
		return fmt.Sprintf("(%s): ConcreteDropout(%s, mc=%t)", layer.Name, inner,
			layers.BoolParam(layer.Parameters, "mc_dropout", false))
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s() -> %v", layer.Name, layer.Type.String(), layer.OutputShape)
	}
}

func formatDense(layer layers.LayerSpec) string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)",
		layers.IntParam(layer.Parameters, "input_size", 0),
		layers.IntParam(layer.Parameters, "output_size", 0),
		layers.BoolParam(layer.Parameters, "use_bias", true))
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
