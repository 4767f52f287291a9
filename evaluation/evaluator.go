package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-marge/async"
	"github.com/tsawler/go-marge/dataset"
	"github.com/tsawler/go-marge/transform"
)

// Predictor runs inference on a batch of transformed inputs
type Predictor interface {
	Predict(x *mat.Dense) (*mat.Dense, error)
}

// BatchSource yields batches from a deterministic stream
type BatchSource interface {
	Next(ctx context.Context) (*async.Batch, error)
}

// Config controls one evaluation pass
type Config struct {
	Mode    string // split label used in file names, e.g. "test"
	Batches int

	OutputDir string
	RMSEFile  string // produces <OutputDir>/<RMSEFile>_<Mode>.npz
	R2File    string
	PredDir   string // per-batch dumps under <PredDir>/<Mode>/, skipped when empty

	// OnCase, when set, receives every case in original units
	OnCase func(pred, truth []float64)

	Logger logrus.FieldLogger
}

// Evaluator scores a model in original units
type Evaluator struct {
	model   Predictor
	outputs *transform.Transform
	config  Config
	logger  logrus.FieldLogger
}

// NewEvaluator creates an evaluator. outputs is the transform restricted to
// the target dimensions.
func NewEvaluator(model Predictor, outputs *transform.Transform, config Config) (*Evaluator, error) {
	if model == nil || outputs == nil {
		return nil, errors.New("evaluator needs a model and an output transform")
	}
	if config.Batches <= 0 {
		return nil, fmt.Errorf("batch count must be positive, got %d", config.Batches)
	}
	if config.Mode == "" {
		config.Mode = string(dataset.Test)
	}
	logger := config.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Evaluator{model: model, outputs: outputs, config: config, logger: logger}, nil
}

// Run evaluates config.Batches batches from src and writes the archives
func (e *Evaluator) Run(ctx context.Context, src BatchSource) (*Report, error) {
	acc := NewAccumulator(e.outputs.Dims())
	predDir := ""
	if e.config.PredDir != "" {
		predDir = filepath.Join(e.config.PredDir, e.config.Mode)
		if err := os.MkdirAll(predDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: failed to create prediction directory: %v", dataset.ErrIO, err)
		}
	}

	for b := 0; b < e.config.Batches; b++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read batch %d: %w", b, err)
		}
		pred, err := e.model.Predict(batch.Inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to predict batch %d: %w", b, err)
		}
		if predDir != "" {
			if err := e.dump(predDir, b, pred, batch.Targets); err != nil {
				return nil, err
			}
		}

		rows, _ := pred.Dims()
		for i := 0; i < rows; i++ {
			p := e.outputs.Inverse(pred.RawRowView(i))
			t := e.outputs.Inverse(batch.Targets.RawRowView(i))
			if err := acc.Add(p, t); err != nil {
				return nil, err
			}
			if e.config.OnCase != nil {
				e.config.OnCase(p, t)
			}
		}
	}

	report := acc.Report(e.config.Mode)
	if err := e.writeArchives(report); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"mode":      report.Mode,
		"cases":     report.Cases,
		"rmse_mean": report.MeanRMSE,
		"r2_mean":   report.MeanR2,
	}).Info("Evaluation complete")
	return report, nil
}

// dump persists transformed-space predictions and truths of one batch
func (e *Evaluator) dump(dir string, index int, pred, truth *mat.Dense) error {
	mode := e.config.Mode
	if err := writeNpy(filepath.Join(dir, fmt.Sprintf("%spred-%04d.npy", mode, index)), pred); err != nil {
		return err
	}
	return writeNpy(filepath.Join(dir, fmt.Sprintf("%strue-%04d.npy", mode, index)), truth)
}

func (e *Evaluator) writeArchives(r *Report) error {
	if e.config.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create output directory: %v", dataset.ErrIO, err)
	}
	if e.config.RMSEFile != "" {
		path := ArchivePath(e.config.OutputDir, e.config.RMSEFile, r.Mode)
		if err := writeArchive(path, "rmse", r.RMSE, r.MeanRMSE); err != nil {
			return err
		}
	}
	if e.config.R2File != "" {
		path := ArchivePath(e.config.OutputDir, e.config.R2File, r.Mode)
		if err := writeArchive(path, "r2", r.R2, r.MeanR2); err != nil {
			return err
		}
	}
	return nil
}

// ArchivePath returns <dir>/<base>_<mode>.npz
func ArchivePath(dir, base, mode string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.npz", base, mode))
}

// writeArchive stores the vector under name and its mean as a one-element
// array under name_mean
func writeArchive(path, name string, values []float64, mean float64) error {
	w, err := npz.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", dataset.ErrIO, path, err)
	}
	if err := w.Write(name, values); err != nil {
		w.Close()
		return fmt.Errorf("%w: failed to write %s: %v", dataset.ErrIO, path, err)
	}
	if err := w.Write(name+"_mean", []float64{mean}); err != nil {
		w.Close()
		return fmt.Errorf("%w: failed to write %s: %v", dataset.ErrIO, path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %v", dataset.ErrIO, path, err)
	}
	return nil
}

// ReadArchive loads the vector and mean written by writeArchive
func ReadArchive(path, name string) ([]float64, float64, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to open %s: %v", dataset.ErrIO, path, err)
	}
	defer r.Close()

	var values, mean []float64
	if err := r.Read(name, &values); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read %s from %s: %v", dataset.ErrIO, name, path, err)
	}
	if err := r.Read(name+"_mean", &mean); err != nil || len(mean) != 1 {
		return nil, 0, fmt.Errorf("%w: failed to read %s_mean from %s: %v", dataset.ErrIO, name, path, err)
	}
	return values, mean[0], nil
}

func writeNpy(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", dataset.ErrIO, path, err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to write %s: %v", dataset.ErrIO, path, err)
	}
	return f.Close()
}
