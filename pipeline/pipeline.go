// Package pipeline runs the end-to-end workflow: dataset sizes, statistics,
// record conversion, training and evaluation.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-marge/async"
	"github.com/tsawler/go-marge/config"
	"github.com/tsawler/go-marge/dataset"
	"github.com/tsawler/go-marge/engine"
	"github.com/tsawler/go-marge/evaluation"
	"github.com/tsawler/go-marge/history"
	"github.com/tsawler/go-marge/optimizer"
	"github.com/tsawler/go-marge/records"
	"github.com/tsawler/go-marge/stats"
	"github.com/tsawler/go-marge/training"
	"github.com/tsawler/go-marge/transform"
)

// Stage names used in StageError
const (
	StageStats    = "stats"
	StageRecords  = "records"
	StageTrain    = "train"
	StageEvaluate = "evaluate"
)

// RecordDir is the record shard directory inside inputdir
const RecordDir = "records"

// evaluation mode labels, matching the archive names <file>_val.npz and <file>_test.npz
const (
	ModeValid = "val"
	ModeTest  = "test"
)

// StageError reports which stage of the workflow failed
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// Prepared holds everything derived from the raw data
type Prepared struct {
	Sizes     dataset.Sizes
	Stats     stats.Stats
	Transform *transform.Transform
	Records   map[dataset.Split][]string
}

// Batches returns the number of whole batches in a split
func (p *Prepared) Batches(split dataset.Split, batchSize int) int {
	return p.Sizes.Of(split) / batchSize
}

// Summary is the outcome of Run
type Summary struct {
	Training *training.Result
	Reports  map[string]*evaluation.Report
	Plots    []string
}

// Pipeline drives one configured run
type Pipeline struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	progress io.Writer
}

// New validates cfg and creates a pipeline. progress receives the per-step
// progress bar and may be nil.
func New(cfg *config.Config, logger logrus.FieldLogger, progress io.Writer) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Pipeline{cfg: cfg, logger: logger, progress: progress}, nil
}

// Statistics loads or computes the dataset sizes and normalization statistics
func (p *Pipeline) Statistics(ctx context.Context) (dataset.Sizes, stats.Stats, error) {
	cfg := p.cfg
	if err := os.MkdirAll(cfg.Paths.InputDir, 0o755); err != nil {
		return dataset.Sizes{}, stats.Stats{}, stageErr(StageStats, err)
	}

	sizes, cached, err := dataset.LoadOrCountSizes(ctx, cfg.SizesFile(), cfg.Paths.DataDir, cfg.Workers())
	if err != nil {
		return dataset.Sizes{}, stats.Stats{}, stageErr(StageStats, err)
	}
	p.logger.WithFields(logrus.Fields{
		"train":  sizes.Train,
		"valid":  sizes.Valid,
		"test":   sizes.Test,
		"total":  sizes.Total(),
		"cached": cached,
	}).Info("Data set sizes")

	mask, err := cfg.LogMask()
	if err != nil {
		return sizes, stats.Stats{}, stageErr(StageStats, err)
	}
	files, err := dataset.SplitFiles(cfg.Paths.DataDir, dataset.Train)
	if err != nil {
		return sizes, stats.Stats{}, stageErr(StageStats, err)
	}
	st, err := stats.LoadOrCompute(ctx, cfg.StatsCache(), files, mask, cfg.Workers(), p.logger)
	if err != nil {
		return sizes, stats.Stats{}, stageErr(StageStats, err)
	}
	return sizes, st, nil
}

// Prepare computes statistics, builds the transform and makes sure record
// shards exist for every split
func (p *Pipeline) Prepare(ctx context.Context) (*Prepared, error) {
	cfg := p.cfg
	sizes, st, err := p.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	mask, err := cfg.LogMask()
	if err != nil {
		return nil, stageErr(StageRecords, err)
	}
	tr, err := transform.New(st, cfg.TransformConfig(mask))
	if err != nil {
		return nil, stageErr(StageRecords, err)
	}

	recordDir := filepath.Join(cfg.Paths.InputDir, RecordDir)
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return nil, stageErr(StageRecords, err)
	}
	prep := &Prepared{Sizes: sizes, Stats: st, Transform: tr, Records: map[dataset.Split][]string{}}
	for _, split := range dataset.Splits {
		if !p.needs(split) {
			continue
		}
		raw, err := dataset.SplitFiles(cfg.Paths.DataDir, split)
		if err != nil {
			return nil, stageErr(StageRecords, err)
		}
		files, err := records.Convert(ctx, records.ConvertConfig{
			Dir:        recordDir,
			Prefix:     cfg.Paths.RecordPrefix,
			Split:      split,
			InD:        cfg.Data.InD,
			OutD:       cfg.Data.OutD,
			ShardCases: cfg.Data.ShardCases,
		}, raw, tr, p.logger)
		if err != nil {
			return nil, stageErr(StageRecords, err)
		}
		prep.Records[split] = files
	}
	return prep, nil
}

// needs reports whether a split takes part in the configured run
func (p *Pipeline) needs(split dataset.Split) bool {
	t := p.cfg.Training
	switch split {
	case dataset.Train:
		return t.TrainFlag
	case dataset.Valid:
		return t.TrainFlag || t.ValidFlag
	case dataset.Test:
		return t.TestFlag
	}
	return false
}

// BuildModel builds and compiles the network
func (p *Pipeline) BuildModel() (*engine.Model, error) {
	spec, err := p.cfg.Architecture().Build(p.cfg.Training.BatchSize)
	if err != nil {
		return nil, err
	}
	model, err := engine.NewModel(spec, engine.NewContext(p.cfg.Model.Seed))
	if err != nil {
		return nil, err
	}
	adam := optimizer.DefaultAdamConfig()
	adam.LearningRate = p.cfg.Training.Lengthscale
	model.Compile(optimizer.NewAdamOptimizer(adam))
	return model, nil
}

func (p *Pipeline) stream(ctx context.Context, files []string, mode async.StreamMode) (*async.RecordStream, error) {
	return async.NewRecordStream(ctx, files, async.StreamConfig{
		InD:        p.cfg.Data.InD,
		OutD:       p.cfg.Data.OutD,
		BatchSize:  p.cfg.Training.BatchSize,
		Workers:    p.cfg.Workers(),
		BufferSize: p.cfg.Training.BufferSize,
		Mode:       mode,
		Seed:       p.cfg.Model.Seed,
		Logger:     p.logger,
	})
}

// SchedulerConfig derives the learning-rate schedule. clr_steps counts
// epochs per half cycle, so a cyclic period is 2 * train_batches * clr_steps
// steps. A range test is a single upward sweep over the whole run. The step
// mode decays every clr_steps epochs.
func (p *Pipeline) SchedulerConfig(trainBatches int) (training.SchedulerConfig, error) {
	t := p.cfg.Training
	epochs := t.Epochs
	if !p.cfg.RangeTest() {
		n, err := p.cfg.CLRSteps()
		if err != nil {
			return training.SchedulerConfig{}, err
		}
		epochs = n
	}
	stepSize := 2 * trainBatches * epochs
	if t.CLRMode == training.ModeStep {
		stepSize = epochs
	}
	return training.SchedulerConfig{
		Mode:          t.CLRMode,
		BaseLR:        t.Lengthscale,
		MaxLR:         t.MaxLR,
		StepSize:      stepSize,
		Gamma:         t.CLRGamma,
		StepsPerEpoch: trainBatches,
		Epochs:        t.Epochs,
	}, nil
}

// Train runs the training orchestrator. run may be nil.
func (p *Pipeline) Train(ctx context.Context, prep *Prepared, model *engine.Model, run *history.Run) (*training.Result, error) {
	cfg := p.cfg
	trainBatches := prep.Batches(dataset.Train, cfg.Training.BatchSize)
	validBatches := prep.Batches(dataset.Valid, cfg.Training.BatchSize)
	if trainBatches == 0 {
		return nil, stageErr(StageTrain, fmt.Errorf("training split holds %d cases, fewer than one batch of %d", prep.Sizes.Train, cfg.Training.BatchSize))
	}
	sched, err := p.SchedulerConfig(trainBatches)
	if err != nil {
		return nil, stageErr(StageTrain, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	train, err := p.stream(streamCtx, prep.Records[dataset.Train], async.Shuffled)
	if err != nil {
		return nil, stageErr(StageTrain, err)
	}
	defer train.Close()

	var valid training.BatchSource
	if validBatches > 0 {
		vs, err := p.stream(streamCtx, prep.Records[dataset.Valid], async.Deterministic)
		if err != nil {
			return nil, stageErr(StageTrain, err)
		}
		defer vs.Close()
		valid = vs
	}

	if err := os.MkdirAll(cfg.Paths.OutputDir, 0o755); err != nil {
		return nil, stageErr(StageTrain, err)
	}
	tc := training.Config{
		Epochs:     cfg.Training.Epochs,
		Patience:   cfg.Training.Patience,
		TrainSteps: trainBatches,
		ValidSteps: validBatches,
		Resume:     cfg.Training.Resume,
		Scheduler:  sched,
		Checkpoint: training.CheckpointConfig{
			WeightFile:    cfg.WeightPath(),
			MaxStateFiles: cfg.Training.MaxStates,
		},
		StopFile:     cfg.StopPath(),
		WatchSignals: true,
		Logger:       p.logger,
		Progress:     p.progress,
	}
	if run != nil {
		tc.History = run
	}

	if p.progress != nil {
		training.NewModelArchitecturePrinter("surrogate").PrintArchitecture(p.progress, model.Spec())
	}
	o, err := training.NewOrchestrator(model, train, valid, tc)
	if err != nil {
		return nil, stageErr(StageTrain, err)
	}
	res, err := o.Run(ctx)
	return res, stageErr(StageTrain, err)
}

// Evaluate scores model on the validation and test splits as configured.
// onCase, when set, receives every test case in original units.
func (p *Pipeline) Evaluate(ctx context.Context, prep *Prepared, model *engine.Model, run *history.Run, onCase func(pred, truth []float64)) (map[string]*evaluation.Report, error) {
	cfg := p.cfg
	reports := map[string]*evaluation.Report{}
	outputs := prep.Transform.Slice(cfg.Data.InD, cfg.Data.InD+cfg.Data.OutD)

	jobs := []struct {
		split dataset.Split
		mode  string
		on    bool
	}{
		{dataset.Valid, ModeValid, cfg.Training.ValidFlag || cfg.Training.TrainFlag},
		{dataset.Test, ModeTest, cfg.Training.TestFlag},
	}
	for _, job := range jobs {
		if !job.on {
			continue
		}
		batches := prep.Batches(job.split, cfg.Training.BatchSize)
		if batches == 0 {
			p.logger.WithField("split", job.split).Warn("split holds less than one batch, skipping evaluation")
			continue
		}
		report, err := p.evaluateSplit(ctx, prep.Records[job.split], model, outputs, evaluation.Config{
			Mode:      job.mode,
			Batches:   batches,
			OutputDir: cfg.Paths.OutputDir,
			RMSEFile:  cfg.Paths.RMSEFile,
			R2File:    cfg.Paths.R2File,
			PredDir:   cfg.Paths.PredDir,
			Logger:    p.logger,
		}, job.split == dataset.Test, onCase)
		if err != nil {
			return reports, stageErr(StageEvaluate, err)
		}
		reports[job.mode] = report
		if run != nil {
			if err := run.RecordEvaluation(ctx, report); err != nil {
				p.logger.WithError(err).Warn("failed to record evaluation history")
			}
		}
	}
	return reports, nil
}

func (p *Pipeline) evaluateSplit(ctx context.Context, files []string, model *engine.Model, outputs *transform.Transform, ec evaluation.Config, observe bool, onCase func(pred, truth []float64)) (*evaluation.Report, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src, err := p.stream(streamCtx, files, async.Deterministic)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if observe {
		ec.OnCase = onCase
	}
	e, err := evaluation.NewEvaluator(model, outputs, ec)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, src)
}

// openHistory opens the run history when enabled
func (p *Pipeline) openHistory(ctx context.Context, name string) (*history.Store, *history.Run, error) {
	if !p.cfg.Output.History {
		return nil, nil, nil
	}
	if err := os.MkdirAll(p.cfg.Paths.OutputDir, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := history.Open(filepath.Join(p.cfg.Paths.OutputDir, history.DefaultFile))
	if err != nil {
		return nil, nil, err
	}
	run, err := store.StartRun(ctx, name, p.cfg.Training.Resume)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, run, nil
}

// Run executes the configured workflow. Training happens when trainflag is
// set; otherwise the weights file is loaded. A learning-rate range test
// skips evaluation.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	cfg := p.cfg
	prep, err := p.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	model, err := p.BuildModel()
	if err != nil {
		return nil, stageErr(StageTrain, err)
	}

	store, run, err := p.openHistory(ctx, "surrogate")
	if err != nil {
		p.logger.WithError(err).Warn("run history unavailable")
	}
	if store != nil {
		defer store.Close()
	}

	summary := &Summary{}
	plots := training.NewVisualizationCollector("surrogate")
	if cfg.Training.TrainFlag {
		res, err := p.Train(ctx, prep, model, run)
		summary.Training = res
		if res != nil {
			for _, r := range res.History {
				plots.RecordEpoch(ctx, r)
			}
			plots.RecordLearningRates(res.LRHistory)
		}
		if err != nil {
			return summary, err
		}
	} else {
		if _, err := model.LoadWeights(cfg.WeightPath()); err != nil {
			return summary, stageErr(StageEvaluate, err)
		}
	}

	if !cfg.RangeTest() {
		reports, err := p.Evaluate(ctx, prep, model, run, func(pred, truth []float64) {
			plots.RecordRegressionData(pred[:1], truth[:1])
		})
		summary.Reports = reports
		if err != nil {
			return summary, err
		}
		for mode, r := range reports {
			p.logger.WithFields(logrus.Fields{"mode": mode, "rmse": r.RMSE, "r2": r.R2}).Info("Accuracy")
		}
	}

	if cfg.Paths.PlotDir != "" {
		written, err := plots.WritePlots(cfg.Paths.PlotDir, "")
		if err != nil {
			p.logger.WithError(err).Warn("failed to write plot data")
		}
		summary.Plots = written
	}
	return summary, nil
}
