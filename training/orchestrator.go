package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-marge/async"
	"github.com/tsawler/go-marge/engine"
)

var (
	// ErrResume is returned when a run cannot be resumed from disk
	ErrResume = errors.New("cannot resume training")
	// ErrDivergence is returned when a loss becomes NaN or infinite
	ErrDivergence = errors.New("training diverged")
)

// DivergenceError reports the epoch at which the loss stopped being finite
type DivergenceError struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d (train loss %v, validation loss %v)",
		e.Epoch+1, e.TrainLoss, e.ValidLoss)
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// Phase is the orchestrator state
type Phase int

const (
	PhaseInit Phase = iota
	PhaseFresh
	PhaseResuming
	PhaseRunning
	PhaseConverged
	PhaseStoppedBySignal
	PhaseStoppedNoImprovement
	PhaseFailedNaN
	PhaseFailed // a batch read, step or checkpoint write returned an error
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseFresh:
		return "Fresh"
	case PhaseResuming:
		return "Resuming"
	case PhaseRunning:
		return "Running"
	case PhaseConverged:
		return "Converged"
	case PhaseStoppedBySignal:
		return "StoppedBySignal"
	case PhaseStoppedNoImprovement:
		return "StoppedNoImprovement"
	case PhaseFailedNaN:
		return "FailedNaN"
	case PhaseFailed:
		return "Failed"
	case PhaseTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// BatchSource supplies batches; async.RecordStream implements it
type BatchSource interface {
	Next(ctx context.Context) (*async.Batch, error)
}

// Rewinder is implemented by sources that can restart at the beginning of a
// pass. The validation source is rewound before every validation phase so
// each epoch scores the same cases.
type Rewinder interface {
	Rewind(ctx context.Context) error
}

// EpochRecorder persists per-epoch results
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, result EpochResult) error
}

// EpochResult summarizes one completed epoch. Epoch is zero-based.
type EpochResult struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	ValidLoss    float64       `json:"valid_loss"`
	HasValid     bool          `json:"has_valid"`
	LearningRate float64       `json:"learning_rate"` // rate of the last step
	Steps        int           `json:"steps"`
	Duration     time.Duration `json:"duration"`
	Improved     bool          `json:"improved"`
}

// MonitoredLoss is the validation loss, or the training loss when the run
// has no validation data
func (r EpochResult) MonitoredLoss() float64 {
	if r.HasValid {
		return r.ValidLoss
	}
	return r.TrainLoss
}

// EarlyStopper ends training after Patience epochs without strict
// improvement of the monitored loss
type EarlyStopper struct {
	Patience int
	best     float64
	wait     int
}

// NewEarlyStopper creates a stopper; patience <= 0 disables it
func NewEarlyStopper(patience int, best float64) *EarlyStopper {
	return &EarlyStopper{Patience: patience, best: best}
}

// Observe records an epoch and reports whether training should stop
func (e *EarlyStopper) Observe(r EpochResult) bool {
	if loss := r.MonitoredLoss(); loss < e.best {
		e.best = loss
		e.wait = 0
		return false
	}
	e.wait++
	return e.Patience > 0 && e.wait >= e.Patience
}

// Wait returns the number of epochs since the last improvement
func (e *EarlyStopper) Wait() int {
	return e.wait
}

// NaNGuard fails an epoch whose losses are not finite
type NaNGuard struct{}

// Check returns a *DivergenceError for a non-finite loss
func (NaNGuard) Check(r EpochResult) error {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	if bad(r.TrainLoss) || (r.HasValid && bad(r.ValidLoss)) {
		return &DivergenceError{Epoch: r.Epoch, TrainLoss: r.TrainLoss, ValidLoss: r.ValidLoss}
	}
	return nil
}

// Config configures a training run
type Config struct {
	Epochs     int
	Patience   int
	TrainSteps int
	ValidSteps int
	Resume     bool

	Scheduler  SchedulerConfig
	Checkpoint CheckpointConfig
	StopFile   string

	// WatchSignals installs SIGINT/SIGTERM handlers for the duration of Run
	WatchSignals bool

	Logger   logrus.FieldLogger
	History  EpochRecorder
	Progress io.Writer // per-step progress bar; nil disables it

	// OnEpoch is called after the end-of-epoch checks
	OnEpoch func(EpochResult)
}

// Result is the outcome of Run
type Result struct {
	Phase     Phase // terminal reason; PhaseFailed or PhaseFailedNaN when Run returns an error
	Epochs    int   // epochs completed, including resumed ones
	BestLoss  float64
	BestEpoch int
	History   []EpochResult
	LRHistory []float64
}

// Orchestrator drives a model through epochs of training and validation
type Orchestrator struct {
	config Config
	model  *engine.Model
	train  BatchSource
	valid  BatchSource
	logger logrus.FieldLogger

	phase       Phase
	scheduler   *CyclicScheduler
	stop        *StopController
	checkpoints *CheckpointManager
}

// NewOrchestrator validates config and prepares a run. valid may be nil
// when ValidSteps is 0.
func NewOrchestrator(model *engine.Model, train, valid BatchSource, config Config) (*Orchestrator, error) {
	if model == nil || train == nil {
		return nil, fmt.Errorf("model and training source are required")
	}
	if model.Optimizer() == nil {
		return nil, engine.ErrNotCompiled
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.TrainSteps <= 0 {
		return nil, fmt.Errorf("train steps must be positive, got %d", config.TrainSteps)
	}
	if config.ValidSteps > 0 && valid == nil {
		return nil, fmt.Errorf("validation steps set without a validation source")
	}
	if config.Checkpoint.WeightFile == "" {
		return nil, fmt.Errorf("checkpoint weight file is required")
	}
	logger := orDiscard(config.Logger)

	return &Orchestrator{
		config:      config,
		model:       model,
		train:       train,
		valid:       valid,
		logger:      logger,
		phase:       PhaseInit,
		stop:        NewStopController(config.StopFile, logger),
		checkpoints: NewCheckpointManager(config.Checkpoint, logger),
	}, nil
}

// Phase returns the current state
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Stop returns the controller consulted at every epoch boundary
func (o *Orchestrator) Stop() *StopController {
	return o.stop
}

// Run trains until convergence, early stopping, a halt request or
// divergence, then reloads the best weights
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	start, err := o.begin()
	if err != nil {
		o.phase = PhaseTerminal
		return nil, err
	}

	if o.config.WatchSignals {
		unwatch := o.stop.Watch(ctx)
		defer unwatch()
	}

	result := &Result{BestLoss: o.checkpoints.BestLoss(), BestEpoch: o.checkpoints.BestEpoch(), Epochs: start}
	early := NewEarlyStopper(o.config.Patience, o.checkpoints.BestLoss())
	var guard NaNGuard
	var runErr error

	o.phase = PhaseRunning
	for epoch := start; epoch < o.config.Epochs && o.phase == PhaseRunning; epoch++ {
		r, lrs, err := o.runEpoch(ctx, epoch)
		result.LRHistory = append(result.LRHistory, lrs...)
		if err != nil {
			runErr = err
			break
		}

		if err := guard.Check(r); err != nil {
			o.logger.WithFields(logrus.Fields{"epoch": epoch + 1, "train_loss": r.TrainLoss, "valid_loss": r.ValidLoss}).
				Error("loss is not finite, terminating")
			result.History = append(result.History, r)
			result.Epochs = epoch + 1
			o.phase = PhaseFailedNaN
			runErr = err
			break
		}

		improved, err := o.checkpoints.Observe(r, o.model, o.scheduler, o.stop)
		if err != nil {
			runErr = err
			break
		}
		r.Improved = improved

		if early.Observe(r) {
			o.logger.WithFields(logrus.Fields{"epoch": epoch + 1, "patience": o.config.Patience}).
				Info("no improvement within patience, stopping")
			o.phase = PhaseStoppedNoImprovement
		} else if o.stop.Check() {
			o.logger.WithFields(logrus.Fields{"epoch": epoch + 1, "reason": o.stop.State().Reason}).
				Info("halt requested, stopping")
			o.phase = PhaseStoppedBySignal
		}

		result.History = append(result.History, r)
		result.Epochs = epoch + 1
		o.logEpoch(r)
		if o.config.History != nil {
			if err := o.config.History.RecordEpoch(ctx, r); err != nil {
				o.logger.WithError(err).Warn("failed to record epoch history")
			}
		}
		if o.config.OnEpoch != nil {
			o.config.OnEpoch(r)
		}
	}
	if o.phase == PhaseRunning {
		if runErr != nil {
			o.phase = PhaseFailed
		} else {
			o.phase = PhaseConverged
		}
	}
	result.Phase = o.phase

	result.BestLoss = o.checkpoints.BestLoss()
	result.BestEpoch = o.checkpoints.BestEpoch()
	if o.checkpoints.HasCheckpoint() {
		if err := o.checkpoints.ReloadBest(o.model); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to reload best weights: %w", err)
		}
	} else {
		o.logger.Warn("no checkpoint was written, keeping final weights")
	}

	o.logger.WithFields(logrus.Fields{
		"phase":      result.Phase.String(),
		"epochs":     result.Epochs,
		"best_loss":  result.BestLoss,
		"best_epoch": result.BestEpoch + 1,
	}).Info("training finished")

	o.scheduler = nil
	o.phase = PhaseTerminal
	return result, runErr
}

// begin moves from Init to Fresh or Resuming and returns the first epoch
func (o *Orchestrator) begin() (int, error) {
	if !o.config.Resume {
		o.phase = PhaseFresh
		sched, err := NewCyclicScheduler(o.config.Scheduler)
		if err != nil {
			return 0, fmt.Errorf("failed to create scheduler: %w", err)
		}
		o.scheduler = sched
		o.logger.WithFields(logrus.Fields{
			"schedule": sched.Name(),
			"epochs":   o.config.Epochs,
		}).Info("starting fresh training run")
		return 0, nil
	}

	o.phase = PhaseResuming
	point, err := o.checkpoints.Resume(o.model)
	if err != nil {
		return 0, err
	}
	o.scheduler = point.Scheduler
	o.stop.Restore(point.Stop)
	return point.Epoch + 1, nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, epoch int) (EpochResult, []float64, error) {
	started := time.Now()
	r := EpochResult{Epoch: epoch, Steps: o.config.TrainSteps}
	lrs := make([]float64, 0, o.config.TrainSteps)

	var bar *ProgressBar
	if o.config.Progress != nil {
		bar = NewProgressBar(o.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, o.config.Epochs), o.config.TrainSteps)
	}

	sum := 0.0
	for step := 0; step < o.config.TrainSteps; step++ {
		batch, err := o.train.Next(ctx)
		if err != nil {
			return r, lrs, fmt.Errorf("failed to read training batch: %w", err)
		}
		lr := o.scheduler.Advance()
		lrs = append(lrs, lr)
		loss, err := o.model.TrainStep(batch.Inputs, batch.Targets, lr)
		if err != nil {
			return r, lrs, fmt.Errorf("training step %d failed: %w", step, err)
		}
		sum += loss
		r.LearningRate = lr
		if bar != nil {
			bar.Update(step+1, map[string]float64{"loss": sum / float64(step+1)})
		}
	}
	r.TrainLoss = sum / float64(o.config.TrainSteps)
	if bar != nil {
		bar.Finish()
	}

	if o.config.ValidSteps > 0 {
		if rw, ok := o.valid.(Rewinder); ok {
			if err := rw.Rewind(ctx); err != nil {
				return r, lrs, fmt.Errorf("failed to rewind validation source: %w", err)
			}
		}
		sum = 0
		for step := 0; step < o.config.ValidSteps; step++ {
			batch, err := o.valid.Next(ctx)
			if err != nil {
				return r, lrs, fmt.Errorf("failed to read validation batch: %w", err)
			}
			loss, err := o.model.EvalLoss(batch.Inputs, batch.Targets)
			if err != nil {
				return r, lrs, fmt.Errorf("validation step %d failed: %w", step, err)
			}
			sum += loss
		}
		r.ValidLoss = sum / float64(o.config.ValidSteps)
		r.HasValid = true
	}
	r.Duration = time.Since(started)
	return r, lrs, nil
}

func (o *Orchestrator) logEpoch(r EpochResult) {
	fields := logrus.Fields{
		"epoch":      r.Epoch + 1,
		"train_loss": r.TrainLoss,
		"lr":         r.LearningRate,
		"duration":   r.Duration.Round(time.Millisecond).String(),
	}
	if r.HasValid {
		fields["valid_loss"] = r.ValidLoss
	}
	for name, p := range o.model.DropoutRates() {
		fields["p_"+name] = p
	}
	o.logger.WithFields(fields).Info("epoch complete")
}

func orDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
