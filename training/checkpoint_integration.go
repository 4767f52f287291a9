package training

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-marge/checkpoints"
	"github.com/tsawler/go-marge/engine"
	"github.com/tsawler/go-marge/layers"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	WeightFile     string // weights checkpoint, replaced in place on improvement
	StateDirectory string // scheduler and stop state files; defaults to the weight file's directory
	MaxStateFiles  int    // epochs of state files to keep (0 = unlimited)
}

func (c CheckpointConfig) stateDir() string {
	if c.StateDirectory != "" {
		return c.StateDirectory
	}
	return filepath.Dir(c.WeightFile)
}

// SchedulerFile returns the scheduler state path for an epoch
func (c CheckpointConfig) SchedulerFile(epoch int) string {
	return filepath.Join(c.stateDir(), fmt.Sprintf("clr.epoch%04d.json", epoch))
}

// StopFile returns the stop controller state path for an epoch
func (c CheckpointConfig) StopFile(epoch int) string {
	return filepath.Join(c.stateDir(), fmt.Sprintf("sig.epoch%04d.json", epoch))
}

var stateFilePattern = regexp.MustCompile(`^(clr|sig)\.epoch(\d{4,})\.json$`)

// ResumePoint is everything recovered from disk to continue a run
type ResumePoint struct {
	Epoch     int // last completed epoch
	BestLoss  float64
	Scheduler *CyclicScheduler
	Stop      StopState
}

// CheckpointManager writes a checkpoint record whenever the monitored loss
// improves and recovers the newest record on resume
type CheckpointManager struct {
	config      CheckpointConfig
	saver       *checkpoints.CheckpointSaver
	bestLoss    float64
	bestEpoch   int
	savedEpochs []int
	logger      logrus.FieldLogger
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, logger logrus.FieldLogger) *CheckpointManager {
	return &CheckpointManager{
		config:    config,
		saver:     checkpoints.NewCheckpointSaver(),
		bestLoss:  math.Inf(1),
		bestEpoch: -1,
		logger:    orDiscard(logger),
	}
}

// BestLoss returns the best monitored loss seen so far
func (cm *CheckpointManager) BestLoss() float64 {
	return cm.bestLoss
}

// BestEpoch returns the epoch of the best loss, or -1
func (cm *CheckpointManager) BestEpoch() int {
	return cm.bestEpoch
}

// HasCheckpoint reports whether a weights file exists
func (cm *CheckpointManager) HasCheckpoint() bool {
	_, err := os.Stat(cm.config.WeightFile)
	return err == nil
}

// Observe saves a checkpoint record when result improves strictly on the
// best loss. State files are written before the weights, so the weights file
// never refers to an epoch whose state is missing.
func (cm *CheckpointManager) Observe(result EpochResult, model *engine.Model, sched *CyclicScheduler, stop *StopController) (bool, error) {
	loss := result.MonitoredLoss()
	if !(loss < cm.bestLoss) {
		return false, nil
	}

	if err := sched.SaveState(cm.config.SchedulerFile(result.Epoch)); err != nil {
		return false, fmt.Errorf("failed to save scheduler state: %w", err)
	}
	if err := stop.SaveState(cm.config.StopFile(result.Epoch)); err != nil {
		return false, fmt.Errorf("failed to save stop state: %w", err)
	}

	state := checkpoints.TrainingState{
		Epoch:        result.Epoch,
		Step:         sched.Step(),
		LearningRate: result.LearningRate,
		BestLoss:     loss,
		TotalSteps:   sched.Step(),
	}
	ckpt, err := model.Checkpoint(state)
	if err != nil {
		return false, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	ckpt.Metadata.Description = fmt.Sprintf("Best checkpoint - Loss: %.6e", loss)
	ckpt.Metadata.Tags = []string{fmt.Sprintf("epoch_%d", result.Epoch)}
	if err := cm.saver.SaveCheckpoint(ckpt, cm.config.WeightFile); err != nil {
		return false, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	cm.logger.WithFields(logrus.Fields{
		"epoch":    result.Epoch + 1,
		"previous": cm.bestLoss,
		"loss":     loss,
		"file":     cm.config.WeightFile,
	}).Info("monitored loss improved, checkpoint saved")

	cm.bestLoss = loss
	cm.bestEpoch = result.Epoch
	cm.savedEpochs = append(cm.savedEpochs, result.Epoch)
	if err := cm.cleanupOldStates(); err != nil {
		cm.logger.WithError(err).Warn("failed to clean up old checkpoint state files")
	}
	return true, nil
}

// Resume loads the weights checkpoint into model and recovers the matching
// scheduler and stop state. The highest-numbered state files are used unless
// they disagree with the epoch recorded in the weights, in which case the
// files for the weights' epoch are required.
func (cm *CheckpointManager) Resume(model *engine.Model) (*ResumePoint, error) {
	ckpt, err := cm.saver.LoadCheckpoint(cm.config.WeightFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResume, err)
	}
	if ckpt.ModelSpec != nil && !modelsCompatible(model.Spec(), ckpt.ModelSpec) {
		return nil, fmt.Errorf("%w: checkpoint model architecture incompatible with the configured model", ErrResume)
	}
	if err := model.Restore(ckpt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResume, err)
	}

	epochs, err := cm.stateEpochs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResume, err)
	}
	if len(epochs) == 0 {
		return nil, fmt.Errorf("%w: no scheduler/stop state files in %s", ErrResume, cm.config.stateDir())
	}

	epoch := epochs[len(epochs)-1]
	if weightsEpoch := ckpt.TrainingState.Epoch; epoch != weightsEpoch {
		cm.logger.WithFields(logrus.Fields{
			"state_epoch":   epoch,
			"weights_epoch": weightsEpoch,
		}).Warn("newest state files do not match the weights, using the weights' epoch")
		epoch = weightsEpoch
	}

	sched, err := LoadScheduler(cm.config.SchedulerFile(epoch))
	if err != nil {
		return nil, fmt.Errorf("%w: scheduler state for epoch %d: %v", ErrResume, epoch, err)
	}
	stop, err := LoadStopState(cm.config.StopFile(epoch))
	if err != nil {
		return nil, fmt.Errorf("%w: stop state for epoch %d: %v", ErrResume, epoch, err)
	}

	cm.bestLoss = ckpt.TrainingState.BestLoss
	cm.bestEpoch = epoch
	cm.savedEpochs = epochs

	cm.logger.WithFields(logrus.Fields{
		"epoch":     epoch + 1,
		"best_loss": cm.bestLoss,
		"step":      sched.Step(),
	}).Info("resumed from checkpoint")

	return &ResumePoint{
		Epoch:     epoch,
		BestLoss:  cm.bestLoss,
		Scheduler: sched,
		Stop:      stop,
	}, nil
}

// ReloadBest restores the best saved weights into model
func (cm *CheckpointManager) ReloadBest(model *engine.Model) error {
	ckpt, err := cm.saver.LoadCheckpoint(cm.config.WeightFile)
	if err != nil {
		return err
	}
	return model.SetWeights(ckpt.Weights)
}

// stateEpochs lists the epochs for which both state files exist, ascending
func (cm *CheckpointManager) stateEpochs() ([]int, error) {
	entries, err := os.ReadDir(cm.config.stateDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	found := map[int]int{}
	for _, e := range entries {
		m := stateFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		found[n]++
	}
	var epochs []int
	for n, count := range found {
		if count == 2 {
			epochs = append(epochs, n)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}

func (cm *CheckpointManager) cleanupOldStates() error {
	if cm.config.MaxStateFiles <= 0 {
		return nil
	}
	if len(cm.savedEpochs) <= cm.config.MaxStateFiles {
		return nil
	}

	toRemove := len(cm.savedEpochs) - cm.config.MaxStateFiles
	for _, epoch := range cm.savedEpochs[:toRemove] {
		for _, path := range []string{cm.config.SchedulerFile(epoch), cm.config.StopFile(epoch)} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove old state file %s: %w", path, err)
			}
		}
	}
	cm.savedEpochs = cm.savedEpochs[toRemove:]
	return nil
}

func modelsCompatible(model1, model2 *layers.ModelSpec) bool {
	if len(model1.Layers) != len(model2.Layers) {
		return false
	}

	for i, layer1 := range model1.Layers {
		layer2 := model2.Layers[i]
		if layer1.Type != layer2.Type {
			return false
		}
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}
	return true
}
