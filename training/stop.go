package training

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-marge/checkpoints"
)

// StopState is the serializable part of a StopController
type StopState struct {
	Halt   bool   `json:"halt"`
	Reason string `json:"reason,omitempty"`
}

// StopController records a request to halt training. Requests come from
// SIGINT/SIGTERM or from a sentinel file and are only acted on at epoch
// boundaries.
type StopController struct {
	mu       sync.Mutex
	state    StopState
	stopFile string
	logger   logrus.FieldLogger
}

// NewStopController creates a controller polling stopFile; an empty path
// disables the sentinel
func NewStopController(stopFile string, logger logrus.FieldLogger) *StopController {
	return &StopController{stopFile: stopFile, logger: orDiscard(logger)}
}

// Watch requests a halt on the first SIGINT or SIGTERM until ctx is done or
// the returned function is called. After the first signal the default
// handlers are reinstated so a second interrupt terminates the process.
func (s *StopController) Watch(ctx context.Context) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		select {
		case sig := <-ch:
			signal.Stop(ch)
			s.logger.WithField("signal", sig.String()).Warn("halt requested, stopping after this epoch")
			s.Request("signal " + sig.String())
		case <-ctx.Done():
		}
	}()

	return func() {
		cancel()
		<-done
		signal.Stop(ch)
	}
}

// Request marks the run for halting
func (s *StopController) Request(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Halt {
		s.state = StopState{Halt: true, Reason: reason}
	}
}

// Check polls the sentinel file and reports whether a halt is requested
func (s *StopController) Check() bool {
	if s.stopFile != "" {
		if _, err := os.Stat(s.stopFile); err == nil {
			s.Request("stop file " + s.stopFile)
		}
	}
	return s.Halted()
}

// Halted reports whether a halt is requested without polling
func (s *StopController) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Halt
}

// State returns a copy of the controller state
func (s *StopController) State() StopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restore installs a state recovered from a checkpoint. A resumed run starts
// without a pending halt: the restored flag is cleared and a leftover
// sentinel file is removed.
func (s *StopController) Restore(state StopState) {
	if state.Halt {
		s.logger.WithField("reason", state.Reason).Info("clearing halt request from previous run")
	}
	if s.stopFile != "" {
		if err := os.Remove(s.stopFile); err == nil {
			s.logger.WithField("file", s.stopFile).Warn("removed stale stop file")
		} else if !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("file", s.stopFile).Warn("failed to remove stale stop file")
		}
	}
	s.mu.Lock()
	s.state = StopState{}
	s.mu.Unlock()
}

// SaveState writes the controller state to path as JSON
func (s *StopController) SaveState(path string) error {
	return checkpoints.WriteJSONAtomic(path, s.State())
}

// LoadStopState reads a state file written by SaveState
func LoadStopState(path string) (StopState, error) {
	var state StopState
	err := checkpoints.ReadJSON(path, &state)
	return state, err
}
