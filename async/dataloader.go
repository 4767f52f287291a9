package async

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-marge/records"
)

// ErrStopped is returned by Next after Close
var ErrStopped = errors.New("record stream has been stopped")

// StreamMode selects how cases are delivered
type StreamMode int

const (
	// Shuffled samples uniformly from a bounded buffer fed by all workers
	Shuffled StreamMode = iota
	// Deterministic yields cases in file order, then file order again
	Deterministic
)

func (m StreamMode) String() string {
	switch m {
	case Shuffled:
		return "Shuffled"
	case Deterministic:
		return "Deterministic"
	default:
		return "Unknown"
	}
}

// Batch is a block of consecutive cases ready for the model
type Batch struct {
	Inputs  *mat.Dense // [batch, inD]
	Targets *mat.Dense // [batch, outD]
	BatchID uint64
}

// StreamConfig holds configuration for a record stream
type StreamConfig struct {
	InD        int
	OutD       int
	BatchSize  int
	Workers    int        // decode goroutines (default: 2)
	BufferSize int        // shuffle buffer in cases (default: 10 batches)
	Mode       StreamMode // Shuffled or Deterministic
	Seed       int64
	Logger     logrus.FieldLogger
}

// RecordStream serves an infinite sequence of batches from record shards.
// Only one goroutine may call Next.
type RecordStream struct {
	cfg    StreamConfig
	files  []string
	counts []int
	total  int

	cases  chan records.Case
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once

	sampler *rand.Rand
	buffer  []records.Case
	filled  bool

	position int // deterministic offset within the current pass

	batchCounter uint64
	passes       atomic.Uint64
}

// NewRecordStream verifies every file, then starts the decode workers.
// A truncated, corrupt or mis-shaped file fails construction.
func NewRecordStream(ctx context.Context, files []string, config StreamConfig) (*RecordStream, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("record stream needs at least one file")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.InD <= 0 || config.OutD <= 0 {
		return nil, fmt.Errorf("input and output dimensions must be positive, got %d and %d", config.InD, config.OutD)
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 10 * config.BatchSize
	}
	if config.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		config.Logger = l
	}

	counts, err := verifyFiles(ctx, files, config)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil, fmt.Errorf("record files hold no cases")
	}
	if config.BufferSize > total {
		config.BufferSize = total
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &RecordStream{
		cfg:     config,
		files:   append([]string(nil), files...),
		counts:  counts,
		total:   total,
		cases:   make(chan records.Case, config.Workers*config.BatchSize),
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		sampler: rand.New(rand.NewSource(config.Seed + 1)),
	}

	g, gctx := errgroup.WithContext(sctx)
	switch config.Mode {
	case Shuffled:
		s.startShuffled(gctx, g)
	case Deterministic:
		s.startDeterministic(gctx, g)
	default:
		cancel()
		return nil, fmt.Errorf("unknown stream mode %d", config.Mode)
	}

	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.err = err
			config.Logger.WithError(err).Error("Record stream worker failed")
		}
		close(s.cases)
		close(s.done)
	}()

	config.Logger.WithFields(logrus.Fields{
		"mode":    config.Mode,
		"files":   len(files),
		"cases":   total,
		"workers": config.Workers,
	}).Debug("Record stream started")
	return s, nil
}

func verifyFiles(ctx context.Context, files []string, config StreamConfig) ([]int, error) {
	counts := make([]int, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.Workers)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := records.Verify(path, config.InD, config.OutD)
			if err != nil {
				return fmt.Errorf("failed to verify record file: %w", err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// startShuffled runs a dispatcher that feeds files in a fresh random order
// each pass and workers that stream their cases into the shared channel
func (s *RecordStream) startShuffled(ctx context.Context, g *errgroup.Group) {
	jobs := make(chan string)
	g.Go(func() error {
		defer close(jobs)
		rng := rand.New(rand.NewSource(s.cfg.Seed))
		order := make([]int, len(s.files))
		for i := range order {
			order[i] = i
		}
		for {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			for _, idx := range order {
				select {
				case jobs <- s.files[idx]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			s.passes.Add(1)
		}
	})

	for w := 0; w < s.cfg.Workers; w++ {
		g.Go(func() error {
			for path := range jobs {
				if err := s.streamFile(ctx, path); err != nil {
					return err
				}
			}
			return ctx.Err()
		})
	}
}

func (s *RecordStream) streamFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: failed to open record file: %v", records.ErrIO, err)
	}
	defer f.Close()

	r := records.NewReader(f, path, s.cfg.InD, s.cfg.OutD)
	for {
		c, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case s.cases <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type shardResult struct {
	cases []records.Case
	err   error
}

// startDeterministic decodes whole shards on the worker pool while an
// emitter forwards them strictly in file order. At most Workers shards are
// in flight.
func (s *RecordStream) startDeterministic(ctx context.Context, g *errgroup.Group) {
	type job struct {
		path   string
		result chan shardResult
	}
	jobs := make(chan job)
	pending := make(chan chan shardResult, s.cfg.Workers)

	g.Go(func() error {
		defer close(jobs)
		defer close(pending)
		for {
			for _, path := range s.files {
				res := make(chan shardResult, 1)
				select {
				case pending <- res:
				case <-ctx.Done():
					return ctx.Err()
				}
				select {
				case jobs <- job{path: path, result: res}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	for w := 0; w < s.cfg.Workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				cases, err := records.ReadFile(j.path, s.cfg.InD, s.cfg.OutD)
				j.result <- shardResult{cases: cases, err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		emitted := 0
		for res := range pending {
			var r shardResult
			select {
			case r = <-res:
			case <-ctx.Done():
				return ctx.Err()
			}
			if r.err != nil {
				return r.err
			}
			for _, c := range r.cases {
				select {
				case s.cases <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			emitted++
			if emitted%len(s.files) == 0 {
				s.passes.Add(1)
			}
		}
		return ctx.Err()
	})
}

// Next assembles the next batch. Batches may span the end of one pass and
// the start of the next.
func (s *RecordStream) Next(ctx context.Context) (*Batch, error) {
	inputs := mat.NewDense(s.cfg.BatchSize, s.cfg.InD, nil)
	targets := mat.NewDense(s.cfg.BatchSize, s.cfg.OutD, nil)

	for i := 0; i < s.cfg.BatchSize; i++ {
		c, err := s.nextCase(ctx)
		if err != nil {
			return nil, err
		}
		inputs.SetRow(i, c.X)
		targets.SetRow(i, c.Y)
	}

	batch := &Batch{Inputs: inputs, Targets: targets, BatchID: s.batchCounter}
	s.batchCounter++
	return batch, nil
}

func (s *RecordStream) nextCase(ctx context.Context) (records.Case, error) {
	if s.cfg.Mode == Deterministic {
		c, err := s.receive(ctx)
		if err == nil {
			s.position = (s.position + 1) % s.total
		}
		return c, err
	}

	if !s.filled {
		for len(s.buffer) < s.cfg.BufferSize {
			c, err := s.receive(ctx)
			if err != nil {
				return records.Case{}, err
			}
			s.buffer = append(s.buffer, c)
		}
		s.filled = true
	}

	idx := s.sampler.Intn(len(s.buffer))
	out := s.buffer[idx]
	c, err := s.receive(ctx)
	if err != nil {
		return records.Case{}, err
	}
	s.buffer[idx] = c
	return out, nil
}

// Rewind skips the rest of the current pass of a deterministic stream, so
// the next batch starts at the first case of the first file. It does nothing
// at a pass boundary or on a shuffled stream.
func (s *RecordStream) Rewind(ctx context.Context) error {
	if s.cfg.Mode != Deterministic {
		return nil
	}
	skipped := 0
	for s.position != 0 {
		if _, err := s.nextCase(ctx); err != nil {
			return err
		}
		skipped++
	}
	if skipped > 0 {
		s.cfg.Logger.WithField("skipped", skipped).Debug("Rewound record stream to pass start")
	}
	return nil
}

func (s *RecordStream) receive(ctx context.Context) (records.Case, error) {
	select {
	case c, ok := <-s.cases:
		if !ok {
			if s.err != nil {
				return records.Case{}, fmt.Errorf("record stream error: %w", s.err)
			}
			return records.Case{}, ErrStopped
		}
		return c, nil
	case <-ctx.Done():
		return records.Case{}, ctx.Err()
	}
}

// Close stops the workers and waits for them to exit
func (s *RecordStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Cases returns the number of cases in one pass over the files
func (s *RecordStream) Cases() int {
	return s.total
}

// Mode returns the delivery mode
func (s *RecordStream) Mode() StreamMode {
	return s.cfg.Mode
}

// Stats returns statistics about the stream
func (s *RecordStream) Stats() StreamStats {
	return StreamStats{
		Mode:          s.cfg.Mode,
		Files:         len(s.files),
		Cases:         s.total,
		BatchesServed: s.batchCounter,
		Passes:        s.passes.Load(),
		QueuedCases:   len(s.cases),
		QueueCapacity: cap(s.cases),
		Workers:       s.cfg.Workers,
	}
}

// StreamStats provides statistics about a record stream
type StreamStats struct {
	Mode          StreamMode
	Files         int
	Cases         int
	BatchesServed uint64
	Passes        uint64
	QueuedCases   int
	QueueCapacity int
	Workers       int
}
