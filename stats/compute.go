package stats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-marge/dataset"
)

// AccumulateShard folds every case of one raw shard into a fresh accumulator,
// applying log10 to the dimensions selected by mask
func AccumulateShard(path string, mask []bool) (*Accumulator, error) {
	shard, err := dataset.ReadShard(path)
	if err != nil {
		return nil, err
	}
	if len(mask) != shard.Cols {
		return nil, fmt.Errorf("%s has %d columns, log mask covers %d", path, shard.Cols, len(mask))
	}

	acc := NewAccumulator(shard.Cols)
	row := make([]float64, shard.Cols)
	for i := 0; i < shard.Rows; i++ {
		copy(row, shard.Row(i))
		if err := ApplyLog(row, mask); err != nil {
			var de *DomainError
			if errors.As(err, &de) {
				de.File = path
				de.Case = i
			}
			return nil, err
		}
		if err := acc.Add(row); err != nil {
			return nil, fmt.Errorf("%s case %d: %w", path, i, err)
		}
	}
	return acc, nil
}

// ComputeFiles accumulates each shard on a bounded worker pool and merges the
// partial results in file order
func ComputeFiles(ctx context.Context, files []string, mask []bool, workers int) (Stats, error) {
	if len(files) == 0 {
		return Stats{}, ErrEmpty
	}
	if workers <= 0 {
		workers = 1
	}

	partial := make([]*Accumulator, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			acc, err := AccumulateShard(path, mask)
			if err != nil {
				return err
			}
			partial[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	total := NewAccumulator(len(mask))
	for _, acc := range partial {
		if err := total.Merge(acc); err != nil {
			return Stats{}, err
		}
	}
	return total.Stats()
}

// CacheFiles names the four .npy files holding cached statistics
type CacheFiles struct {
	Mean  string
	Stdev string
	Min   string
	Max   string
}

// In resolves every name relative to dir
func (c CacheFiles) In(dir string) CacheFiles {
	return CacheFiles{
		Mean:  filepath.Join(dir, c.Mean),
		Stdev: filepath.Join(dir, c.Stdev),
		Min:   filepath.Join(dir, c.Min),
		Max:   filepath.Join(dir, c.Max),
	}
}

// Save writes the statistics as four float64 vectors
func Save(files CacheFiles, s Stats) error {
	pairs := []struct {
		path string
		data []float64
	}{
		{files.Mean, s.Mean},
		{files.Stdev, s.Stdev},
		{files.Min, s.Min},
		{files.Max, s.Max},
	}
	for _, p := range pairs {
		if err := writeVector(p.path, p.data); err != nil {
			return err
		}
	}
	return nil
}

// Load reads statistics written by Save. The case count is not persisted.
func Load(files CacheFiles) (Stats, error) {
	var s Stats
	var err error
	if s.Mean, err = readVector(files.Mean); err != nil {
		return Stats{}, err
	}
	if s.Stdev, err = readVector(files.Stdev); err != nil {
		return Stats{}, err
	}
	if s.Min, err = readVector(files.Min); err != nil {
		return Stats{}, err
	}
	if s.Max, err = readVector(files.Max); err != nil {
		return Stats{}, err
	}
	n := len(s.Mean)
	if len(s.Stdev) != n || len(s.Min) != n || len(s.Max) != n {
		return Stats{}, fmt.Errorf("%w: cached statistics have inconsistent lengths", dataset.ErrIO)
	}
	return s, nil
}

// LoadOrCompute returns the cached statistics if all four files exist,
// otherwise computes them over files and writes the cache
func LoadOrCompute(ctx context.Context, cache CacheFiles, files []string, mask []bool, workers int, logger logrus.FieldLogger) (Stats, error) {
	if s, err := Load(cache); err == nil {
		if s.Dims() != len(mask) {
			return Stats{}, fmt.Errorf("cached statistics cover %d dimensions, expected %d", s.Dims(), len(mask))
		}
		logger.WithField("file", cache.Mean).Info("Loaded cached dataset statistics")
		return s, nil
	}

	logger.WithField("shards", len(files)).Info("Computing mean and standard deviation with Welford's method")
	s, err := ComputeFiles(ctx, files, mask, workers)
	if err != nil {
		return Stats{}, err
	}
	if err := Save(cache, s); err != nil {
		return Stats{}, err
	}
	logger.WithFields(logrus.Fields{
		"cases": s.Count,
		"mean":  s.Mean,
		"stdev": s.Stdev,
	}).Debug("Dataset statistics computed")
	return s, nil
}

func writeVector(path string, v []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", dataset.ErrIO, path, err)
	}
	if err := npyio.Write(f, v); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to write %s: %v", dataset.ErrIO, path, err)
	}
	return f.Close()
}

func readVector(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", dataset.ErrIO, path, err)
	}
	defer f.Close()

	var v []float64
	if err := npyio.Read(f, &v); err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", dataset.ErrIO, path, err)
	}
	return v, nil
}
