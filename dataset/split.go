package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sbinet/npyio"
	"golang.org/x/sync/errgroup"
)

// Split names one partition of the data
type Split string

const (
	Train Split = "train"
	Valid Split = "valid"
	Test  Split = "test"
)

// Splits lists the partitions in processing order
var Splits = []Split{Train, Valid, Test}

// SplitFiles returns the raw shards of a split, <datadir>/<split>/*.npy, sorted
func SplitFiles(datadir string, split Split) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(datadir, string(split), "*.npy"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s shards: %w", split, err)
	}
	sort.Strings(files)
	return files, nil
}

// CountCases sums the case counts of files, reading headers concurrently
func CountCases(ctx context.Context, files []string, workers int) (int, error) {
	if workers <= 0 {
		workers = 1
	}
	counts := make([]int, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := ShardCases(path)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Sizes holds the number of cases per split
type Sizes struct {
	Train int
	Valid int
	Test  int
}

// Total returns the number of cases across all splits
func (s Sizes) Total() int {
	return s.Train + s.Valid + s.Test
}

// Of returns the size of one split
func (s Sizes) Of(split Split) int {
	switch split {
	case Train:
		return s.Train
	case Valid:
		return s.Valid
	case Test:
		return s.Test
	default:
		return 0
	}
}

// SaveSizes writes the sizes as an int64 .npy vector [train, valid, test]
func SaveSizes(path string, s Sizes) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create sizes file: %v", ErrIO, err)
	}
	if err := npyio.Write(f, []int64{int64(s.Train), int64(s.Valid), int64(s.Test)}); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to write sizes file: %v", ErrIO, err)
	}
	return f.Close()
}

// LoadSizes reads a sizes file written by SaveSizes
func LoadSizes(path string) (Sizes, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sizes{}, fmt.Errorf("%w: failed to open sizes file: %v", ErrIO, err)
	}
	defer f.Close()

	var v []int64
	if err := npyio.Read(f, &v); err != nil {
		return Sizes{}, fmt.Errorf("%w: failed to read sizes file: %v", ErrIO, err)
	}
	if len(v) != 3 {
		return Sizes{}, fmt.Errorf("%w: sizes file holds %d values, expected 3", ErrIO, len(v))
	}
	return Sizes{Train: int(v[0]), Valid: int(v[1]), Test: int(v[2])}, nil
}

// LoadOrCountSizes returns cached sizes when present, otherwise counts every
// split under datadir and writes the cache
func LoadOrCountSizes(ctx context.Context, cachePath, datadir string, workers int) (Sizes, bool, error) {
	if s, err := LoadSizes(cachePath); err == nil {
		return s, true, nil
	}

	var s Sizes
	for _, split := range Splits {
		files, err := SplitFiles(datadir, split)
		if err != nil {
			return Sizes{}, false, err
		}
		n, err := CountCases(ctx, files, workers)
		if err != nil {
			return Sizes{}, false, err
		}
		switch split {
		case Train:
			s.Train = n
		case Valid:
			s.Valid = n
		case Test:
			s.Test = n
		}
	}

	if err := SaveSizes(cachePath, s); err != nil {
		return Sizes{}, false, err
	}
	return s, false, nil
}
