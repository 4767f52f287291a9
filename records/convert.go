package records

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-marge/dataset"
	"github.com/tsawler/go-marge/transform"
)

// Extension is the suffix of every record shard
const Extension = ".records"

// ShardName returns the file name of the index-th record shard of a split
func ShardName(prefix string, split dataset.Split, index int) string {
	return fmt.Sprintf("%s%s-%04d%s", prefix, split, index, Extension)
}

// Files lists the existing record shards of a split in index order
func Files(dir, prefix string, split dataset.Split) ([]string, error) {
	pattern := filepath.Join(dir, prefix+string(split)+"-*"+Extension)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s record files: %w", split, err)
	}
	sort.Strings(files)
	return files, nil
}

// ConvertConfig describes one split conversion
type ConvertConfig struct {
	Dir        string
	Prefix     string
	Split      dataset.Split
	InD        int
	OutD       int
	ShardCases int
}

// Convert serializes raw shards into record shards, storing transformed
// values. If any record shard of the split already exists the split is
// considered built and its files are returned untouched.
func Convert(ctx context.Context, cfg ConvertConfig, raw []string, tr *transform.Transform, logger logrus.FieldLogger) ([]string, error) {
	existing, err := Files(cfg.Dir, cfg.Prefix, cfg.Split)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		logger.WithFields(logrus.Fields{"split": cfg.Split, "files": len(existing)}).Info("Record files already exist")
		return existing, nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no raw shards for split %s", cfg.Split)
	}
	if cfg.ShardCases <= 0 {
		cfg.ShardCases = 1 << 16
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create record directory: %v", ErrIO, err)
	}

	c := &converter{cfg: cfg, tr: tr}
	defer c.abort()

	dims := cfg.InD + cfg.OutD
	for _, path := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		shard, err := dataset.ReadShard(path)
		if err != nil {
			return nil, err
		}
		if shard.Cols != dims {
			return nil, fmt.Errorf("%s has %d columns, expected inD+outD = %d", path, shard.Cols, dims)
		}
		row := make([]float64, dims)
		for i := 0; i < shard.Rows; i++ {
			copy(row, shard.Row(i))
			if err := tr.ForwardInPlace(row); err != nil {
				return nil, fmt.Errorf("%s case %d: %w", path, i, err)
			}
			if err := c.write(row[:cfg.InD], row[cfg.InD:]); err != nil {
				return nil, err
			}
		}
	}

	files, err := c.commit()
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"split": cfg.Split,
		"files": len(files),
		"cases": c.total,
	}).Info("Record files written")
	return files, nil
}

// converter rolls output over to a new shard every ShardCases cases. Shards
// are written under temporary names and renamed only once all succeed.
type converter struct {
	cfg   ConvertConfig
	tr    *transform.Transform
	temps []string
	file  *os.File
	w     *Writer
	total int
	done  bool
}

func (c *converter) write(x, y []float64) error {
	if c.w == nil || c.w.Count() >= c.cfg.ShardCases {
		if err := c.closeCurrent(); err != nil {
			return err
		}
		name := filepath.Join(c.cfg.Dir, ShardName(c.cfg.Prefix, c.cfg.Split, len(c.temps))) + ".tmp"
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("%w: failed to create record file: %v", ErrIO, err)
		}
		c.file = f
		c.w = NewWriter(f)
		c.temps = append(c.temps, name)
	}
	if err := c.w.Write(x, y); err != nil {
		return fmt.Errorf("%w: failed to write record: %v", ErrIO, err)
	}
	c.total++
	return nil
}

func (c *converter) closeCurrent() error {
	if c.file == nil {
		return nil
	}
	f := c.file
	c.file = nil
	if err := c.w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to flush record file: %v", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: failed to close record file: %v", ErrIO, err)
	}
	return nil
}

func (c *converter) commit() ([]string, error) {
	if err := c.closeCurrent(); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(c.temps))
	for _, tmp := range c.temps {
		final := tmp[:len(tmp)-len(".tmp")]
		if err := os.Rename(tmp, final); err != nil {
			// leave no partial split behind
			for _, f := range files {
				os.Remove(f)
			}
			return nil, fmt.Errorf("%w: failed to rename record file: %v", ErrIO, err)
		}
		files = append(files, final)
	}
	c.done = true
	return files, nil
}

// abort removes temporary files left by a failed conversion
func (c *converter) abort() {
	if c.done {
		return
	}
	if c.file != nil {
		c.file.Close()
	}
	for _, tmp := range c.temps {
		os.Remove(tmp)
	}
}
