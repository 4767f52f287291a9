package dataset

import (
	"errors"
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ErrIO is returned when a shard or cache file cannot be opened or parsed
var ErrIO = errors.New("dataset i/o error")

// Shard is one raw data file loaded into memory, row-major, one case per row.
// Inputs occupy the first inD columns and outputs the remainder.
type Shard struct {
	Path string
	Rows int
	Cols int
	Data []float64
}

// Row returns case i as a slice aliasing the shard buffer
func (s *Shard) Row(i int) []float64 {
	return s.Data[i*s.Cols : (i+1)*s.Cols]
}

// ReadShard loads a .npy shard holding a [cases, dims] float array.
// A 1-D array is treated as a single case.
func ReadShard(path string) (*Shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open shard %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read header of %s: %v", ErrIO, path, err)
	}

	rows, cols, err := shardShape(r.Header.Descr.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}

	data := make([]float64, rows*cols)
	switch r.Header.Descr.Type {
	case "<f8", ">f8":
		if err := r.Read(&data); err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, path, err)
		}
	case "<f4", ">f4":
		buf := make([]float32, rows*cols)
		if err := r.Read(&buf); err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, path, err)
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unsupported dtype %q", ErrIO, path, r.Header.Descr.Type)
	}

	if r.Header.Descr.Fortran && rows > 1 && cols > 1 {
		// column-major on disk
		cm := mat.NewDense(cols, rows, data)
		var rm mat.Dense
		rm.CloneFrom(cm.T())
		data = rm.RawMatrix().Data
	}

	return &Shard{Path: path, Rows: rows, Cols: cols, Data: data}, nil
}

// ShardCases returns the number of cases in a shard without reading its data
func ShardCases(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open shard %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read header of %s: %v", ErrIO, path, err)
	}
	rows, _, err := shardShape(r.Header.Descr.Shape)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}
	return rows, nil
}

// WriteShard stores rows as a 2-D float64 .npy file
func WriteShard(path string, rows [][]float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("cannot write empty shard %s", path)
	}
	cols := len(rows[0])
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		m.SetRow(i, row)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create shard %s: %v", ErrIO, path, err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to write shard %s: %v", ErrIO, path, err)
	}
	return f.Close()
}

func shardShape(shape []int) (int, int, error) {
	switch len(shape) {
	case 1:
		return 1, shape[0], nil
	case 2:
		return shape[0], shape[1], nil
	default:
		return 0, 0, fmt.Errorf("expected 1-D or 2-D array, got %d dimensions", len(shape))
	}
}
