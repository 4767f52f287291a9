package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestSplit(t *testing.T, dir string, split Split, shards, cases int) {
	t.Helper()
	sub := filepath.Join(dir, string(split))
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("failed to create split dir: %v", err)
	}
	for s := 0; s < shards; s++ {
		rows := make([][]float64, cases)
		for i := range rows {
			rows[i] = []float64{float64(s), float64(i), float64(s*cases + i)}
		}
		path := filepath.Join(sub, "shard"+string(rune('a'+s))+".npy")
		if err := WriteShard(path, rows); err != nil {
			t.Fatalf("failed to write shard: %v", err)
		}
	}
}

func TestReadShardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.npy")
	rows := [][]float64{{1, 2, 3}, {4, 5, 6}}
	if err := WriteShard(path, rows); err != nil {
		t.Fatalf("WriteShard failed: %v", err)
	}

	shard, err := ReadShard(path)
	if err != nil {
		t.Fatalf("ReadShard failed: %v", err)
	}
	if shard.Rows != 2 || shard.Cols != 3 {
		t.Fatalf("expected 2x3 shard, got %dx%d", shard.Rows, shard.Cols)
	}
	for i, row := range rows {
		got := shard.Row(i)
		for j := range row {
			if got[j] != row[j] {
				t.Errorf("row %d col %d: expected %v, got %v", i, j, row[j], got[j])
			}
		}
	}

	n, err := ShardCases(path)
	if err != nil {
		t.Fatalf("ShardCases failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cases, got %d", n)
	}
}

func TestReadShardMissing(t *testing.T) {
	_, err := ReadShard(filepath.Join(t.TempDir(), "missing.npy"))
	if !errors.Is(err, ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}

func TestSplitFilesAndCount(t *testing.T) {
	dir := t.TempDir()
	writeTestSplit(t, dir, Train, 3, 10)
	writeTestSplit(t, dir, Valid, 1, 4)
	writeTestSplit(t, dir, Test, 2, 5)

	files, err := SplitFiles(dir, Train)
	if err != nil {
		t.Fatalf("SplitFiles failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 train shards, got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] > files[i] {
			t.Errorf("files not sorted: %v", files)
		}
	}

	n, err := CountCases(context.Background(), files, 2)
	if err != nil {
		t.Fatalf("CountCases failed: %v", err)
	}
	if n != 30 {
		t.Errorf("expected 30 cases, got %d", n)
	}
}

func TestLoadOrCountSizes(t *testing.T) {
	dir := t.TempDir()
	writeTestSplit(t, dir, Train, 3, 10)
	writeTestSplit(t, dir, Valid, 1, 4)
	writeTestSplit(t, dir, Test, 2, 5)
	cache := filepath.Join(dir, "datsize.npy")

	sizes, cached, err := LoadOrCountSizes(context.Background(), cache, dir, 2)
	if err != nil {
		t.Fatalf("LoadOrCountSizes failed: %v", err)
	}
	if cached {
		t.Error("first call should not report a cache hit")
	}
	want := Sizes{Train: 30, Valid: 4, Test: 10}
	if sizes != want {
		t.Errorf("expected %+v, got %+v", want, sizes)
	}
	if sizes.Total() != 44 {
		t.Errorf("expected total 44, got %d", sizes.Total())
	}

	sizes, cached, err = LoadOrCountSizes(context.Background(), cache, dir, 2)
	if err != nil {
		t.Fatalf("second LoadOrCountSizes failed: %v", err)
	}
	if !cached {
		t.Error("second call should read the cache")
	}
	if sizes != want {
		t.Errorf("cached sizes: expected %+v, got %+v", want, sizes)
	}
}
