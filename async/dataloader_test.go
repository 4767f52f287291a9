package async

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-marge/records"
)

// writeRecordFiles creates shards of cases where case k has x = (k, -k), y = 2k
func writeRecordFiles(t *testing.T, shards, perShard int) []string {
	t.Helper()
	dir := t.TempDir()
	var files []string
	k := 0
	for s := 0; s < shards; s++ {
		path := filepath.Join(dir, records.ShardName("t-", "train", s))
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("failed to create record file: %v", err)
		}
		w := records.NewWriter(f)
		for i := 0; i < perShard; i++ {
			if err := w.Write([]float64{float64(k), float64(-k)}, []float64{float64(2 * k)}); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			k++
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		f.Close()
		files = append(files, path)
	}
	return files
}

func TestStreamModeString(t *testing.T) {
	tests := []struct {
		mode StreamMode
		want string
	}{
		{Shuffled, "Shuffled"},
		{Deterministic, "Deterministic"},
		{StreamMode(9), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("StreamMode(%d).String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestDeterministicStreamOrderAndWraparound(t *testing.T) {
	files := writeRecordFiles(t, 3, 10)
	s, err := NewRecordStream(context.Background(), files, StreamConfig{
		InD: 2, OutD: 1, BatchSize: 4, Workers: 3, Mode: Deterministic,
	})
	if err != nil {
		t.Fatalf("NewRecordStream failed: %v", err)
	}
	defer s.Close()

	if s.Cases() != 30 {
		t.Fatalf("expected 30 cases, got %d", s.Cases())
	}

	// 20 batches of 4 cover two full passes and part of a third
	for b := 0; b < 20; b++ {
		batch, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("batch %d: Next failed: %v", b, err)
		}
		rows, cols := batch.Inputs.Dims()
		if rows != 4 || cols != 2 {
			t.Fatalf("expected 4x2 inputs, got %dx%d", rows, cols)
		}
		for i := 0; i < 4; i++ {
			want := float64((b*4 + i) % 30)
			if got := batch.Inputs.At(i, 0); got != want {
				t.Errorf("batch %d row %d: expected case %v, got %v", b, i, want, got)
			}
			if got := batch.Targets.At(i, 0); got != 2*want {
				t.Errorf("batch %d row %d: expected target %v, got %v", b, i, 2*want, got)
			}
		}
	}
}

func TestDeterministicRewindRepeatsPass(t *testing.T) {
	// 7 cases with batches of 2: three batches per pass leave case 6 over
	files := writeRecordFiles(t, 1, 7)
	s, err := NewRecordStream(context.Background(), files, StreamConfig{
		InD: 2, OutD: 1, BatchSize: 2, Workers: 2, Mode: Deterministic,
	})
	if err != nil {
		t.Fatalf("NewRecordStream failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	want := []float64{0, 1, 2, 3, 4, 5}
	for epoch := 0; epoch < 3; epoch++ {
		if err := s.Rewind(ctx); err != nil {
			t.Fatalf("epoch %d: Rewind failed: %v", epoch, err)
		}
		var got []float64
		for b := 0; b < 3; b++ {
			batch, err := s.Next(ctx)
			if err != nil {
				t.Fatalf("epoch %d: Next failed: %v", epoch, err)
			}
			got = append(got, batch.Inputs.At(0, 0), batch.Inputs.At(1, 0))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("epoch %d: cases %v, want %v", epoch, got, want)
				break
			}
		}
	}
}

func TestShuffledStreamCoversDataset(t *testing.T) {
	files := writeRecordFiles(t, 3, 10)
	s, err := NewRecordStream(context.Background(), files, StreamConfig{
		InD: 2, OutD: 1, BatchSize: 5, Workers: 2, BufferSize: 12, Mode: Shuffled, Seed: 42,
	})
	if err != nil {
		t.Fatalf("NewRecordStream failed: %v", err)
	}
	defer s.Close()

	seen := make(map[int]int)
	inOrder := true
	prev := -1.0
	for b := 0; b < 60; b++ {
		batch, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			x := batch.Inputs.At(i, 0)
			if batch.Inputs.At(i, 1) != -x || batch.Targets.At(i, 0) != 2*x {
				t.Fatalf("case fields were mixed across records: %v", batch.Inputs.RawRowView(i))
			}
			if x < prev {
				inOrder = false
			}
			prev = x
			seen[int(x)]++
		}
	}
	if len(seen) != 30 {
		t.Errorf("expected all 30 cases to be served, saw %d distinct", len(seen))
	}
	if inOrder {
		t.Error("shuffled stream served cases in file order")
	}
}

func TestStreamRejectsCorruptFile(t *testing.T) {
	files := writeRecordFiles(t, 2, 5)
	data, err := os.ReadFile(files[1])
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if err := os.WriteFile(files[1], data[:len(data)-3], 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err = NewRecordStream(context.Background(), files, StreamConfig{InD: 2, OutD: 1, BatchSize: 2})
	if !errors.Is(err, records.ErrDecode) {
		t.Errorf("expected ErrDecode for truncated file, got %v", err)
	}
}

func TestStreamRejectsWrongDimensions(t *testing.T) {
	files := writeRecordFiles(t, 1, 3)
	_, err := NewRecordStream(context.Background(), files, StreamConfig{InD: 3, OutD: 1, BatchSize: 1})
	if !errors.Is(err, records.ErrDecode) {
		t.Errorf("expected ErrDecode for dimension mismatch, got %v", err)
	}
}

func TestStreamClose(t *testing.T) {
	files := writeRecordFiles(t, 2, 5)
	s, err := NewRecordStream(context.Background(), files, StreamConfig{InD: 2, OutD: 1, BatchSize: 2, Mode: Shuffled})
	if err != nil {
		t.Fatalf("NewRecordStream failed: %v", err)
	}
	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	// buffered cases may still be served; the stream must end with ErrStopped
	for i := 0; i < 100; i++ {
		if _, err := s.Next(context.Background()); err != nil {
			if !errors.Is(err, ErrStopped) {
				t.Errorf("expected ErrStopped, got %v", err)
			}
			return
		}
	}
	t.Error("stream kept serving batches after Close")
}

func TestStreamConfigValidation(t *testing.T) {
	files := writeRecordFiles(t, 1, 2)
	tests := []struct {
		name  string
		files []string
		cfg   StreamConfig
	}{
		{"no files", nil, StreamConfig{InD: 2, OutD: 1, BatchSize: 1}},
		{"zero batch", files, StreamConfig{InD: 2, OutD: 1}},
		{"zero dims", files, StreamConfig{BatchSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRecordStream(context.Background(), tt.files, tt.cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}
