package loader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunChunkPool_AllSucceed(t *testing.T) {
	var count atomic.Int32
	err := RunChunkPool(context.Background(), 10, 3, func(ctx context.Context, index int) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count.Load() != 10 {
		t.Fatalf("expected 10 chunks run, got %d", count.Load())
	}
}

func TestRunChunkPool_StopsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	var attempted atomic.Int32
	err := RunChunkPool(context.Background(), 100, 4, func(ctx context.Context, index int) error {
		attempted.Add(1)
		if index == 5 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempted.Load() >= 100 {
		t.Fatalf("expected dispatch to stop short of all 100 chunks, attempted %d", attempted.Load())
	}
}

func TestRunChunkPool_NoChunks(t *testing.T) {
	if err := RunChunkPool(context.Background(), 0, 4, func(context.Context, int) error {
		t.Fatal("fn should not be called for zero chunks")
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
