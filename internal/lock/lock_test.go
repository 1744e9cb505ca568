package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_ExclusiveAndRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.TryLock(ctx, "u1/g1", time.Minute)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := m.TryLock(ctx, "u1/g1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("second lock err = %v, want ErrLocked", err)
	}
	if r, err := m.TryLock(ctx, "u1/g2", time.Minute); err != nil {
		t.Fatalf("other key should be free: %v", err)
	} else {
		r()
	}

	release()
	release() // idempotent
	r2, err := m.TryLock(ctx, "u1/g1", time.Minute)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	r2()
}

func TestMemory_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.TryLock(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	now = now.Add(2 * time.Second)

	fresh, err := m.TryLock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}
	stale()
	if _, err := m.TryLock(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale release dropped the new owner's lock: %v", err)
	}
	fresh()
}

func TestMemory_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryLock(context.Background(), "hot", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().TryLock(ctx, "k", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
