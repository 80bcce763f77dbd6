package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newLease(t *testing.T, ttl time.Duration) (*Lease, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, ttl), mr
}

func TestAcquireReleaseCycle(t *testing.T) {
	l, _ := newLease(t, time.Minute)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "lock:global:active_render", "session-a")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "lock:global:active_render", "session-b"); ok {
		t.Fatal("second acquire should report already held")
	}
	if held, _ := l.IsHeld(ctx, "lock:global:active_render"); !held {
		t.Fatal("lock should be held")
	}

	if ok, err := l.Release(ctx, "lock:global:active_render", "session-a"); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "lock:global:active_render", "session-b"); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	l, _ := newLease(t, time.Minute)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "lock:user:42:active_render", "holder")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestForgedTokenNeverMutates(t *testing.T) {
	l, mr := newLease(t, time.Minute)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "k", "session-a"); !ok {
		t.Fatal("acquire failed")
	}

	if ok, err := l.Release(ctx, "k", "session-b"); err != nil || ok {
		t.Fatalf("forged release must be a no-op, ok=%v err=%v", ok, err)
	}
	if ok, err := l.Refresh(ctx, "k", "session-b"); err != nil || ok {
		t.Fatalf("forged refresh must be a no-op, ok=%v err=%v", ok, err)
	}

	if v, _ := mr.Get("k"); v != "session-a" {
		t.Fatalf("lock value mutated: %q", v)
	}
	if held, _ := l.IsHeld(ctx, "k"); !held {
		t.Fatal("lock should still be held by session-a")
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	l, mr := newLease(t, 100*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "k", "session-a"); !ok {
		t.Fatal("acquire failed")
	}

	mr.FastForward(60 * time.Millisecond)
	if ok, err := l.Refresh(ctx, "k", "session-a"); err != nil || !ok {
		t.Fatalf("refresh: ok=%v err=%v", ok, err)
	}

	// Past the original expiry but within the refreshed window.
	mr.FastForward(60 * time.Millisecond)
	if held, _ := l.IsHeld(ctx, "k"); !held {
		t.Fatal("lock should survive past the original TTL after refresh")
	}

	mr.FastForward(200 * time.Millisecond)
	if held, _ := l.IsHeld(ctx, "k"); held {
		t.Fatal("lock should expire without further refreshes")
	}
}

func TestRefreshAfterExpiryAndReacquire(t *testing.T) {
	l, mr := newLease(t, 50*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "k", "session-a"); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(100 * time.Millisecond)

	// Lock expired and was taken by another holder; the zombie must not be
	// able to refresh or release it.
	if ok, _ := l.Acquire(ctx, "k", "session-b"); !ok {
		t.Fatal("reacquire after expiry failed")
	}
	if ok, _ := l.Refresh(ctx, "k", "session-a"); ok {
		t.Fatal("zombie refresh succeeded")
	}
	if ok, _ := l.Release(ctx, "k", "session-a"); ok {
		t.Fatal("zombie release succeeded")
	}
	if held, _ := l.IsHeld(ctx, "k"); !held {
		t.Fatal("session-b lost its lock to a zombie holder")
	}
}
