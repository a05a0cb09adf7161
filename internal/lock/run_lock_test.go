package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T) (*RunLock, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "doc-1", time.Minute, 10*time.Millisecond, nil), mr, client
}

func TestConcurrentAcquireOnlyOneWins(t *testing.T) {
	l, _, _ := newTestLock(t)
	ctx := context.Background()
	wait := 150 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]error, 2)
	elapsed := make([]time.Duration, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			began := time.Now()
			_, err := l.TryAcquire(ctx, wait)
			results[i] = err
			elapsed[i] = time.Since(began)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyRunning):
			if elapsed[i] > wait+time.Second {
				t.Fatalf("loser blocked for %s, past its %s bound", elapsed[i], wait)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReleaseAllowsNextHolder(t *testing.T) {
	l, _, _ := newTestLock(t)
	ctx := context.Background()

	lease, err := l.TryAcquire(ctx, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.TryAcquire(ctx, 0); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected contention, got %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	next, err := l.TryAcquire(ctx, 0)
	if err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
	_ = next.Release(ctx)
}

func TestWaiterAcquiresWhenHolderReleases(t *testing.T) {
	l, _, _ := newTestLock(t)
	ctx := context.Background()
	lease, _ := l.TryAcquire(ctx, 0)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = lease.Release(ctx)
	}()
	if _, err := l.TryAcquire(ctx, time.Second); err != nil {
		t.Fatalf("waiter should acquire after release: %v", err)
	}
}

func TestExpiredLeaseDoesNotReleaseSuccessor(t *testing.T) {
	l, mr, _ := newTestLock(t)
	ctx := context.Background()

	stale, _ := l.TryAcquire(ctx, 0)
	mr.FastForward(2 * time.Minute)
	fresh, err := l.TryAcquire(ctx, 0)
	if err != nil {
		t.Fatalf("expected lock after ttl expiry: %v", err)
	}
	_ = stale.Release(ctx)
	if held, _ := l.Held(ctx); !held {
		t.Fatalf("stale lease released the successor's lock")
	}
	_ = fresh.Release(ctx)
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	l, _, _ := newTestLock(t)
	ctx := context.Background()

	boom := errors.New("boom")
	if err := l.WithLock(ctx, 0, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if held, _ := l.Held(ctx); held {
		t.Fatalf("lock must be released after an error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = l.WithLock(ctx, 0, func(context.Context) error { panic("kaboom") })
	}()
	if held, _ := l.Held(ctx); held {
		t.Fatalf("lock must be released after a panic")
	}
}
