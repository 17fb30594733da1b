package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLock_SerializesSameKey(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Acquire(ctx, "suite-a")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, got %d", maxInside)
	}
	if len(lock.slots) != 0 {
		t.Errorf("expected slots to be released, got %d", len(lock.slots))
	}
}

func TestKeyedLock_DifferentKeysDoNotBlock(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	releaseA, err := lock.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire(a) failed: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := lock.Acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire(b) blocked on a different key")
	}
}

func TestKeyedLock_ContextCancel(t *testing.T) {
	lock := NewKeyedLock()
	release, err := lock.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	release()
	release() // 二重解放は無視される

	again, err := lock.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again()
}
