package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/syncbus"
)

func TestInMemoryTryLockAcquireRelease(t *testing.T) {
	l := NewInMemory(nil)
	defer l.Close()
	ctx := context.Background()
	ok, err := l.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || ok {
		t.Fatalf("expected lock held, got ok %v err %v", ok, err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
	}
}

func TestInMemoryReleaseNotHeld(t *testing.T) {
	l := NewInMemory(nil)
	defer l.Close()
	if err := l.Release(context.Background(), "k"); !errors.Is(err, concorderrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestInMemoryAcquireTimeout(t *testing.T) {
	l := NewInMemory(nil)
	defer l.Close()
	ctx := context.Background()
	_, _ = l.TryLock(ctx, "k", 0)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Acquire(cctx, "k", 0); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("acquire did not respect context timeout")
	}
}

func TestInMemoryAcquireWakesOnRelease(t *testing.T) {
	l := NewInMemory(nil)
	defer l.Close()
	ctx := context.Background()
	if ok, _ := l.TryLock(ctx, "k", 0); !ok {
		t.Fatal("initial trylock failed")
	}
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "k", 0) }()
	time.Sleep(10 * time.Millisecond)
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire not woken by release")
	}
}

func TestInMemoryLockTTLExpires(t *testing.T) {
	l := NewInMemory(nil)
	defer l.Close()
	ctx := context.Background()
	if ok, err := l.TryLock(ctx, "k", 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if ok, err := l.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("lock should expire, ok %v err %v", ok, err)
	}
}

func TestInMemoryNodesMirrorLocks(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	n1 := NewInMemory(bus)
	n2 := NewInMemory(bus)
	defer n1.Close()
	defer n2.Close()
	ctx := context.Background()

	// subscribe both nodes before the first event
	if ok, _ := n2.TryLock(ctx, "leader", 0); !ok {
		t.Fatal("n2 trylock failed")
	}
	if err := n2.Release(ctx, "leader"); err != nil {
		t.Fatalf("n2 release: %v", err)
	}

	if ok, _ := n1.TryLock(ctx, "leader", 0); !ok {
		t.Fatal("n1 trylock failed")
	}
	waitFor(t, func() bool {
		n2.mu.Lock()
		defer n2.mu.Unlock()
		st, ok := n2.locks["leader"]
		return ok && st.owner == n1.ID()
	})
	if ok, _ := n2.TryLock(ctx, "leader", 0); ok {
		t.Fatal("n2 acquired a lock mirrored from n1")
	}
	if err := n2.Release(ctx, "leader"); !errors.Is(err, concorderrors.ErrNotHeld) {
		t.Fatalf("n2 must not release a lock owned by n1, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- n2.Acquire(ctx, "leader", 0) }()
	if err := n1.Release(ctx, "leader"); err != nil {
		t.Fatalf("n1 release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("n2 acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("n2 not woken by remote release")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestMutexHandle(t *testing.T) {
	l := NewInMemory(nil)
	defer l.Close()
	ctx := context.Background()
	a := NewMutex(l, "fork-0", 0)
	b := NewMutex(l, "fork-0", 0)
	if a.Key() != "fork-0" {
		t.Fatalf("unexpected key %q", a.Key())
	}
	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("a: ok %v err %v", ok, err)
	}
	if ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("b must see the key held: ok %v err %v", ok, err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatal("b should acquire after release")
	}
}

func TestLocalTryAcquireRelease(t *testing.T) {
	l := NewLocal("fork-1")
	ctx := context.Background()
	if ok, _ := l.TryAcquire(ctx); !ok {
		t.Fatal("first acquire failed")
	}
	if !l.Held() {
		t.Fatal("expected held")
	}
	if ok, _ := l.TryAcquire(ctx); ok {
		t.Fatal("second acquire must fail")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx); !errors.Is(err, concorderrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func TestLocalMutualExclusion(t *testing.T) {
	l := NewLocal("m")
	var inside, violations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Lock()
				if inside.Add(1) != 1 {
					violations.Add(1)
				}
				inside.Add(-1)
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if violations.Load() != 0 {
		t.Fatalf("%d mutual exclusion violations", violations.Load())
	}
}
