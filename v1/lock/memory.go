package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/syncbus"
)

type lockState struct {
	owner    string
	timer    *time.Timer
	released chan struct{}
}

// InMemory implements Locker using local memory. Each InMemory is a node:
// its lock and unlock events are published on a syncbus Bus and mirrored by
// the other nodes sharing that bus.
//
// Exclusion is strict between callers of the same InMemory; across nodes it
// is only as fresh as the bus delivery.
type InMemory struct {
	id     string
	bus    syncbus.Bus
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	locks map[string]*lockState
	subs  map[string]struct{}
}

var _ Locker = (*InMemory)(nil)

// NewInMemory returns a new in-memory locker that uses bus to propagate events.
func NewInMemory(bus syncbus.Bus) *InMemory {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemory{
		id:     uuid.NewString(),
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
		locks:  make(map[string]*lockState),
		subs:   make(map[string]struct{}),
	}
}

// ID returns the node identifier stamped on published events.
func (l *InMemory) ID() string { return l.id }

// Close stops mirroring remote events.
func (l *InMemory) Close() {
	l.cancel()
}

func (l *InMemory) ensureSubscriptions(key string) error {
	l.mu.Lock()
	if _, ok := l.subs[key]; ok {
		l.mu.Unlock()
		return nil
	}
	l.subs[key] = struct{}{}
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.subs, key)
		l.mu.Unlock()
	}

	lockCh, err := l.bus.Subscribe(l.ctx, syncbus.LockTopic(key))
	if err != nil {
		cleanup()
		return err
	}
	unlockCh, err := l.bus.Subscribe(l.ctx, syncbus.UnlockTopic(key))
	if err != nil {
		_ = l.bus.Unsubscribe(context.Background(), syncbus.LockTopic(key), lockCh)
		cleanup()
		return err
	}

	go func() {
		for ev := range lockCh {
			if ev.Origin == l.id {
				continue
			}
			l.mu.Lock()
			if _, ok := l.locks[key]; !ok {
				l.locks[key] = &lockState{owner: ev.Origin, released: make(chan struct{})}
			}
			l.mu.Unlock()
		}
	}()
	go func() {
		for ev := range unlockCh {
			if ev.Origin == l.id {
				continue
			}
			l.mu.Lock()
			if st, ok := l.locks[key]; ok && st.owner == ev.Origin {
				l.drop(key, st)
			}
			l.mu.Unlock()
		}
	}()
	return nil
}

// drop removes the lock and wakes local acquirers. l.mu must be held.
func (l *InMemory) drop(key string, st *lockState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.released)
	delete(l.locks, key)
}

// TryLock implements Locker.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := l.ensureSubscriptions(key); err != nil {
		return false, err
	}
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	st := &lockState{owner: l.id, released: make(chan struct{})}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			l.expire(key, st)
		})
	}
	l.locks[key] = st
	l.mu.Unlock()
	_ = l.bus.Publish(ctx, syncbus.Event{Topic: syncbus.LockTopic(key), Origin: l.id})
	return true, nil
}

func (l *InMemory) expire(key string, st *lockState) {
	l.mu.Lock()
	cur, ok := l.locks[key]
	if ok && cur == st {
		l.drop(key, st)
	}
	l.mu.Unlock()
	if ok && cur == st {
		_ = l.bus.Publish(context.Background(), syncbus.Event{Topic: syncbus.UnlockTopic(key), Origin: l.id})
	}
}

// Acquire implements Locker.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.mu.Lock()
		st, held := l.locks[key]
		l.mu.Unlock()
		if !held {
			continue
		}
		select {
		case <-st.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Locker. Only the node holding the lock may release it.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	if !ok || st.owner != l.id {
		l.mu.Unlock()
		return concorderrors.ErrNotHeld
	}
	l.drop(key, st)
	l.mu.Unlock()
	_ = l.bus.Publish(ctx, syncbus.Event{Topic: syncbus.UnlockTopic(key), Origin: l.id})
	return nil
}
