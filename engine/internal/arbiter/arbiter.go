// Package arbiter provides per-node mutual exclusion and boot request
// deduplication for the lifecycle engine.
package arbiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrWaitExceeded is returned when a lock could not be acquired within the
// bounded wait. The engine maps it to Busy at the boundary.
var ErrWaitExceeded = errors.New("lock wait exceeded")

// DefaultWait is the bounded lock acquisition wait.
const DefaultWait = 5 * time.Second

// DefaultDedupWindow is the window within which identical boot protocol
// requests share one response.
const DefaultDedupWindow = 2 * time.Second

// Arbiter hands out per-node locks and deduplicates requests. Locks are
// fair: waiters are woken in arrival order by the runtime semaphore.
type Arbiter struct {
	mu    sync.Mutex
	locks map[string]*nodeLock

	Wait        time.Duration
	DedupWindow time.Duration

	group   singleflight.Group
	cacheMu sync.Mutex
	cache   map[string]dedupEntry

	nowFunc func() time.Time
}

type nodeLock struct {
	sem  chan struct{}
	refs int
}

type dedupEntry struct {
	val     any
	err     error
	expires time.Time
}

// New returns an Arbiter with the default wait and dedup window.
func New() *Arbiter {
	return &Arbiter{
		locks:       make(map[string]*nodeLock),
		cache:       make(map[string]dedupEntry),
		Wait:        DefaultWait,
		DedupWindow: DefaultDedupWindow,
		nowFunc:     time.Now,
	}
}

// Lock acquires the node's exclusive lock, waiting at most the bounded wait.
// The returned func releases the lock and must always be called.
func (a *Arbiter) Lock(ctx context.Context, nodeID string) (func(), error) {
	l := a.acquireRef(nodeID)

	timer := time.NewTimer(a.Wait)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			a.releaseRef(nodeID)
		}, nil
	case <-timer.C:
		a.releaseRef(nodeID)
		return nil, ErrWaitExceeded
	case <-ctx.Done():
		a.releaseRef(nodeID)
		return nil, ctx.Err()
	}
}

// LockPair acquires two node locks in ascending node-id order. Only used by
// migration and clone operations; the strict order precludes deadlock.
func (a *Arbiter) LockPair(ctx context.Context, nodeA, nodeB string) (func(), error) {
	first, second := nodeA, nodeB
	if second < first {
		first, second = second, first
	}
	unlockFirst, err := a.Lock(ctx, first)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := a.Lock(ctx, second)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}

func (a *Arbiter) acquireRef(nodeID string) *nodeLock {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[nodeID]
	if !ok {
		l = &nodeLock{sem: make(chan struct{}, 1)}
		a.locks[nodeID] = l
	}
	l.refs++
	return l
}

func (a *Arbiter) releaseRef(nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[nodeID]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(a.locks, nodeID)
	}
}

// Dedup collapses identical concurrent requests and replays the first
// response for the dedup window. The key is (node id, requested path).
func (a *Arbiter) Dedup(key string, fn func() (any, error)) (any, error) {
	now := a.nowFunc()

	a.cacheMu.Lock()
	if e, ok := a.cache[key]; ok && now.Before(e.expires) {
		a.cacheMu.Unlock()
		return e.val, e.err
	}
	a.cacheMu.Unlock()

	val, err, _ := a.group.Do(key, func() (any, error) {
		v, err := fn()
		a.cacheMu.Lock()
		a.cache[key] = dedupEntry{val: v, err: err, expires: a.nowFunc().Add(a.DedupWindow)}
		a.cacheMu.Unlock()
		return v, err
	})
	return val, err
}

// Expire drops cached dedup entries whose window has passed. Called
// periodically by the engine's sweeper.
func (a *Arbiter) Expire() {
	now := a.nowFunc()
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for k, e := range a.cache {
		if !now.Before(e.expires) {
			delete(a.cache, k)
		}
	}
}

// Invalidate removes any cached response for the key. Called after a state
// change so a new request observes the new decision.
func (a *Arbiter) Invalidate(key string) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	delete(a.cache, key)
}
