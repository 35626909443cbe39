// Package limiter bounds how many jobs execute at once, both globally and
// per owner. Requests over either cap are deferred until a slot frees.
package limiter

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Limiter is an admission gate with a global cap and a per-owner cap.
// All counters are updated under one mutex so a release and the grant of
// the freed slot to a deferred waiter happen as a single step.
type Limiter struct {
	mu       sync.Mutex
	global   int
	perOwner int
	running  int
	byOwner  map[string]int
	waiters  *list.List

	admitted int64
	deferred int64
}

type waiter struct {
	ownerID string
	ready   chan struct{}
	granted bool
}

// Stats is a point-in-time view of the limiter
type Stats struct {
	Running  int            `json:"running"`
	Waiting  int            `json:"waiting"`
	ByOwner  map[string]int `json:"by_owner"`
	Admitted int64          `json:"admitted"`
	Deferred int64          `json:"deferred"`
}

// New creates a limiter. Both caps must be positive.
func New(global, perOwner int) (*Limiter, error) {
	if global <= 0 {
		return nil, fmt.Errorf("global limit must be positive, got: %d", global)
	}
	if perOwner <= 0 {
		return nil, fmt.Errorf("per-owner limit must be positive, got: %d", perOwner)
	}

	return &Limiter{
		global:   global,
		perOwner: perOwner,
		byOwner:  make(map[string]int),
		waiters:  list.New(),
	}, nil
}

// Acquire blocks until ownerID may start executing or ctx is done
func (l *Limiter) Acquire(ctx context.Context, ownerID string) (*Slot, error) {
	l.mu.Lock()
	if l.admissibleLocked(ownerID) {
		l.admitLocked(ownerID)
		l.mu.Unlock()
		return l.newSlot(ownerID), nil
	}

	w := &waiter{ownerID: ownerID, ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.deferred++
	l.mu.Unlock()

	select {
	case <-w.ready:
		return l.newSlot(ownerID), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			l.mu.Unlock()
			// granted concurrently with cancellation
			l.release(ownerID)
		} else {
			l.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return nil, fmt.Errorf("failed to acquire concurrency slot: %w", ctx.Err())
	}
}

// TryAcquire admits ownerID only if a slot is free right now
func (l *Limiter) TryAcquire(ownerID string) (*Slot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.admissibleLocked(ownerID) {
		return nil, false
	}
	l.admitLocked(ownerID)
	return l.newSlot(ownerID), true
}

// Stats returns current counters
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	byOwner := make(map[string]int, len(l.byOwner))
	for owner, n := range l.byOwner {
		byOwner[owner] = n
	}

	return Stats{
		Running:  l.running,
		Waiting:  l.waiters.Len(),
		ByOwner:  byOwner,
		Admitted: l.admitted,
		Deferred: l.deferred,
	}
}

func (l *Limiter) admissibleLocked(ownerID string) bool {
	return l.running < l.global && l.byOwner[ownerID] < l.perOwner
}

func (l *Limiter) admitLocked(ownerID string) {
	l.running++
	l.byOwner[ownerID]++
	l.admitted++
}

func (l *Limiter) release(ownerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byOwner[ownerID] <= 0 || l.running <= 0 {
		panic("limiter: attempting to release more slots than acquired")
	}

	l.running--
	l.byOwner[ownerID]--
	if l.byOwner[ownerID] == 0 {
		delete(l.byOwner, ownerID)
	}

	l.grantLocked()
}

// grantLocked hands freed slots to deferred waiters in arrival order,
// skipping waiters whose owner is still at its cap
func (l *Limiter) grantLocked() {
	for e := l.waiters.Front(); e != nil && l.running < l.global; {
		next := e.Next()
		w := e.Value.(*waiter)
		if l.admissibleLocked(w.ownerID) {
			l.admitLocked(w.ownerID)
			w.granted = true
			close(w.ready)
			l.waiters.Remove(e)
		}
		e = next
	}
}

func (l *Limiter) newSlot(ownerID string) *Slot {
	return &Slot{limiter: l, ownerID: ownerID}
}

// Slot is one admitted execution. Release is safe to call more than once.
type Slot struct {
	limiter *Limiter
	ownerID string
	once    sync.Once
}

// OwnerID returns the partition key the slot was admitted under
func (s *Slot) OwnerID() string {
	return s.ownerID
}

// Release returns the slot to the limiter
func (s *Slot) Release() {
	s.once.Do(func() {
		s.limiter.release(s.ownerID)
	})
}
