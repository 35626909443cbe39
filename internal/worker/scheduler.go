package worker

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// scheduledRun is a task waiting in the timer queue
type scheduledRun struct {
	task  *task
	dueAt time.Time
	seq   uint64
	index int
}

// runHeap orders scheduled runs by due time, then by insertion order
type runHeap []*scheduledRun

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x any) {
	run := x.(*scheduledRun)
	run.index = len(*h)
	*h = append(*h, run)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	run := old[n-1]
	old[n-1] = nil
	run.index = -1
	*h = old[:n-1]
	return run
}

// scheduler parks suspended and backing-off tasks without holding a runner
// and hands them back to the ready channel once due
type scheduler struct {
	mu    sync.Mutex
	runs  runHeap
	seq   uint64
	wake  chan struct{}
	ready chan<- *task
	now   func() time.Time
}

func newScheduler(ready chan<- *task, now func() time.Time) *scheduler {
	return &scheduler{
		wake:  make(chan struct{}, 1),
		ready: ready,
		now:   now,
	}
}

// Schedule queues t to run at dueAt
func (s *scheduler) Schedule(t *task, dueAt time.Time) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.runs, &scheduledRun{task: t, dueAt: dueAt, seq: s.seq})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of parked tasks
func (s *scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Run releases due tasks until ctx is done
func (s *scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next, ok := s.popDue()
		for i, t := range due {
			select {
			case s.ready <- t:
			case <-ctx.Done():
				// Put back what was not handed over so Drain sees it
				for _, rest := range due[i:] {
					s.Schedule(rest, s.now())
				}
				return nil
			}
		}

		wait := time.Hour
		if ok {
			wait = max(next.Sub(s.now()), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue removes every due task and reports when the next one is due
func (s *scheduler) popDue() ([]*task, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*task
	for len(s.runs) > 0 && !s.runs[0].dueAt.After(now) {
		due = append(due, heap.Pop(&s.runs).(*scheduledRun).task)
	}

	if len(s.runs) == 0 {
		return due, time.Time{}, false
	}
	return due, s.runs[0].dueAt, true
}

// Drain empties the queue and returns the parked tasks
func (s *scheduler) Drain() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*task, 0, len(s.runs))
	for len(s.runs) > 0 {
		tasks = append(tasks, heap.Pop(&s.runs).(*scheduledRun).task)
	}
	return tasks
}
