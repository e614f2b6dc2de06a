// Package cleanup implements the Cleanup Manager (spec component L): a
// bounded priority queue of background pruning actions (MVV prune, lock
// entry prune, directory-tree page reclaim) drained by a single worker.
// Errors are counted, never fatal; an over-capacity offer is refused and
// counted rather than blocking the caller.
package cleanup

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Kind tags what an Action does, for logging only — dispatch is always
// through Action.Run, never a switch on Kind.
type Kind uint8

const (
	KindPruneMVV Kind = iota
	KindPruneLock
	KindReclaimPage
)

func (k Kind) String() string {
	switch k {
	case KindPruneMVV:
		return "prune-mvv"
	case KindPruneLock:
		return "prune-lock"
	case KindReclaimPage:
		return "reclaim-page"
	default:
		return "unknown"
	}
}

// Action is one unit of background pruning work. Priority orders the
// queue: higher runs first. Run performs the work; a returned error is
// counted and logged, never propagated to the caller that offered it.
type Action struct {
	Kind     Kind
	Priority int
	Run      func() error
}

// actionHeap is a container/heap max-heap on Priority, grounded directly
// on the teacher's lsm.CompactionHeap k-way-merge heap (same package,
// lsm/compaction.go) — the same five-method container/heap.Interface
// shape, repurposed from merge ordering to priority ordering.
type actionHeap []Action

func (h actionHeap) Len() int            { return len(h) }
func (h actionHeap) Less(i, j int) bool  { return h[i].Priority > h[j].Priority }
func (h actionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x interface{}) { *h = append(*h, x.(Action)) }
func (h *actionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Manager is the bounded priority queue plus its counters. The zero
// value is not usable; construct with New.
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     actionHeap
	capacity int
	closed   bool

	logger zerolog.Logger

	refused atomic.Uint64
	ran     atomic.Uint64
	errors  atomic.Uint64
}

// New builds a Manager with the given bounded queue capacity.
func New(capacity int, logger zerolog.Logger) *Manager {
	m := &Manager{capacity: capacity, logger: logger.With().Str("component", "cleanup").Logger()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Offer enqueues an action. Returns false, counting the refusal, if the
// queue is at capacity or the manager has been shut down.
func (m *Manager) Offer(a Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || len(m.heap) >= m.capacity {
		m.refused.Add(1)
		return false
	}
	heap.Push(&m.heap, a)
	m.cond.Signal()
	return true
}

// Run drains the queue on a single worker goroutine until ctx is
// canceled or Shutdown is called. Each dequeued action's error is
// counted and logged; it never stops the worker.
func (m *Manager) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		m.Shutdown()
		close(stop)
	}()

	for {
		a, ok := m.dequeue()
		if !ok {
			return
		}
		if err := a.Run(); err != nil {
			m.errors.Add(1)
			m.logger.Warn().Err(err).Stringer("kind", a.Kind).Msg("cleanup action failed")
		} else {
			m.ran.Add(1)
		}
	}
}

// dequeue blocks until an action is available, the manager is shut
// down, or the run loop's context cancellation has closed it.
func (m *Manager) dequeue() (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.heap) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.heap) == 0 {
		return Action{}, false
	}
	return heap.Pop(&m.heap).(Action), true
}

// Shutdown stops Run and discards any queued actions (spec.md §4.L "on
// shutdown the queue is discarded").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.heap = nil
	m.cond.Broadcast()
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Refused uint64
	Ran     uint64
	Errors  uint64
	Queued  int
}

func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	queued := len(m.heap)
	m.mu.Unlock()
	return Stats{
		Refused: m.refused.Load(),
		Ran:     m.ran.Load(),
		Errors:  m.errors.Load(),
		Queued:  queued,
	}
}
