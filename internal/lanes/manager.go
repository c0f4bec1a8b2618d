package lanes

import (
	"context"
	"sync"

	"github.com/agentforge/core/internal/config"
)

// ParallelLaneName is the shared lane used for admitted independent
// tasks that don't need strict ordering against one another.
const ParallelLaneName = "__parallel__"

// ParallelLaneConcurrency is the default concurrency of the shared
// parallel lane, used when no configured ParallelConcurrency is given.
const ParallelLaneConcurrency = 10

// Manager keeps a mapping from lane name to Lane, plus the shared
// parallel lane, lazily creating serial lanes on first use at a default
// concurrency of 1. maxQueueSize bounds every lane it creates, matching
// LanesConfig.MaxQueueSize.
type Manager struct {
	mu           sync.RWMutex
	lanes        map[string]*Lane
	maxQueueSize int
}

// NewManager constructs a Manager with its parallel lane pre-created,
// sized and bounded per cfg. A zero-value cfg falls back to the package
// defaults (unbounded queues, ParallelLaneConcurrency-wide parallel lane).
func NewManager(cfg config.LanesConfig) *Manager {
	parallelConcurrency := cfg.ParallelConcurrency
	if parallelConcurrency <= 0 {
		parallelConcurrency = ParallelLaneConcurrency
	}

	m := &Manager{lanes: make(map[string]*Lane), maxQueueSize: cfg.MaxQueueSize}
	parallel := NewLane(ParallelLaneName, parallelConcurrency)
	parallel.MaxQueueSize = m.maxQueueSize
	m.lanes[ParallelLaneName] = parallel
	return m
}

// Lane returns the named lane, creating it (as a serial, concurrency-1
// lane bounded by the Manager's configured MaxQueueSize) if it does not
// yet exist.
func (m *Manager) Lane(name string) *Lane {
	m.mu.RLock()
	l, ok := m.lanes[name]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[name]; ok {
		return l
	}
	l = NewLane(name, 1)
	l.MaxQueueSize = m.maxQueueSize
	m.lanes[name] = l
	return l
}

// Parallel returns the shared parallel lane.
func (m *Manager) Parallel() *Lane {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lanes[ParallelLaneName]
}

// Enqueue creates the named lane if absent and enqueues task onto it.
func (m *Manager) Enqueue(ctx context.Context, laneName string, task Task, opts EnqueueOptions) (any, error) {
	return m.Lane(laneName).Enqueue(ctx, task, opts)
}

// EnqueueParallel submits task to the shared parallel lane.
func (m *Manager) EnqueueParallel(ctx context.Context, task Task, opts EnqueueOptions) (any, error) {
	return m.Parallel().Enqueue(ctx, task, opts)
}

// CleanupIdleLanes removes every named lane (other than the parallel
// lane) whose queue is empty and which has no running task. Safe to call
// periodically; a lane removed here is simply recreated on next use.
func (m *Manager) CleanupIdleLanes() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for name, l := range m.lanes {
		if name == ParallelLaneName {
			continue
		}
		if l.Idle() {
			delete(m.lanes, name)
			laneQueueDepth.DeleteLabelValues(name)
			laneActiveTasks.DeleteLabelValues(name)
			removed++
		}
	}
	return removed
}

// TotalQueueSize sums queued-plus-active tasks across every lane.
func (m *Manager) TotalQueueSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, l := range m.lanes {
		total += l.QueueSize()
	}
	return total
}
