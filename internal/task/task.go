// Package task queues transcription jobs and runs them on a bounded worker
// pool.
//
// The pool is deliberately separate from the engine's inference semaphore:
// workers only shepherd jobs, the engine still serialises actual backend
// calls. Results are held in memory with a TTL and a size cap, mirroring a
// polling HTTP surface where clients fetch results by task ID.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWorkers    = 1
	defaultQueueSize  = 100
	defaultMaxResults = 1000
	defaultResultTTL  = time.Hour
)

var (
	// ErrUnknownKind is returned by Submit for a kind with no registered
	// handler.
	ErrUnknownKind = errors.New("task: unknown task kind")

	// ErrQueueFull is returned by Submit when the job queue is at capacity.
	ErrQueueFull = errors.New("task: queue full")

	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("task: manager stopped")
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Task is a point-in-time snapshot of one job.
type Task struct {
	// ID is the task identifier returned by Submit.
	ID string

	// Kind names the registered handler that runs this task.
	Kind string

	// State is the lifecycle state at snapshot time.
	State State

	// CreatedAt is when the task was submitted.
	CreatedAt time.Time

	// CompletedAt is when the task reached a terminal state. Zero until then.
	CompletedAt time.Time

	// Result is the handler's output once State is completed.
	Result any

	// Err is the failure reason once State is failed.
	Err string
}

// Handler executes one job. The context is cancelled when the task is
// cancelled or the manager force-stops; handlers must honour it.
type Handler func(ctx context.Context, payload any) (any, error)

// Config holds tuning knobs for a [Manager].
type Config struct {
	// Workers is the number of concurrent job workers. Default: 1.
	Workers int

	// QueueSize bounds the number of pending jobs. Default: 100.
	QueueSize int

	// MaxResults caps how many task records are retained. When exceeded,
	// the oldest terminal records are evicted first. Default: 1000.
	MaxResults int

	// ResultTTL is how long terminal records are retained. Default: 1h.
	ResultTTL time.Duration
}

// item is one queued job.
type item struct {
	id      string
	kind    string
	payload any
}

// record is the mutable server-side state of one task.
type record struct {
	task   Task
	cancel context.CancelFunc // non-nil while processing
}

// Manager runs submitted jobs on a worker pool and retains their results
// for polling. Safe for concurrent use.
type Manager struct {
	workers    int
	maxResults int
	ttl        time.Duration

	queue chan item

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	records  map[string]*record
	started  bool
	stopped  bool

	wg sync.WaitGroup
}

// NewManager creates a [Manager] with the given configuration. Zero-value
// config fields are replaced with defaults.
func NewManager(cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		workers:    cfg.Workers,
		maxResults: cfg.MaxResults,
		ttl:        cfg.ResultTTL,
		queue:      make(chan item, cfg.QueueSize),
		rootCtx:    ctx,
		rootCancel: cancel,
		handlers:   make(map[string]Handler),
		records:    make(map[string]*record),
	}
}

// RegisterHandler binds a task kind to its handler. Handlers must be
// registered before jobs of that kind are submitted.
func (m *Manager) RegisterHandler(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
	slog.Info("task handler registered", "kind", kind)
}

// Start launches the worker pool. Safe to call once; later calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	slog.Info("task manager started", "workers", m.workers)
}

// Stop rejects new submissions and drains queued jobs. If ctx expires before
// the drain finishes, in-flight handlers are cancelled and ctx's error is
// returned. Safe to call multiple times.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.queue)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("task manager stopped")
		return nil
	case <-ctx.Done():
		m.rootCancel()
		slog.Warn("task manager stop timed out, cancelling in-flight tasks")
		return ctx.Err()
	}
}

// Submit enqueues a job and returns its task ID.
func (m *Manager) Submit(kind string, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return "", ErrStopped
	}
	if _, ok := m.handlers[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	id := uuid.NewString()
	m.records[id] = &record{
		task: Task{
			ID:        id,
			Kind:      kind,
			State:     StatePending,
			CreatedAt: time.Now(),
		},
	}

	select {
	case m.queue <- item{id: id, kind: kind, payload: payload}:
	default:
		delete(m.records, id)
		return "", ErrQueueFull
	}

	slog.Info("task submitted", "task_id", id, "kind", kind)
	return id, nil
}

// Get returns a snapshot of the task with the given ID. The record stays
// retained so a result can be fetched more than once; eviction is handled by
// the TTL and size cap, or explicitly via [Manager.Cancel].
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Task{}, false
	}
	return rec.task, true
}

// Cancel aborts or removes the task with the given ID. Pending tasks are
// dropped before they run, processing tasks have their context cancelled,
// and terminal tasks are evicted. Returns false if the ID is unknown.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	switch rec.task.State {
	case StatePending:
		delete(m.records, id)
	case StateProcessing:
		if rec.cancel != nil {
			rec.cancel()
		}
	default:
		delete(m.records, id)
	}
	return true
}

// Depth reports the number of queued jobs not yet picked up by a worker.
func (m *Manager) Depth() int {
	return len(m.queue)
}

// worker drains the queue until it is closed.
func (m *Manager) worker() {
	defer m.wg.Done()
	for it := range m.queue {
		m.process(it)
		m.cleanup()
	}
}

// process runs one job and records its outcome.
func (m *Manager) process(it item) {
	m.mu.Lock()
	rec, ok := m.records[it.id]
	if !ok {
		// Cancelled while pending; the record is already gone.
		m.mu.Unlock()
		return
	}
	h := m.handlers[it.kind]
	ctx, cancel := context.WithCancel(m.rootCtx)
	rec.task.State = StateProcessing
	rec.cancel = cancel
	m.mu.Unlock()

	slog.Info("task processing", "task_id", it.id, "kind", it.kind)
	result, err := h(ctx, it.payload)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok = m.records[it.id]
	if !ok {
		return
	}
	rec.cancel = nil
	rec.task.CompletedAt = time.Now()
	if err != nil {
		rec.task.State = StateFailed
		rec.task.Err = err.Error()
		slog.Warn("task failed", "task_id", it.id, "error", err)
		return
	}
	rec.task.State = StateCompleted
	rec.task.Result = result
	slog.Info("task completed", "task_id", it.id,
		"duration", rec.task.CompletedAt.Sub(rec.task.CreatedAt))
}

// cleanup evicts expired terminal records and enforces the size cap. Only
// terminal records are ever evicted; pending and processing tasks survive
// regardless of age.
func (m *Manager) cleanup() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.records {
		if !rec.task.CompletedAt.IsZero() && now.Sub(rec.task.CompletedAt) > m.ttl {
			delete(m.records, id)
		}
	}

	if len(m.records) <= m.maxResults {
		return
	}
	var terminal []*record
	for _, rec := range m.records {
		if !rec.task.CompletedAt.IsZero() {
			terminal = append(terminal, rec)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].task.CreatedAt.Before(terminal[j].task.CreatedAt)
	})
	excess := len(m.records) - m.maxResults
	for i := 0; i < excess && i < len(terminal); i++ {
		delete(m.records, terminal[i].task.ID)
	}
}
