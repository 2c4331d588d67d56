// Package prewarm implements an asynchronous, cancellable batch cache fill:
// an admin submits a {bucket, path_or_prefix, options} task, the manager
// enumerates targets and fills them into the cache at a bounded
// concurrency, and status is queryable until a retention window expires.
//
// The worker pool is built on golang.org/x/sync/errgroup, and in-flight
// dedup of identical warm targets uses golang.org/x/sync/singleflight so a
// target requested by two overlapping tasks is only fetched once.
package prewarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/julianshen/yatagarasu/internal/cachekey"
)

// State is a prewarm task's lifecycle stage.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ErrConflict is returned by Cancel when the task is not Running (still
// Pending, or already in a terminal state); only a Running task may be
// cancelled.
var ErrConflict = errors.New("prewarm: task is not running")

// ErrNotFound is returned when a task ID is unknown or has aged out of the
// retention window.
var ErrNotFound = errors.New("prewarm: task not found")

// Target identifies one object to fill into the cache.
type Target struct {
	Bucket    string
	ObjectKey string
}

// Enumerator lists the concrete Targets covered by a {bucket, path or
// prefix} submission. A real deployment's enumerator lists an S3 prefix;
// tests can supply a fixed list.
type Enumerator interface {
	Enumerate(ctx context.Context, bucket, pathOrPrefix string) ([]Target, error)
}

// Filler performs the actual cache fill for one target (an internal
// origin fetch + cache insert, reusing the same path a cache-miss request
// would take).
type Filler interface {
	Fill(ctx context.Context, t Target) (cachekey.Entry, error)
}

// Options configure one prewarm submission.
type Options struct {
	Concurrency int
}

// Task tracks one submitted prewarm job's progress and terminal result.
type Task struct {
	ID           string
	Bucket       string
	PathOrPrefix string
	Options      Options

	mu          sync.Mutex
	state       State
	total       int
	completed   int
	failed      int
	err         error
	submittedAt time.Time
	finishedAt  time.Time

	cancel context.CancelFunc
}

// Snapshot is an immutable point-in-time view of a Task's progress.
type Snapshot struct {
	ID           string
	Bucket       string
	PathOrPrefix string
	State        State
	Total        int
	Completed    int
	Failed       int
	Err          error
	SubmittedAt  time.Time
	FinishedAt   time.Time
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:           t.ID,
		Bucket:       t.Bucket,
		PathOrPrefix: t.PathOrPrefix,
		State:        t.state,
		Total:        t.total,
		Completed:    t.completed,
		Failed:       t.failed,
		Err:          t.err,
		SubmittedAt:  t.submittedAt,
		FinishedAt:   t.finishedAt,
	}
}

// Manager runs prewarm tasks and retains their terminal status for a
// configurable window.
type Manager struct {
	enumerator Enumerator
	filler     Filler
	retention  time.Duration
	idFunc     func() string

	deduper singleflight.Group

	mu    sync.Mutex
	tasks map[string]*Task
}

// Config configures a Manager.
type Config struct {
	Enumerator Enumerator
	Filler     Filler
	// Retention is how long a terminal task's status remains queryable.
	// Zero defaults to 1 hour.
	Retention time.Duration
	// IDFunc generates task IDs; defaults to a monotonic counter-based
	// generator if nil (tests can inject a deterministic one).
	IDFunc func() string
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	idFunc := cfg.IDFunc
	if idFunc == nil {
		idFunc = newCounterIDFunc()
	}
	return &Manager{
		enumerator: cfg.Enumerator,
		filler:     cfg.Filler,
		retention:  retention,
		idFunc:     idFunc,
		tasks:      make(map[string]*Task),
	}
}

func newCounterIDFunc() func() string {
	var n int64
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("prewarm-%d", n)
	}
}

// Submit enumerates targets for bucket/pathOrPrefix and starts filling them
// at opts.Concurrency in the background, returning immediately with the new
// task's ID.
func (m *Manager) Submit(ctx context.Context, bucket, pathOrPrefix string, opts Options) (string, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:           m.idFunc(),
		Bucket:       bucket,
		PathOrPrefix: pathOrPrefix,
		Options:      opts,
		state:        StatePending,
		submittedAt:  time.Now(),
		cancel:       cancel,
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	go m.run(taskCtx, task)

	return task.ID, nil
}

func (m *Manager) run(ctx context.Context, task *Task) {
	targets, err := m.enumerator.Enumerate(ctx, task.Bucket, task.PathOrPrefix)
	if err != nil {
		if ctx.Err() != nil {
			m.finish(task, StateCancelled, ctx.Err())
			return
		}
		m.finish(task, StateFailed, err)
		return
	}

	task.mu.Lock()
	task.state = StateRunning
	task.total = len(targets)
	task.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(task.Options.Concurrency)

	for _, target := range targets {
		target := target
		group.Go(func() error {
			dedupeKey := cachekey.New(target.Bucket, target.ObjectKey).Display()
			_, err, _ := m.deduper.Do(dedupeKey, func() (any, error) {
				return m.filler.Fill(groupCtx, target)
			})

			task.mu.Lock()
			if err != nil {
				task.failed++
			} else {
				task.completed++
			}
			task.mu.Unlock()
			return nil // individual target failures don't abort the batch
		})
	}

	_ = group.Wait()

	select {
	case <-ctx.Done():
		m.finish(task, StateCancelled, ctx.Err())
	default:
		m.finish(task, StateCompleted, nil)
	}
}

func (m *Manager) finish(task *Task, state State, err error) {
	task.mu.Lock()
	task.state = state
	task.err = err
	task.finishedAt = time.Now()
	task.mu.Unlock()

	go m.scheduleExpiry(task.ID)
}

func (m *Manager) scheduleExpiry(id string) {
	timer := time.NewTimer(m.retention)
	<-timer.C
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// Status returns a point-in-time snapshot of task id's progress.
func (m *Manager) Status(id string) (Snapshot, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return task.snapshot(), nil
}

// List returns snapshots of every currently tracked task (running or
// within its retention window).
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Cancel stops task id if it is currently Running. Any other state --
// Pending included, since it transitions to Running as soon as enumeration
// finishes -- rejects cancellation with ErrConflict.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	task.mu.Lock()
	state := task.state
	cancel := task.cancel
	task.mu.Unlock()

	if state != StateRunning {
		return ErrConflict
	}
	cancel()
	return nil
}
