// Package queue runs sync tasks through a bounded worker pool and keeps
// their lifecycle visible: every task moves queued -> running ->
// {succeeded | failed | cancelled}, and state changes are broadcast to
// subscribers.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/id"
)

// Executor runs one task. Implementations report progress through the
// callback and honor ctx cancellation between units of work.
type Executor interface {
	Execute(ctx context.Context, task domain.SyncTask, progress func(string)) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task domain.SyncTask, progress func(string)) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task domain.SyncTask, progress func(string)) error {
	return f(ctx, task, progress)
}

// EventType labels a task lifecycle event.
type EventType string

// Task lifecycle events.
const (
	EventEnqueued  EventType = "task.enqueued"
	EventStarted   EventType = "task.started"
	EventProgress  EventType = "task.progress"
	EventFinished  EventType = "task.finished"
	EventDismissed EventType = "task.dismissed"
)

// Event is one task state change delivered to subscribers.
type Event struct {
	Type EventType       `json:"type"`
	Task domain.SyncTask `json:"task"`
}

// Snapshot is the queue's visible state, grouped the way the status view
// renders it.
type Snapshot struct {
	Queued    []domain.SyncTask `json:"queued"`
	Running   []domain.SyncTask `json:"running"`
	Succeeded []domain.SyncTask `json:"succeeded"`
	Failed    []domain.SyncTask `json:"failed"`
	Cancelled []domain.SyncTask `json:"cancelled"`
}

// Counts derives per-state totals from the snapshot.
func (s Snapshot) Counts() map[domain.TaskState]int {
	return map[domain.TaskState]int{
		domain.TaskQueued:    len(s.Queued),
		domain.TaskRunning:   len(s.Running),
		domain.TaskSucceeded: len(s.Succeeded),
		domain.TaskFailed:    len(s.Failed),
		domain.TaskCancelled: len(s.Cancelled),
	}
}

const (
	pendingBuffer    = 1024
	subscriberBuffer = 64
	pruneInterval    = 10 * time.Second
)

// Queue is the task queue plus its worker pool. At most one non-terminal
// task exists per TaskKey; enqueueing a duplicate returns the live task.
type Queue struct {
	exec        Executor
	logger      *slog.Logger
	concurrency int
	pruneAfter  time.Duration

	mu      sync.Mutex
	tasks   map[string]*domain.SyncTask
	active  map[domain.TaskKey]string // key -> non-terminal task id
	cancels map[string]context.CancelFunc
	pending chan string

	subMu sync.RWMutex
	subs  map[chan Event]struct{}

	wg sync.WaitGroup
}

// New creates a queue draining into concurrency parallel workers.
// Succeeded and cancelled tasks are pruned pruneAfter after finishing;
// failed tasks stay until dismissed or retried.
func New(exec Executor, concurrency int, pruneAfter time.Duration, logger *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		exec:        exec,
		logger:      logger,
		concurrency: concurrency,
		pruneAfter:  pruneAfter,
		tasks:       make(map[string]*domain.SyncTask),
		active:      make(map[domain.TaskKey]string),
		cancels:     make(map[string]context.CancelFunc),
		pending:     make(chan string, pendingBuffer),
		subs:        make(map[chan Event]struct{}),
	}
}

// Start launches the worker pool and the prune loop. Workers exit when
// ctx is cancelled; Wait blocks until they have drained.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("task queue starting", "workers", q.concurrency)

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	q.wg.Add(1)
	go q.pruneLoop(ctx)
}

// Wait blocks until all workers have stopped.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue creates a queued task for key, or returns the existing
// non-terminal task for the same key (created=false).
func (q *Queue) Enqueue(key domain.TaskKey, title, subtitle string) (domain.SyncTask, bool, error) {
	q.mu.Lock()

	if existingID, ok := q.active[key]; ok {
		task := *q.tasks[existingID].Clone()
		q.mu.Unlock()
		return task, false, nil
	}

	taskID, err := id.Generate("task")
	if err != nil {
		q.mu.Unlock()
		return domain.SyncTask{}, false, err
	}

	task := &domain.SyncTask{
		ID:         taskID,
		Key:        key,
		Title:      title,
		Subtitle:   subtitle,
		State:      domain.TaskQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	q.tasks[taskID] = task
	q.active[key] = taskID

	select {
	case q.pending <- taskID:
	default:
		delete(q.tasks, taskID)
		delete(q.active, key)
		q.mu.Unlock()
		return domain.SyncTask{}, false, syncerr.Validation("task queue is full")
	}

	snapshot := *task.Clone()
	q.mu.Unlock()

	q.emit(Event{Type: EventEnqueued, Task: snapshot})
	return snapshot, true, nil
}

// Retry re-enqueues a failed task. Only failed -> queued is legal.
func (q *Queue) Retry(taskID string) (domain.SyncTask, error) {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return domain.SyncTask{}, syncerr.NotFoundf("task %s", taskID)
	}
	if !domain.CanTransition(task.State, domain.TaskQueued) {
		q.mu.Unlock()
		return domain.SyncTask{}, syncerr.Validation("only failed tasks can be retried")
	}
	if existingID, busy := q.active[task.Key]; busy && existingID != taskID {
		q.mu.Unlock()
		return domain.SyncTask{}, syncerr.Conflict("another task for this item is already active")
	}

	// Hand off before mutating: a full queue must leave the task failed
	// with its error intact. Workers block on q.mu until the state flips.
	select {
	case q.pending <- taskID:
	default:
		q.mu.Unlock()
		return domain.SyncTask{}, syncerr.Validation("task queue is full")
	}

	task.State = domain.TaskQueued
	task.Error = nil
	task.ProgressText = ""
	task.StartedAt = time.Time{}
	task.FinishedAt = time.Time{}
	task.EnqueuedAt = time.Now().UTC()
	q.active[task.Key] = taskID

	snapshot := *task.Clone()
	q.mu.Unlock()

	q.emit(Event{Type: EventEnqueued, Task: snapshot})
	return snapshot, nil
}

// Cancel stops a task. A queued task is cancelled immediately; a running
// task gets its context cancelled and finishes cooperatively.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return syncerr.NotFoundf("task %s", taskID)
	}

	switch task.State {
	case domain.TaskQueued:
		task.State = domain.TaskCancelled
		task.FinishedAt = time.Now().UTC()
		delete(q.active, task.Key)
		snapshot := *task.Clone()
		q.mu.Unlock()
		q.emit(Event{Type: EventFinished, Task: snapshot})
		return nil

	case domain.TaskRunning:
		cancel := q.cancels[taskID]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		q.mu.Unlock()
		return syncerr.Validation("task is already finished")
	}
}

// Dismiss removes a terminal task from the visible set.
func (q *Queue) Dismiss(taskID string) error {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return syncerr.NotFoundf("task %s", taskID)
	}
	if !task.State.Terminal() {
		q.mu.Unlock()
		return syncerr.Validation("only finished tasks can be dismissed")
	}

	delete(q.tasks, taskID)
	snapshot := *task.Clone()
	q.mu.Unlock()

	q.emit(Event{Type: EventDismissed, Task: snapshot})
	return nil
}

// Get returns one task by id.
func (q *Queue) Get(taskID string) (domain.SyncTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return domain.SyncTask{}, syncerr.NotFoundf("task %s", taskID)
	}
	return *task.Clone(), nil
}

// Snapshot returns all visible tasks grouped by state, newest first
// within each group.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	all := make([]domain.SyncTask, 0, len(q.tasks))
	for _, task := range q.tasks {
		all = append(all, *task.Clone())
	}
	q.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].EnqueuedAt.After(all[j].EnqueuedAt)
	})

	var s Snapshot
	for _, task := range all {
		switch task.State {
		case domain.TaskQueued:
			s.Queued = append(s.Queued, task)
		case domain.TaskRunning:
			s.Running = append(s.Running, task)
		case domain.TaskSucceeded:
			s.Succeeded = append(s.Succeeded, task)
		case domain.TaskFailed:
			s.Failed = append(s.Failed, task)
		case domain.TaskCancelled:
			s.Cancelled = append(s.Cancelled, task)
		}
	}
	return s
}

// Failed returns the failed tasks, oldest first, for retry sweeps.
func (q *Queue) Failed() []domain.SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.SyncTask
	for _, task := range q.tasks {
		if task.State == domain.TaskFailed {
			out = append(out, *task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.Before(out[j].FinishedAt)
	})
	return out
}

// Subscribe registers a task event listener. The returned function
// unsubscribes; events are dropped rather than block a slow listener.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	q.subMu.Lock()
	q.subs[ch] = struct{}{}
	q.subMu.Unlock()

	return ch, func() {
		q.subMu.Lock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
		q.subMu.Unlock()
	}
}

func (q *Queue) emit(event Event) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	for ch := range q.subs {
		select {
		case ch <- event:
		default:
			q.logger.Warn("dropped task event for slow subscriber",
				"event", event.Type, "task", event.Task.ID)
		}
	}
}

// worker drains the pending channel until ctx is cancelled.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-q.pending:
			q.run(ctx, taskID)
		}
	}
}

// run executes a single claimed task through its full lifecycle.
func (q *Queue) run(ctx context.Context, taskID string) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.State != domain.TaskQueued {
		// Cancelled or dismissed while waiting in the channel.
		q.mu.Unlock()
		return
	}
	task.State = domain.TaskRunning
	task.StartedAt = time.Now().UTC()

	taskCtx, cancel := context.WithCancel(ctx)
	q.cancels[taskID] = cancel
	input := *task.Clone()
	q.mu.Unlock()
	defer cancel()

	q.emit(Event{Type: EventStarted, Task: input})

	err := q.exec.Execute(taskCtx, input, func(text string) {
		q.mu.Lock()
		task.ProgressText = text
		snapshot := *task.Clone()
		q.mu.Unlock()
		q.emit(Event{Type: EventProgress, Task: snapshot})
	})

	q.mu.Lock()
	delete(q.cancels, taskID)
	delete(q.active, task.Key)
	task.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		task.State = domain.TaskSucceeded
	case syncerr.Classify(err) == syncerr.CodeCancelled:
		task.State = domain.TaskCancelled
	default:
		task.State = domain.TaskFailed
		task.Error = taskError(err)
	}
	snapshot := *task.Clone()
	q.mu.Unlock()

	if err != nil && snapshot.State == domain.TaskFailed {
		q.logger.Error("task failed",
			"task", taskID,
			"source", snapshot.Key.Source,
			"item", snapshot.Key.RawID,
			"error", err,
		)
	} else {
		q.logger.Info("task finished",
			"task", taskID,
			"state", snapshot.State,
			"duration", snapshot.FinishedAt.Sub(snapshot.StartedAt),
		)
	}

	q.emit(Event{Type: EventFinished, Task: snapshot})
}

// pruneLoop drops old succeeded and cancelled tasks so the visible set
// stays bounded. Failed tasks are kept for the operator.
func (q *Queue) pruneLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.prune(time.Now().UTC())
		}
	}
}

func (q *Queue) prune(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for taskID, task := range q.tasks {
		if task.State != domain.TaskSucceeded && task.State != domain.TaskCancelled {
			continue
		}
		if now.Sub(task.FinishedAt) >= q.pruneAfter {
			delete(q.tasks, taskID)
		}
	}
}

// taskError classifies err into the shape the status view renders.
func taskError(err error) *domain.TaskError {
	te := &domain.TaskError{
		Code:    syncerr.Classify(err),
		Message: err.Error(),
	}
	var serr *syncerr.Error
	if syncerr.As(err, &serr) {
		te.Message = serr.Message
		te.Detail = serr.Detail
	}
	return te
}
