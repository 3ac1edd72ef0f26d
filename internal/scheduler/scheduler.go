// Package scheduler decides when sync tasks get enqueued: on demand, on
// a periodic interval, and when a watched source database file changes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/queue"
	"github.com/marginapp/margin-sync/internal/recon"
	"github.com/marginapp/margin-sync/internal/source"
)

// debounceDelay coalesces the burst of writes an e-reader makes while
// updating its database into a single sync trigger.
const debounceDelay = 2 * time.Second

// ItemSyncer reconciles one content item. *recon.Engine satisfies it.
type ItemSyncer interface {
	SyncItem(ctx context.Context, adapter source.Adapter, item domain.ItemSummary, progress recon.ProgressFunc) (recon.Stats, error)
}

// Tasks is the queue surface the scheduler drives. *queue.Queue
// satisfies it.
type Tasks interface {
	Enqueue(key domain.TaskKey, title, subtitle string) (domain.SyncTask, bool, error)
	Failed() []domain.SyncTask
	Retry(taskID string) (domain.SyncTask, error)
}

// Runner executes queued tasks by resolving the item's adapter and
// handing it to the reconciliation engine.
type Runner struct {
	registry *source.Registry
	engine   ItemSyncer
	logger   *slog.Logger
}

// NewRunner creates a task executor.
func NewRunner(registry *source.Registry, engine ItemSyncer, logger *slog.Logger) *Runner {
	return &Runner{registry: registry, engine: engine, logger: logger}
}

// Execute implements queue.Executor.
func (r *Runner) Execute(ctx context.Context, task domain.SyncTask, progress func(string)) error {
	adapter := r.registry.Get(task.Key.Source)
	if adapter == nil {
		return syncerr.SourceUnavailablef("source %s is not configured", task.Key.Source)
	}

	item := domain.ItemSummary{
		RawID:  task.Key.RawID,
		Title:  task.Title,
		Author: task.Subtitle,
	}

	stats, err := r.engine.SyncItem(ctx, adapter, item, func(done, total int) {
		progress(fmt.Sprintf("%d of %d", done, total))
	})
	if err != nil {
		return err
	}

	progress(stats.String())
	return nil
}

// Scheduler owns the periodic loop, the file watcher, and the retry
// sweep. All three funnel into the same queue.
type Scheduler struct {
	registry *source.Registry
	tasks    Tasks
	logger   *slog.Logger

	interval    time.Duration
	syncOnStart bool
	watchFiles  bool

	mu      sync.Mutex
	timers  map[domain.Source]*time.Timer
	lastRun map[domain.Source]time.Time
}

// New creates a scheduler.
func New(registry *source.Registry, tasks Tasks, scfg config.SyncConfig, srcCfg config.SourcesConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		registry:    registry,
		tasks:       tasks,
		logger:      logger,
		interval:    scfg.Interval,
		syncOnStart: scfg.SyncOnStart,
		watchFiles:  srcCfg.WatchFiles,
		timers:      make(map[domain.Source]*time.Timer),
		lastRun:     make(map[domain.Source]time.Time),
	}
}

// Run blocks until ctx is cancelled, driving the periodic loop and the
// file watcher.
func (s *Scheduler) Run(ctx context.Context) {
	if s.watchFiles {
		go s.watch(ctx)
	}

	if s.syncOnStart {
		if _, err := s.SyncAll(ctx); err != nil {
			s.logger.Error("startup sync failed", "error", err)
		}
	}

	if s.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retryFailed()
			if _, err := s.SyncAll(ctx); err != nil {
				s.logger.Error("periodic sync failed", "error", err)
			}
		}
	}
}

// SyncAll sweeps every configured source. Returns the number of tasks
// enqueued.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	kinds := make([]domain.Source, 0)
	for _, a := range s.registry.All() {
		kinds = append(kinds, a.Kind())
	}
	return s.SyncNow(ctx, kinds...)
}

// SyncNow enqueues a task for every changed item of the named sources.
// A full sweep (since zero) is used; reconciliation skips unchanged
// highlights anyway, so over-enqueueing only costs reads.
func (s *Scheduler) SyncNow(ctx context.Context, kinds ...domain.Source) (int, error) {
	var (
		total   int
		lastErr error
	)
	for _, kind := range kinds {
		adapter := s.registry.Get(kind)
		if adapter == nil {
			lastErr = syncerr.SourceUnavailablef("source %s is not configured", kind)
			continue
		}
		n, err := s.enqueueChanged(ctx, adapter, time.Time{})
		total += n
		if err != nil {
			lastErr = err
		}
	}
	return total, lastErr
}

// enqueueChanged lists items modified after since and enqueues one task
// per item.
func (s *Scheduler) enqueueChanged(ctx context.Context, adapter source.Adapter, since time.Time) (int, error) {
	items, err := adapter.ListChangedItems(ctx, since)
	if err != nil {
		s.logger.Error("listing changed items failed",
			"source", adapter.Kind(), "error", err)
		return 0, err
	}

	var enqueued int
	for _, item := range items {
		key := domain.TaskKey{Source: adapter.Kind(), RawID: item.RawID}
		_, created, err := s.tasks.Enqueue(key, item.Title, item.Author)
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
	}

	s.mu.Lock()
	s.lastRun[adapter.Kind()] = time.Now().UTC()
	s.mu.Unlock()

	if enqueued > 0 {
		s.logger.Info("sync sweep enqueued tasks",
			"source", adapter.Kind(), "tasks", enqueued)
	}
	return enqueued, nil
}

// retryFailed re-enqueues failed tasks whose error class is transient.
// Permanent failures wait for the operator.
func (s *Scheduler) retryFailed() {
	for _, task := range s.tasks.Failed() {
		if !task.Error.Retryable() {
			continue
		}
		if _, err := s.tasks.Retry(task.ID); err != nil {
			s.logger.Warn("automatic retry failed",
				"task", task.ID, "error", err)
			continue
		}
		s.logger.Info("retrying failed task",
			"task", task.ID, "source", task.Key.Source, "item", task.Key.RawID)
	}
}

// watch monitors the source database files and triggers an incremental
// sync when one settles after a burst of writes. Parent directories are
// watched because e-readers typically replace the file wholesale.
func (s *Scheduler) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("file watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	paths := make(map[string]domain.Source)
	for _, a := range s.registry.All() {
		fb, ok := a.(source.FileBacked)
		if !ok {
			continue
		}
		path := filepath.Clean(fb.Path())
		paths[path] = a.Kind()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			s.logger.Error("watching source directory failed",
				"path", path, "error", err)
			continue
		}
		s.logger.Info("watching source database", "source", a.Kind(), "path", path)
	}
	if len(paths) == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			kind, ok := s.matchSource(paths, event.Name)
			if !ok {
				continue
			}
			s.debounce(ctx, kind)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", "error", err)
		}
	}
}

// matchSource maps an event path back to a source. SQLite sidecar files
// (-wal, -journal, -shm) count as activity on the main database.
func (s *Scheduler) matchSource(paths map[string]domain.Source, name string) (domain.Source, bool) {
	name = filepath.Clean(name)
	if kind, ok := paths[name]; ok {
		return kind, true
	}
	for path, kind := range paths {
		if strings.HasPrefix(name, path+"-") {
			return kind, true
		}
	}
	return domain.SourceUnknown, false
}

// debounce arms (or re-arms) the per-source settle timer.
func (s *Scheduler) debounce(ctx context.Context, kind domain.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[kind]; ok {
		timer.Reset(debounceDelay)
		return
	}
	s.timers[kind] = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		delete(s.timers, kind)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.logger.Info("source database changed, syncing", "source", kind)
		if _, err := s.SyncNow(ctx, kind); err != nil {
			s.logger.Error("change-triggered sync failed",
				"source", kind, "error", err)
		}
	})
}

var _ queue.Executor = (*Runner)(nil)
