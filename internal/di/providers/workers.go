package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/logger"
	"github.com/marginapp/margin-sync/internal/queue"
	"github.com/marginapp/margin-sync/internal/recon"
	"github.com/marginapp/margin-sync/internal/scheduler"
)

// QueueHandle wraps the task queue with its lifecycle context.
type QueueHandle struct {
	*queue.Queue
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *QueueHandle) Shutdown() error {
	h.cancel()
	h.Wait()
	return nil
}

// ProvideQueue provides the task queue with its worker pool running.
func ProvideQueue(i do.Injector) (*QueueHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	registryHandle := do.MustInvoke[*SourceRegistryHandle](i)
	engine := do.MustInvoke[*recon.Engine](i)

	runner := scheduler.NewRunner(registryHandle.Registry, engine, log.Logger)
	q := queue.New(runner, cfg.Sync.BatchConcurrency, taskPruneGrace, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	return &QueueHandle{Queue: q, cancel: cancel}, nil
}

// SchedulerHandle wraps the scheduler with its lifecycle context.
type SchedulerHandle struct {
	*scheduler.Scheduler
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *SchedulerHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideScheduler provides the running scheduler.
func ProvideScheduler(i do.Injector) (*SchedulerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	registryHandle := do.MustInvoke[*SourceRegistryHandle](i)
	queueHandle := do.MustInvoke[*QueueHandle](i)

	s := scheduler.New(registryHandle.Registry, queueHandle.Queue, cfg.Sync, cfg.Sources, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	log.Info("scheduler started",
		"interval", cfg.Sync.Interval,
		"sync_on_start", cfg.Sync.SyncOnStart,
		"watch_files", cfg.Sources.WatchFiles,
	)

	return &SchedulerHandle{Scheduler: s, cancel: cancel}, nil
}
