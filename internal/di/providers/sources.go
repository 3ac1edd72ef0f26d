package providers

import (
	"io"

	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/domain"
	"github.com/marginapp/margin-sync/internal/logger"
	"github.com/marginapp/margin-sync/internal/source"
)

// SourceRegistryHandle wraps the adapter registry and closes the
// underlying database handles on shutdown.
type SourceRegistryHandle struct {
	*source.Registry
	closers []io.Closer
}

// Shutdown implements do.Shutdownable.
func (h *SourceRegistryHandle) Shutdown() error {
	var firstErr error
	for _, c := range h.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ProvideSourceRegistry provides the configured content-source adapters.
// A source whose database is missing is skipped with a warning; it joins
// the registry on the next restart once the device is attached.
func ProvideSourceRegistry(i do.Injector) (*SourceRegistryHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	handle := &SourceRegistryHandle{}
	var adapters []source.Adapter

	for _, name := range cfg.Sources.Enabled {
		kind, err := domain.ParseSource(name)
		if err != nil {
			log.Warn("skipping unknown source", "source", name)
			continue
		}

		adapter, err := source.NewSQLiteAdapter(kind, cfg.Sources.Paths[name], log.Logger)
		if err != nil {
			log.Warn("source unavailable, skipping",
				"source", name, "path", cfg.Sources.Paths[name], "error", err)
			continue
		}

		adapters = append(adapters, adapter)
		handle.closers = append(handle.closers, adapter)
		log.Info("source registered", "source", name, "path", cfg.Sources.Paths[name])
	}

	handle.Registry = source.NewRegistry(adapters...)
	return handle, nil
}
