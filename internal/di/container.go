// Package di provides dependency injection configuration for the
// margin-sync daemon.
package di

import (
	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/di/providers"
	"github.com/marginapp/margin-sync/internal/logger"
	"github.com/marginapp/margin-sync/internal/recon"
	"github.com/marginapp/margin-sync/internal/workspace"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideSlogLogger)

	// Storage layer
	do.Provide(injector, providers.ProvideLedger)

	// Remote workspace
	do.Provide(injector, providers.ProvideWorkspaceClient)
	do.Provide(injector, providers.ProvideWorkspaceOps)
	do.Provide(injector, providers.ProvideEngine)

	// Local sources
	do.Provide(injector, providers.ProvideSourceRegistry)

	// Workers
	do.Provide(injector, providers.ProvideQueue)
	do.Provide(injector, providers.ProvideScheduler)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services and returns once the daemon is
// running. This triggers lazy initialization in dependency order.
func Bootstrap(injector *do.RootScope) error {
	_ = do.MustInvoke[*config.Config](injector)
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*providers.LedgerHandle](injector)
	_ = do.MustInvoke[*workspace.Client](injector)
	_ = do.MustInvoke[*workspace.Ops](injector)
	_ = do.MustInvoke[*recon.Engine](injector)
	_ = do.MustInvoke[*providers.SourceRegistryHandle](injector)
	_ = do.MustInvoke[*providers.QueueHandle](injector)
	_ = do.MustInvoke[*providers.SchedulerHandle](injector)
	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	return nil
}
