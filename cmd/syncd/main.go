// Package main provides the entry point for the margin-sync daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/di"
	"github.com/marginapp/margin-sync/internal/di/providers"
	"github.com/marginapp/margin-sync/internal/logger"
)

func main() {
	injector := di.NewContainer()

	if err := di.Bootstrap(injector); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start margin-sync: %v\n", err)
		os.Exit(1)
	}

	log := do.MustInvoke[*logger.Logger](injector)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gracefully...")

	// Shutdownable providers are handled automatically, in reverse order.
	if err := injector.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
	}

	// The ledger uses a wrapper type, close it explicitly last.
	if ledgerHandle, err := do.Invoke[*providers.LedgerHandle](injector); err == nil {
		if err := ledgerHandle.Shutdown(); err != nil {
			log.Error("failed to close ledger", "error", err)
		}
	}

	log.Info("done")
}
