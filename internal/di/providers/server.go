package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/logger"
	"github.com/marginapp/margin-sync/internal/server"
)

// HTTPServerHandle wraps http.Server with Shutdownable.
type HTTPServerHandle struct {
	*http.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the loopback control API server.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	queueHandle := do.MustInvoke[*QueueHandle](i)
	schedulerHandle := do.MustInvoke[*SchedulerHandle](i)
	ledgerHandle := do.MustInvoke[*LedgerHandle](i)

	handler := server.New(queueHandle.Queue, schedulerHandle.Scheduler, ledgerHandle.Ledger, log.Logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control API server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv}, nil
}
