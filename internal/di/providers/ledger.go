package providers

import (
	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/ledger"
	"github.com/marginapp/margin-sync/internal/logger"
)

// LedgerHandle wraps the ledger with shutdown capability.
type LedgerHandle struct {
	*ledger.Ledger
}

// Shutdown implements do.Shutdownable.
func (h *LedgerHandle) Shutdown() error {
	return h.Close()
}

// ProvideLedger provides the idempotency ledger.
func ProvideLedger(i do.Injector) (*LedgerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	l, err := ledger.New(cfg.Ledger.Path, log.Logger)
	if err != nil {
		return nil, err
	}

	log.Info("ledger opened", "path", cfg.Ledger.Path)
	return &LedgerHandle{Ledger: l}, nil
}
