package providers

import (
	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/logger"
	"github.com/marginapp/margin-sync/internal/recon"
	"github.com/marginapp/margin-sync/internal/workspace"
)

// ProvideWorkspaceClient provides the rate-limited workspace API client.
func ProvideWorkspaceClient(i do.Injector) (*workspace.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.RequireWorkspace() != nil {
		// The daemon still boots so the control API can report the
		// missing configuration; remote calls will fail until fixed.
		log.Warn("workspace is not fully configured; syncs will fail until token and parent page are set")
	}

	return workspace.NewClient(cfg.Workspace, cfg.Sync, log.Logger), nil
}

// ProvideWorkspaceOps provides the high-level workspace operations.
func ProvideWorkspaceOps(i do.Injector) (*workspace.Ops, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	client := do.MustInvoke[*workspace.Client](i)

	return workspace.NewOps(client, cfg.Sync, log.Logger), nil
}

// ProvideEngine provides the reconciliation engine.
func ProvideEngine(i do.Injector) (*recon.Engine, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	ops := do.MustInvoke[*workspace.Ops](i)
	ledgerHandle := do.MustInvoke[*LedgerHandle](i)

	return recon.New(ops, ledgerHandle.Ledger, cfg.Workspace, cfg.Sync, log.Logger), nil
}
