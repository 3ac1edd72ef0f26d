package providers

import (
	"log/slog"
	"os"

	"github.com/samber/do/v2"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/logger"
)

// ProvideConfig provides the daemon configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.Load(os.Args[1:])
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
	})

	log.Info("starting margin-sync",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"mode", cfg.Sync.Mode,
		"ledger_path", cfg.Ledger.Path,
	)

	return log, nil
}

// ProvideSlogLogger exposes the underlying slog.Logger for packages that
// take the plain interface.
func ProvideSlogLogger(i do.Injector) (*slog.Logger, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return log.Logger, nil
}
