// Package config provides application configuration management with support
// for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sync modes.
const (
	ModeSingleDatabase  = "single-database"
	ModePerItemDatabase = "per-item-database"
)

// Config holds the full application configuration. It is immutable for the
// duration of a sync cycle; changes take effect on the next cycle.
type Config struct {
	App       AppConfig
	Logger    LoggerConfig
	Workspace WorkspaceConfig
	Sync      SyncConfig
	Ledger    LedgerConfig
	Sources   SourcesConfig
	Server    ServerConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string `validate:"required,oneof=development staging production"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string `validate:"required,oneof=debug info warn error"`
}

// WorkspaceConfig holds remote workspace API credentials and endpoints.
type WorkspaceConfig struct {
	// BaseURL of the workspace API (default: https://api.workspace.example.com)
	BaseURL string `validate:"required,url"`
	// Token is the integration bearer token.
	Token string
	// ParentPageID is the page under which databases/pages are created.
	ParentPageID string
	// Version header value sent on every call.
	Version string `validate:"required"`
}

// SyncConfig holds reconciliation and transport tuning.
type SyncConfig struct {
	// Mode selects the remote layout (default: single-database).
	Mode string `validate:"required,oneof=single-database per-item-database"`
	// PageSize for paginated remote reads (default: 100).
	PageSize int `validate:"min=1,max=100"`
	// AppendBatchSize caps blocks per append call (default: 50).
	AppendBatchSize int `validate:"min=1,max=100"`
	// BatchConcurrency caps simultaneously running tasks (default: 3).
	BatchConcurrency int `validate:"min=1,max=32"`

	// Request-rate limits, independent per class.
	ReadRPS    float64 `validate:"gt=0"`
	ReadBurst  int     `validate:"min=1"`
	WriteRPS   float64 `validate:"gt=0"`
	WriteBurst int     `validate:"min=1"`

	// Retry policy for 429 and 5xx/network failures.
	RateLimitMaxAttempts int           `validate:"min=1"`
	RateLimitBaseDelay   time.Duration `validate:"gt=0"`
	RateLimitJitter      time.Duration `validate:"min=0"`
	// Retry policy for 409 conflicts.
	ConflictMaxAttempts int           `validate:"min=1"`
	ConflictBaseDelay   time.Duration `validate:"gt=0"`
	ConflictJitter      time.Duration `validate:"min=0"`

	// RequestTimeout is the fixed per-call HTTP timeout (default: 30s).
	RequestTimeout time.Duration `validate:"gt=0"`

	// MaxTextLength truncates highlight bodies to a rune count before
	// transmission (default: 2000). HardTextLimit caps the encoded body
	// in bytes; a truncated body still over it is replaced with the
	// placeholder.
	MaxTextLength         int    `validate:"min=1"`
	HardTextLimit         int    `validate:"min=1"`
	TruncationPlaceholder string `validate:"required"`

	// LookupExisting enables reuse of an existing remote database found by
	// title under the parent page. Off by default: listing children costs
	// an extra read per run.
	LookupExisting bool

	// Interval between periodic sync cycles (default: 24h).
	Interval time.Duration `validate:"gt=0"`
	// SyncOnStart triggers a cycle when the daemon starts.
	SyncOnStart bool
}

// LedgerConfig holds the idempotency ledger location.
type LedgerConfig struct {
	Path string `validate:"required"`
}

// SourcesConfig holds per-source enablement and database locations.
type SourcesConfig struct {
	// Enabled lists sources participating in automatic sync.
	Enabled []string `validate:"dive,oneof=kobo kindle pocket chat"`
	// Paths maps a source name to its local database file.
	Paths map[string]string
	// WatchFiles triggers a sync when a source database changes on disk.
	WatchFiles bool
}

// ServerConfig holds the loopback control API configuration.
type ServerConfig struct {
	Addr         string        `validate:"required"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
}

// Load builds configuration with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
//
// args is the raw argument list (normally os.Args[1:]); taking it as a
// parameter keeps Load callable repeatedly from tests.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.parse(args); err != nil {
		return nil, err
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(fs.envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(fs.env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(fs.logLevel, "LOG_LEVEL", "info"),
		},
		Workspace: WorkspaceConfig{
			BaseURL:      getConfigValue(fs.workspaceURL, "WORKSPACE_URL", "https://api.workspace.example.com"),
			Token:        getConfigValue(fs.workspaceToken, "WORKSPACE_TOKEN", ""),
			ParentPageID: getConfigValue(fs.parentPageID, "WORKSPACE_PARENT_PAGE_ID", ""),
			Version:      getConfigValue("", "WORKSPACE_VERSION", "2022-06-28"),
		},
		Sync: SyncConfig{
			Mode:                  getConfigValue(fs.mode, "SYNC_MODE", ModeSingleDatabase),
			PageSize:              getIntConfigValue("", "SYNC_PAGE_SIZE", 100),
			AppendBatchSize:       getIntConfigValue("", "SYNC_APPEND_BATCH_SIZE", 50),
			BatchConcurrency:      getIntConfigValue(fs.concurrency, "SYNC_BATCH_CONCURRENCY", 3),
			ReadRPS:               getFloatConfigValue("", "SYNC_READ_RPS", 3),
			ReadBurst:             getIntConfigValue("", "SYNC_READ_BURST", 3),
			WriteRPS:              getFloatConfigValue("", "SYNC_WRITE_RPS", 3),
			WriteBurst:            getIntConfigValue("", "SYNC_WRITE_BURST", 3),
			RateLimitMaxAttempts:  getIntConfigValue("", "SYNC_RATELIMIT_MAX_ATTEMPTS", 5),
			ConflictMaxAttempts:   getIntConfigValue("", "SYNC_CONFLICT_MAX_ATTEMPTS", 3),
			MaxTextLength:         getIntConfigValue("", "SYNC_MAX_TEXT_LENGTH", 2000),
			HardTextLimit:         getIntConfigValue("", "SYNC_HARD_TEXT_LIMIT", 2000),
			TruncationPlaceholder: getConfigValue("", "SYNC_TRUNCATION_PLACEHOLDER", "[highlight too long to sync]"),
			LookupExisting:        getBoolConfigValue("", "SYNC_LOOKUP_EXISTING", false),
			SyncOnStart:           getBoolConfigValue(fs.syncOnStart, "SYNC_ON_START", false),
		},
		Ledger: LedgerConfig{
			Path: getConfigValue(fs.ledgerPath, "LEDGER_PATH", ""),
		},
		Sources: SourcesConfig{
			Enabled:    splitList(getConfigValue(fs.sources, "SOURCES_ENABLED", "")),
			Paths:      sourcePaths(),
			WatchFiles: getBoolConfigValue("", "SOURCES_WATCH_FILES", true),
		},
		Server: ServerConfig{
			Addr: getConfigValue(fs.serverAddr, "SERVER_ADDR", "127.0.0.1:8687"),
		},
	}

	// Parse durations.
	var err error
	if cfg.Sync.RateLimitBaseDelay, err = getDurationConfigValue("", "SYNC_RATELIMIT_BASE_DELAY", "1s"); err != nil {
		return nil, err
	}
	if cfg.Sync.RateLimitJitter, err = getDurationConfigValue("", "SYNC_RATELIMIT_JITTER", "500ms"); err != nil {
		return nil, err
	}
	if cfg.Sync.ConflictBaseDelay, err = getDurationConfigValue("", "SYNC_CONFLICT_BASE_DELAY", "500ms"); err != nil {
		return nil, err
	}
	if cfg.Sync.ConflictJitter, err = getDurationConfigValue("", "SYNC_CONFLICT_JITTER", "250ms"); err != nil {
		return nil, err
	}
	if cfg.Sync.RequestTimeout, err = getDurationConfigValue("", "SYNC_REQUEST_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.Sync.Interval, err = getDurationConfigValue(fs.interval, "SYNC_INTERVAL", "24h"); err != nil {
		return nil, err
	}
	if cfg.Server.ReadTimeout, err = getDurationConfigValue("", "SERVER_READ_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Server.WriteTimeout, err = getDurationConfigValue("", "SERVER_WRITE_TIMEOUT", "15s"); err != nil {
		return nil, err
	}

	if err := cfg.expandLedgerPath(); err != nil {
		return nil, fmt.Errorf("invalid ledger path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all config values are present and consistent.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	// A rune encodes to at least one byte, so anything below the rune
	// limit would turn every full-length body into the placeholder.
	if c.Sync.HardTextLimit < c.Sync.MaxTextLength {
		return fmt.Errorf("hard text limit %d bytes is below max text length %d runes", c.Sync.HardTextLimit, c.Sync.MaxTextLength)
	}

	for _, src := range c.Sources.Enabled {
		if c.Sources.Paths[src] == "" {
			return fmt.Errorf("source %q is enabled but has no database path configured", src)
		}
	}

	return nil
}

// RequireWorkspace verifies the remote credentials needed before any sync
// cycle can run. Kept out of Validate so the daemon can boot, expose the
// control API, and report the misconfiguration instead of crash-looping.
func (c *Config) RequireWorkspace() error {
	if c.Workspace.Token == "" {
		return fmt.Errorf("WORKSPACE_TOKEN is required")
	}
	if c.Workspace.ParentPageID == "" {
		return fmt.Errorf("WORKSPACE_PARENT_PAGE_ID is required")
	}
	return nil
}

// expandLedgerPath defaults the ledger under the user config dir and
// makes it absolute.
func (c *Config) expandLedgerPath() error {
	if c.Ledger.Path == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve user config dir: %w", err)
		}
		c.Ledger.Path = filepath.Join(base, "margin-sync", "ledger")
	}

	abs, err := filepath.Abs(c.Ledger.Path)
	if err != nil {
		return err
	}
	c.Ledger.Path = abs
	return nil
}

// flagSet bundles the parsed command-line flags.
type flagSet struct {
	env            string
	logLevel       string
	envFile        string
	workspaceURL   string
	workspaceToken string
	parentPageID   string
	mode           string
	concurrency    string
	interval       string
	syncOnStart    string
	ledgerPath     string
	sources        string
	serverAddr     string
}

func newFlagSet() *flagSet {
	return &flagSet{}
}

func (f *flagSet) parse(args []string) error {
	// A fresh FlagSet per call; the global flag package would panic on
	// repeated registration.
	fs := flag.NewFlagSet("margin-sync", flag.ContinueOnError)
	fs.StringVar(&f.env, "env", "", "Environment (development, staging, production)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.envFile, "env-file", ".env", "Path to .env file")
	fs.StringVar(&f.workspaceURL, "workspace-url", "", "Workspace API base URL")
	fs.StringVar(&f.workspaceToken, "workspace-token", "", "Workspace integration token")
	fs.StringVar(&f.parentPageID, "parent-page-id", "", "Workspace parent page id")
	fs.StringVar(&f.mode, "mode", "", "Sync mode (single-database, per-item-database)")
	fs.StringVar(&f.concurrency, "concurrency", "", "Max concurrent sync tasks")
	fs.StringVar(&f.interval, "interval", "", "Periodic sync interval (e.g. 24h)")
	fs.StringVar(&f.syncOnStart, "sync-on-start", "", "Run a sync cycle at startup (true/false)")
	fs.StringVar(&f.ledgerPath, "ledger-path", "", "Path to the sync-record ledger")
	fs.StringVar(&f.sources, "sources", "", "Comma-separated sources with auto-sync enabled")
	fs.StringVar(&f.serverAddr, "addr", "", "Control API listen address")
	return fs.Parse(args)
}

// getConfigValue returns the first non-empty of flag, env var, default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	raw := getConfigValue(flagValue, envKey, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	raw := getConfigValue(flagValue, envKey, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	raw := getConfigValue(flagValue, envKey, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	raw := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q: %w", envKey, raw, err)
	}
	return d, nil
}

// sourcePaths collects SOURCE_<NAME>_DB_PATH env vars.
func sourcePaths() map[string]string {
	paths := make(map[string]string)
	for _, src := range []string{"kobo", "kindle", "pocket", "chat"} {
		key := "SOURCE_" + strings.ToUpper(src) + "_DB_PATH"
		if v := os.Getenv(key); v != "" {
			paths[src] = v
		}
	}
	return paths
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadEnvFile loads environment variables from a .env file.
// Lines are KEY=VALUE; # comments and blank lines are skipped. Existing
// environment variables are never overridden.
func loadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}
