// Package recon implements the reconciliation engine: for one content
// item, make remote state match local state with the minimum necessary
// writes. Reconciliation is idempotent and safe to re-run at any time.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/source"
	"github.com/marginapp/margin-sync/internal/workspace"
)

// rootDatabaseTitle names the single-database-mode database created under
// the configured parent page.
const rootDatabaseTitle = "Margin Highlights"

// Remote is the slice of workspace operations the engine needs.
// *workspace.Ops satisfies it; tests substitute a fake.
type Remote interface {
	EnsureDatabase(ctx context.Context, parentPageID, title string, schema workspace.Schema) (string, error)
	FindPageByItemID(ctx context.Context, databaseID, rawID string) (string, error)
	FindItemByHighlightUUID(ctx context.Context, databaseID, uuid string) (string, error)
	CollectUUIDMapping(ctx context.Context, pageID string) (map[string]string, error)
	CreateItemPage(ctx context.Context, databaseID string, item domain.ItemSummary) (string, error)
	CreateHighlightRow(ctx context.Context, databaseID string, h domain.Highlight) (string, error)
	UpdateHighlightRow(ctx context.Context, rowID string, h domain.Highlight) error
	AppendChildren(ctx context.Context, pageID string, blocks []workspace.Block) error
	UpdateBlockText(ctx context.Context, blockID string, block workspace.Block) error
	SetHighlightCount(ctx context.Context, pageID string, count int) error
	HighlightBlock(h domain.Highlight) workspace.Block
}

// Records is the ledger surface the engine consumes. The engine is the
// ledger's only writer.
type Records interface {
	GetMap(ctx context.Context, sourceKey domain.Source, bookID string) (map[string]domain.SyncedHighlightRecord, error)
	Upsert(ctx context.Context, rec domain.SyncedHighlightRecord) error
}

// Stats summarizes one item's reconciliation.
type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// String renders stats as task progress text.
func (s Stats) String() string {
	return fmt.Sprintf("%d created, %d updated, %d skipped", s.Created, s.Updated, s.Skipped)
}

// ProgressFunc receives per-highlight progress during a run. May be nil.
type ProgressFunc func(done, total int)

// Engine reconciles one content item per SyncItem call. A single Engine
// is shared by all concurrent tasks; the only cross-task state is the
// cached single-database id, guarded by a mutex.
type Engine struct {
	remote  Remote
	records Records
	logger  *slog.Logger

	mode         string
	parentPageID string

	// Single-database mode: the root database is resolved once per
	// process and shared by every task.
	dbMu   sync.Mutex
	rootDB string
}

// New creates a reconciliation engine.
func New(remote Remote, records Records, wcfg config.WorkspaceConfig, scfg config.SyncConfig, logger *slog.Logger) *Engine {
	return &Engine{
		remote:       remote,
		records:      records,
		logger:       logger,
		mode:         scfg.Mode,
		parentPageID: wcfg.ParentPageID,
	}
}

// SyncItem reconciles one content item: reads its local highlights,
// diffs against remote state and the ledger, and applies creates/updates.
// The first failing highlight aborts the rest of the item (fail-fast);
// completed writes stay durable. Cancellation is honored between
// highlights, never mid-write.
func (e *Engine) SyncItem(ctx context.Context, adapter source.Adapter, item domain.ItemSummary, progress ProgressFunc) (Stats, error) {
	highlights, err := adapter.ListHighlights(ctx, item.RawID)
	if err != nil {
		return Stats{}, fmt.Errorf("list highlights for %s: %w", item.RawID, err)
	}

	e.logger.Debug("reconciling item",
		"source", adapter.Kind(),
		"item", item.RawID,
		"highlights", len(highlights),
		"mode", e.mode,
	)

	switch e.mode {
	case config.ModePerItemDatabase:
		return e.syncPerItemDatabase(ctx, adapter.Kind(), item, highlights, progress)
	default:
		return e.syncSingleDatabase(ctx, adapter.Kind(), item, highlights, progress)
	}
}

// syncSingleDatabase is mode A: one shared database, one page per content
// item, highlights as child blocks.
func (e *Engine) syncSingleDatabase(ctx context.Context, src domain.Source, item domain.ItemSummary, highlights []domain.Highlight, progress ProgressFunc) (Stats, error) {
	var stats Stats

	dbID, err := e.rootDatabase(ctx)
	if err != nil {
		return stats, err
	}

	pageID, err := e.remote.FindPageByItemID(ctx, dbID, item.RawID)
	if err != nil {
		return stats, fmt.Errorf("find item page: %w", err)
	}
	if pageID == "" {
		pageID, err = e.remote.CreateItemPage(ctx, dbID, item)
		if err != nil {
			return stats, fmt.Errorf("create item page: %w", err)
		}
	}

	// One pagination walk instead of a remote query per highlight.
	existing, err := e.remote.CollectUUIDMapping(ctx, pageID)
	if err != nil {
		return stats, fmt.Errorf("collect existing highlights: %w", err)
	}

	records, err := e.records.GetMap(ctx, src, item.RawID)
	if err != nil {
		return stats, fmt.Errorf("read ledger: %w", err)
	}

	// Appends are deferred and batched; local order is preserved so the
	// remote page stays deterministic across runs.
	var pending []domain.Highlight

	for i, h := range highlights {
		if err := ctx.Err(); err != nil {
			return stats, syncerr.ErrCancelled.WithCause(err)
		}

		fingerprint := h.Fingerprint()
		blockID, exists := existing[h.UUID]

		switch {
		case !exists:
			pending = append(pending, h)
			stats.Created++

		case records[h.UUID].Fingerprint == fingerprint:
			stats.Skipped++

		default:
			// Present remotely with changed (or unknown) content. A
			// missing ledger record lands here too: updating in place is
			// what keeps a lost ledger write from ever duplicating.
			if err := e.remote.UpdateBlockText(ctx, blockID, e.remote.HighlightBlock(h)); err != nil {
				return stats, fmt.Errorf("update highlight %s: %w", h.UUID, err)
			}
			if err := e.recordSynced(ctx, src, item.RawID, h, blockID, fingerprint); err != nil {
				return stats, err
			}
			stats.Updated++
		}

		if progress != nil {
			progress(i+1, len(highlights))
		}
	}

	if len(pending) > 0 {
		blocks := make([]workspace.Block, len(pending))
		for i, h := range pending {
			blocks[i] = e.remote.HighlightBlock(h)
		}
		if err := e.remote.AppendChildren(ctx, pageID, blocks); err != nil {
			return stats, fmt.Errorf("append highlights: %w", err)
		}
		for _, h := range pending {
			// Block ids for fresh appends surface on the next mapping
			// walk; the owning page is recorded meanwhile.
			if err := e.recordSynced(ctx, src, item.RawID, h, pageID, h.Fingerprint()); err != nil {
				return stats, err
			}
		}
	}

	if err := e.remote.SetHighlightCount(ctx, pageID, len(highlights)); err != nil {
		return stats, fmt.Errorf("set highlight count: %w", err)
	}

	return stats, nil
}

// syncPerItemDatabase is mode B: each content item gets its own database,
// one row per highlight. The database row count is authoritative, so
// there is no count property to maintain.
func (e *Engine) syncPerItemDatabase(ctx context.Context, src domain.Source, item domain.ItemSummary, highlights []domain.Highlight, progress ProgressFunc) (Stats, error) {
	var stats Stats

	title := item.Title
	if item.Author != "" {
		title = fmt.Sprintf("%s (%s)", item.Title, item.Author)
	}
	dbID, err := e.remote.EnsureDatabase(ctx, e.parentPageID, title, workspace.RowSchema())
	if err != nil {
		return stats, fmt.Errorf("ensure item database: %w", err)
	}

	records, err := e.records.GetMap(ctx, src, item.RawID)
	if err != nil {
		return stats, fmt.Errorf("read ledger: %w", err)
	}

	for i, h := range highlights {
		if err := ctx.Err(); err != nil {
			return stats, syncerr.ErrCancelled.WithCause(err)
		}

		fingerprint := h.Fingerprint()
		rec, hasRecord := records[h.UUID]

		if hasRecord && rec.Fingerprint == fingerprint {
			stats.Skipped++
			if progress != nil {
				progress(i+1, len(highlights))
			}
			continue
		}

		rowID := rec.RemoteID
		if !hasRecord {
			// Find-before-create: the ledger may have lost a write after
			// a successful remote push. Never create without looking.
			rowID, err = e.remote.FindItemByHighlightUUID(ctx, dbID, h.UUID)
			if err != nil {
				return stats, fmt.Errorf("find highlight %s: %w", h.UUID, err)
			}
		}

		if rowID == "" {
			rowID, err = e.remote.CreateHighlightRow(ctx, dbID, h)
			if err != nil {
				return stats, fmt.Errorf("create highlight %s: %w", h.UUID, err)
			}
			stats.Created++
		} else {
			if err := e.remote.UpdateHighlightRow(ctx, rowID, h); err != nil {
				return stats, fmt.Errorf("update highlight %s: %w", h.UUID, err)
			}
			stats.Updated++
		}

		if err := e.recordSynced(ctx, src, item.RawID, h, rowID, fingerprint); err != nil {
			return stats, err
		}
		if progress != nil {
			progress(i+1, len(highlights))
		}
	}

	return stats, nil
}

// rootDatabase resolves the mode-A database once and caches it for every
// subsequent task in the process.
func (e *Engine) rootDatabase(ctx context.Context) (string, error) {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()

	if e.rootDB != "" {
		return e.rootDB, nil
	}

	dbID, err := e.remote.EnsureDatabase(ctx, e.parentPageID, rootDatabaseTitle, workspace.ItemSchema())
	if err != nil {
		return "", fmt.Errorf("ensure root database: %w", err)
	}
	e.rootDB = dbID
	return dbID, nil
}

// recordSynced refreshes the ledger after a successful remote write.
func (e *Engine) recordSynced(ctx context.Context, src domain.Source, bookID string, h domain.Highlight, remoteID, fingerprint string) error {
	err := e.records.Upsert(ctx, domain.SyncedHighlightRecord{
		SourceKey:     src,
		BookID:        bookID,
		HighlightUUID: h.UUID,
		RemoteID:      remoteID,
		Fingerprint:   fingerprint,
		SyncedAt:      time.Now().UTC(),
	})
	if err != nil {
		// The remote write already succeeded; losing the ledger entry
		// costs one extra remote lookup next run, nothing more.
		e.logger.Warn("ledger update failed after successful push",
			"uuid", h.UUID,
			"error", err,
		)
	}
	return nil
}
