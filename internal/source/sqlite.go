package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
)

// SQLiteAdapter reads a generic annotations database, the shape most
// e-reader exports land in:
//
//	items(id, title, author, modified_at)
//	annotations(id, item_id, position, text, note, color, location,
//	            chapter, created_at, modified_at)
//
// Timestamps are unix seconds. The database is opened read-only; the
// adapter never mutates source data.
type SQLiteAdapter struct {
	kind   domain.Source
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAdapter opens the database at path read-only.
func NewSQLiteAdapter(kind domain.Source, path string, logger *slog.Logger) (*SQLiteAdapter, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, syncerr.SourceUnavailablef("source database %s: %v", path, err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, syncerr.SourceUnavailablef("open source database %s", path).WithCause(err)
	}

	return &SQLiteAdapter{
		kind:   kind,
		path:   path,
		db:     db,
		logger: logger,
	}, nil
}

// Kind implements Adapter.
func (a *SQLiteAdapter) Kind() domain.Source {
	return a.kind
}

// Path implements FileBacked.
func (a *SQLiteAdapter) Path() string {
	return a.path
}

// Close releases the database handle.
func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

// ListChangedItems implements Adapter.
func (a *SQLiteAdapter) ListChangedItems(ctx context.Context, since time.Time) ([]domain.ItemSummary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT i.id, i.title, COALESCE(i.author, ''), i.modified_at,
		       COUNT(an.id)
		FROM items i
		LEFT JOIN annotations an ON an.item_id = i.id
		WHERE i.modified_at > ?
		GROUP BY i.id, i.title, i.author, i.modified_at
		ORDER BY i.modified_at DESC`,
		since.Unix(),
	)
	if err != nil {
		return nil, syncerr.SourceUnavailablef("query items from %s", a.kind).WithCause(err)
	}
	defer rows.Close()

	var items []domain.ItemSummary
	for rows.Next() {
		var (
			item       domain.ItemSummary
			modifiedAt int64
		)
		if err := rows.Scan(&item.RawID, &item.Title, &item.Author, &modifiedAt, &item.HighlightCount); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.LastModified = time.Unix(modifiedAt, 0).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.SourceUnavailablef("read items from %s", a.kind).WithCause(err)
	}
	return items, nil
}

// ListHighlights implements Adapter. Rows come back in natural order
// (position, then created_at) so remote appends are deterministic.
func (a *SQLiteAdapter) ListHighlights(ctx context.Context, rawID string) ([]domain.Highlight, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, COALESCE(text, ''), COALESCE(note, ''), COALESCE(color, 0),
		       COALESCE(location, ''), COALESCE(chapter, ''),
		       created_at, modified_at
		FROM annotations
		WHERE item_id = ?
		ORDER BY position ASC, created_at ASC`,
		rawID,
	)
	if err != nil {
		return nil, syncerr.SourceUnavailablef("query annotations from %s", a.kind).WithCause(err)
	}
	defer rows.Close()

	var highlights []domain.Highlight
	for rows.Next() {
		var (
			h                     domain.Highlight
			annID                 string
			createdAt, modifiedAt int64
		)
		if err := rows.Scan(&annID, &h.Text, &h.Note, &h.ColorIndex, &h.Location, &h.Chapter, &createdAt, &modifiedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		h.UUID = a.stableUUID(rawID, annID)
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		h.ModifiedAt = time.Unix(modifiedAt, 0).UTC()
		highlights = append(highlights, h)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.SourceUnavailablef("read annotations from %s", a.kind).WithCause(err)
	}
	return highlights, nil
}

// stableUUID returns the annotation's own id when it already is a UUID,
// otherwise derives a deterministic v5 UUID from (source, item, id). The
// same logical highlight must map to the same uuid on every run.
func (a *SQLiteAdapter) stableUUID(rawID, annID string) string {
	if parsed, err := uuid.Parse(annID); err == nil {
		return parsed.String()
	}
	name := fmt.Sprintf("margin-sync://%s/%s/%s", a.kind, rawID, annID)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
