// Package ledger persists SyncedHighlightRecords, the idempotency ledger
// consulted by the reconciliation engine for skip/update decisions.
//
// Records are keyed record:<sourceKey>:<bookID>:<highlightUUID> in a
// Badger database. Single-record upserts are atomic transactions; no
// additional locking is needed because the task queue guarantees at most
// one task mutates a given (source, book) at a time. Writes from tasks on
// different items serialize inside Badger.
package ledger

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/marginapp/margin-sync/internal/domain"
)

const recordPrefix = "record:"

// Ledger wraps the Badger database holding sync records.
type Ledger struct {
	db     *badger.DB
	logger *slog.Logger
}

// New opens (or creates) the ledger at path.
func New(path string, logger *slog.Logger) (*Ledger, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil            // Badger's own logging is noise here
	opts.SyncWrites = true       // a lost ledger write forces a remote re-query next run
	opts.CompactL0OnClose = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger at %s: %w", path, err)
	}

	return &Ledger{db: db, logger: logger}, nil
}

// Close flushes and closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func recordKey(sourceKey domain.Source, bookID, uuid string) []byte {
	return []byte(recordPrefix + string(sourceKey) + ":" + bookID + ":" + uuid)
}

func bookPrefix(sourceKey domain.Source, bookID string) []byte {
	return []byte(recordPrefix + string(sourceKey) + ":" + bookID + ":")
}

func sourcePrefix(sourceKey domain.Source) []byte {
	return []byte(recordPrefix + string(sourceKey) + ":")
}

// Upsert writes one record, replacing any previous version atomically.
func (l *Ledger) Upsert(ctx context.Context, rec domain.SyncedHighlightRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SourceKey == "" || rec.BookID == "" || rec.HighlightUUID == "" {
		return fmt.Errorf("record is missing key fields: %+v", rec)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.SourceKey, rec.BookID, rec.HighlightUUID), data)
	})
}

// Get returns all records for one (source, book), in key order.
func (l *Ledger) Get(ctx context.Context, sourceKey domain.Source, bookID string) ([]domain.SyncedHighlightRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []domain.SyncedHighlightRecord
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := bookPrefix(sourceKey, bookID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec domain.SyncedHighlightRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decode record %s: %w", it.Item().Key(), err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetMap returns the book's records indexed by highlight uuid.
func (l *Ledger) GetMap(ctx context.Context, sourceKey domain.Source, bookID string) (map[string]domain.SyncedHighlightRecord, error) {
	records, err := l.Get(ctx, sourceKey, bookID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]domain.SyncedHighlightRecord, len(records))
	for _, rec := range records {
		m[rec.HighlightUUID] = rec
	}
	return m, nil
}

// Delete removes one record. Missing records are not an error.
func (l *Ledger) Delete(ctx context.Context, sourceKey domain.Source, bookID, uuid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(sourceKey, bookID, uuid))
	})
}

// Clear removes every record for one (source, book) and reports how many
// were deleted. Used by the user-facing "clear records for this item".
func (l *Ledger) Clear(ctx context.Context, sourceKey domain.Source, bookID string) (int, error) {
	return l.clearPrefix(ctx, bookPrefix(sourceKey, bookID))
}

// ClearSource removes every record for one source.
func (l *Ledger) ClearSource(ctx context.Context, sourceKey domain.Source) (int, error) {
	return l.clearPrefix(ctx, sourcePrefix(sourceKey))
}

func (l *Ledger) clearPrefix(ctx context.Context, prefix []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Collect keys first; deleting while iterating invalidates the
	// iterator's snapshot.
	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	l.logger.Debug("cleared ledger records",
		"prefix", strings.TrimSuffix(string(prefix), ":"),
		"count", len(keys),
	)
	return len(keys), nil
}
