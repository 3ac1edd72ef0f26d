package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginapp/margin-sync/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func record(src domain.Source, book, uuid, fingerprint string) domain.SyncedHighlightRecord {
	return domain.SyncedHighlightRecord{
		SourceKey:     src,
		BookID:        book,
		HighlightUUID: uuid,
		RemoteID:      "remote-" + uuid,
		Fingerprint:   fingerprint,
		SyncedAt:      time.Now().UTC(),
	}
}

func TestLedger_UpsertAndGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-1", "u1", "fp1")))
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-1", "u2", "fp2")))
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-2", "u3", "fp3")))
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKindle, "book-1", "u4", "fp4")))

	records, err := l.Get(ctx, domain.SourceKobo, "book-1")
	require.NoError(t, err)
	assert.Len(t, records, 2, "records from other books/sources must not leak in")

	m, err := l.GetMap(ctx, domain.SourceKobo, "book-1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", m["u1"].Fingerprint)
	assert.Equal(t, "remote-u2", m["u2"].RemoteID)
}

func TestLedger_UpsertReplaces(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-1", "u1", "old")))
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-1", "u1", "new")))

	m, err := l.GetMap(ctx, domain.SourceKobo, "book-1")
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "new", m["u1"].Fingerprint)
}

func TestLedger_UpsertRejectsMissingKeys(t *testing.T) {
	l := newTestLedger(t)

	err := l.Upsert(context.Background(), domain.SyncedHighlightRecord{SourceKey: domain.SourceKobo})
	require.Error(t, err)
}

func TestLedger_Delete(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, record(domain.SourcePocket, "item-1", "u1", "fp")))
	require.NoError(t, l.Delete(ctx, domain.SourcePocket, "item-1", "u1"))
	// Deleting again is a no-op.
	require.NoError(t, l.Delete(ctx, domain.SourcePocket, "item-1", "u1"))

	records, err := l.Get(ctx, domain.SourcePocket, "item-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLedger_Clear(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, uuid := range []string{"u1", "u2", "u3"} {
		require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-1", uuid, "fp")))
	}
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-2", "u9", "fp")))

	n, err := l.Clear(ctx, domain.SourceKobo, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	remaining, err := l.Get(ctx, domain.SourceKobo, "book-2")
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "other books must survive a per-item clear")
}

func TestLedger_ClearSource(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-1", "u1", "fp")))
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKobo, "book-2", "u2", "fp")))
	require.NoError(t, l.Upsert(ctx, record(domain.SourceKindle, "book-1", "u3", "fp")))

	n, err := l.ClearSource(ctx, domain.SourceKobo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	kindle, err := l.Get(ctx, domain.SourceKindle, "book-1")
	require.NoError(t, err)
	assert.Len(t, kindle, 1)
}

func TestLedger_ConcurrentUpsertsAcrossItems(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		var err error
		for i := 0; i < 50 && err == nil; i++ {
			err = l.Upsert(ctx, record(domain.SourceKobo, "book-a", "u1", "fp"))
		}
		done <- err
	}()
	go func() {
		var err error
		for i := 0; i < 50 && err == nil; i++ {
			err = l.Upsert(ctx, record(domain.SourceKobo, "book-b", "u1", "fp"))
		}
		done <- err
	}()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
