package domain

import "time"

// SyncedHighlightRecord is one row of the idempotency ledger: the proof
// that a highlight was pushed, which remote item holds it, and the
// fingerprint it was pushed with. Owned and mutated exclusively by the
// reconciliation engine.
type SyncedHighlightRecord struct {
	SourceKey     Source    `json:"sourceKey"`
	BookID        string    `json:"bookId"`
	HighlightUUID string    `json:"highlightUuid"`
	RemoteID      string    `json:"remoteId"`
	Fingerprint   string    `json:"fingerprint"`
	SyncedAt      time.Time `json:"syncedAt"`
}
