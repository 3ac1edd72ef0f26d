// Package domain defines the core types of the sync engine: normalized
// highlights, content items, sync tasks, and ledger records.
package domain

import "fmt"

// Source identifies one kind of local content source.
type Source string

// Known content sources. SourceUnknown is the zero-ish fallback for
// unrecognized values coming off the wire or out of config.
const (
	SourceKobo    Source = "kobo"
	SourceKindle  Source = "kindle"
	SourcePocket  Source = "pocket"
	SourceChat    Source = "chat"
	SourceUnknown Source = "unknown"
)

// AllSources lists every syncable source kind.
//
//nolint:gochecknoglobals // Static enumeration
var AllSources = []Source{SourceKobo, SourceKindle, SourcePocket, SourceChat}

// ParseSource converts a string to a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceKobo, SourceKindle, SourcePocket, SourceChat:
		return Source(s), nil
	default:
		return SourceUnknown, fmt.Errorf("unknown source %q", s)
	}
}

// String implements fmt.Stringer.
func (s Source) String() string {
	return string(s)
}

// Valid reports whether s is a known syncable source.
func (s Source) Valid() bool {
	switch s {
	case SourceKobo, SourceKindle, SourcePocket, SourceChat:
		return true
	default:
		return false
	}
}
