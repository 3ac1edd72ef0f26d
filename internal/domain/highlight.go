package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Highlight is one normalized user annotation. The UUID is stable across
// runs for the same logical highlight and is the reconciliation key.
type Highlight struct {
	UUID       string    `json:"uuid"`
	Text       string    `json:"text"`
	Note       string    `json:"note,omitempty"`
	ColorIndex int       `json:"colorIndex,omitempty"`
	Location   string    `json:"location,omitempty"`
	Chapter    string    `json:"chapter,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Fingerprint returns a hex SHA-256 digest over the synced fields.
// Two highlights with equal fingerprints need no remote update.
// Timestamps are deliberately excluded: sources rewrite them on export
// without the content changing.
func (h Highlight) Fingerprint() string {
	sum := sha256.New()
	sum.Write([]byte(h.Text))
	sum.Write([]byte{0})
	sum.Write([]byte(h.Note))
	sum.Write([]byte{0})
	sum.Write([]byte(strconv.Itoa(h.ColorIndex)))
	sum.Write([]byte{0})
	sum.Write([]byte(h.Location))
	sum.Write([]byte{0})
	sum.Write([]byte(h.Chapter))
	return hex.EncodeToString(sum.Sum(nil))
}

// ItemSummary describes one content item (a book, an article, a chat
// thread) as reported by a source adapter.
type ItemSummary struct {
	RawID          string    `json:"rawId"`
	Title          string    `json:"title"`
	Author         string    `json:"author,omitempty"`
	HighlightCount int       `json:"highlightCount"`
	LastModified   time.Time `json:"lastModified"`
}
