package workspace

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Wire types for the workspace API. JSON over HTTPS; responses paginate
// via a results array plus has_more/next_cursor.

// RichText is one styled text segment.
type RichText struct {
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
	PlainText string `json:"plain_text,omitempty"`
}

// Text is the content payload of a text segment.
type Text struct {
	Content string `json:"content"`
}

// NewRichText builds a plain text segment.
func NewRichText(content string) RichText {
	return RichText{
		Type:      "text",
		Text:      &Text{Content: content},
		PlainText: content,
	}
}

// Paragraph is the body of a paragraph block.
type Paragraph struct {
	RichText []RichText `json:"rich_text"`
}

// Block is one content block of a page.
type Block struct {
	Object        string         `json:"object,omitempty"`
	ID            string         `json:"id,omitempty"`
	Type          string         `json:"type"`
	Paragraph     *Paragraph     `json:"paragraph,omitempty"`
	ChildDatabase *ChildDatabase `json:"child_database,omitempty"`
}

// ChildDatabase is the inline payload of a child_database block, returned
// when listing a page's children.
type ChildDatabase struct {
	Title string `json:"title"`
}

// PlainText concatenates the block's visible text.
func (b Block) PlainText() string {
	if b.Paragraph == nil {
		return ""
	}
	var sb strings.Builder
	for _, rt := range b.Paragraph.RichText {
		if rt.PlainText != "" {
			sb.WriteString(rt.PlainText)
		} else if rt.Text != nil {
			sb.WriteString(rt.Text.Content)
		}
	}
	return sb.String()
}

// Page is a remote page object (either a content item's page or one
// highlight row of a per-item database).
type Page struct {
	Object     string              `json:"object,omitempty"`
	ID         string              `json:"id"`
	Properties map[string]Property `json:"properties,omitempty"`
}

// Database is a remote database object.
type Database struct {
	Object string     `json:"object,omitempty"`
	ID     string     `json:"id"`
	Title  []RichText `json:"title,omitempty"`
}

// Property is one page property value. Exactly one of the payload fields
// is set depending on the property type.
type Property struct {
	Title    []RichText `json:"title,omitempty"`
	RichText []RichText `json:"rich_text,omitempty"`
	Number   *float64   `json:"number,omitempty"`
}

// TitleProperty builds a title property value.
func TitleProperty(s string) Property {
	return Property{Title: []RichText{NewRichText(s)}}
}

// TextProperty builds a rich_text property value.
func TextProperty(s string) Property {
	return Property{RichText: []RichText{NewRichText(s)}}
}

// NumberProperty builds a number property value.
func NumberProperty(n float64) Property {
	return Property{Number: &n}
}

// PlainText flattens a property to its visible text.
func (p Property) PlainText() string {
	var sb strings.Builder
	for _, rt := range append(p.Title, p.RichText...) {
		if rt.PlainText != "" {
			sb.WriteString(rt.PlainText)
		} else if rt.Text != nil {
			sb.WriteString(rt.Text.Content)
		}
	}
	return sb.String()
}

// paginatedList is the generic shape of every list response.
type paginatedList[T any] struct {
	Object     string `json:"object"`
	Results    []T    `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// queryRequest is the body of a database query call.
type queryRequest struct {
	Filter      *queryFilter `json:"filter,omitempty"`
	StartCursor string       `json:"start_cursor,omitempty"`
	PageSize    int          `json:"page_size,omitempty"`
}

// queryFilter matches one rich_text property by exact value.
type queryFilter struct {
	Property string       `json:"property"`
	RichText *equalsMatch `json:"rich_text,omitempty"`
}

type equalsMatch struct {
	Equals string `json:"equals"`
}

// createDatabaseRequest is the body of a database create call.
type createDatabaseRequest struct {
	Parent     parentRef                 `json:"parent"`
	Title      []RichText                `json:"title"`
	Properties map[string]propertySchema `json:"properties"`
}

// createPageRequest is the body of a page create call.
type createPageRequest struct {
	Parent     parentRef           `json:"parent"`
	Properties map[string]Property `json:"properties"`
	Children   []Block             `json:"children,omitempty"`
}

// updatePageRequest is the body of a page update call.
type updatePageRequest struct {
	Properties map[string]Property `json:"properties"`
}

// appendChildrenRequest is the body of an append-children call.
type appendChildrenRequest struct {
	Children []Block `json:"children"`
}

// updateBlockRequest is the body of a block update call.
type updateBlockRequest struct {
	Paragraph *Paragraph `json:"paragraph,omitempty"`
}

// parentRef points a created object at its parent.
type parentRef struct {
	PageID     string `json:"page_id,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
}

// propertySchema declares one column of a created database.
type propertySchema struct {
	Title    *struct{} `json:"title,omitempty"`
	RichText *struct{} `json:"rich_text,omitempty"`
	Number   *struct{} `json:"number,omitempty"`
}

// Property names used across both sync modes.
const (
	PropTitle      = "Name"
	PropAuthor     = "Author"
	PropItemID     = "Item ID"
	PropHighlights = "Highlights"
	PropUUID       = "UUID"
	PropNote       = "Note"
	PropColor      = "Color"
	PropLocation   = "Location"
)

// uuidMarker embeds a highlight uuid into block text so later runs can
// recover the mapping without any local state. The bracket form keeps the
// marker regex-extractable and visually unobtrusive at the end of a block.
var uuidMarkerRe = regexp.MustCompile(`\[uuid:([0-9a-fA-F-]+)\]`)

// UUIDMarker renders the embedded uuid marker for a highlight.
func UUIDMarker(uuid string) string {
	return fmt.Sprintf("[uuid:%s]", uuid)
}

// ExtractUUID recovers the embedded highlight uuid from block text.
// Returns "" when no marker is present.
func ExtractUUID(text string) string {
	m := uuidMarkerRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// TruncateText enforces the transmission limits: text over maxLen runes
// is cut to maxLen runes; a cut text still over hardLimit bytes is
// replaced with the placeholder entirely. maxLen matches the remote's
// per-property character cap, hardLimit its encoded payload cap, so
// multibyte text can overflow the byte cap even at a legal rune count.
// The original is never retried at full size.
func TruncateText(text string, maxLen, hardLimit int, placeholder string) string {
	if utf8.RuneCountInString(text) > maxLen {
		runes := []rune(text)
		text = string(runes[:maxLen])
	}
	if len(text) > hardLimit {
		return placeholder
	}
	return text
}
