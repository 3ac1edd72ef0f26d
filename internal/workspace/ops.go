package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/marginapp/margin-sync/internal/config"
	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/ratelimit"
)

// Schema declares the columns of a database to create.
type Schema map[string]propertySchema

// ItemSchema is the mode-A database layout: one page per content item.
func ItemSchema() Schema {
	return Schema{
		PropTitle:      {Title: &struct{}{}},
		PropAuthor:     {RichText: &struct{}{}},
		PropItemID:     {RichText: &struct{}{}},
		PropHighlights: {Number: &struct{}{}},
	}
}

// RowSchema is the mode-B database layout: one row per highlight.
func RowSchema() Schema {
	return Schema{
		PropTitle:    {Title: &struct{}{}},
		PropNote:     {RichText: &struct{}{}},
		PropUUID:     {RichText: &struct{}{}},
		PropColor:    {Number: &struct{}{}},
		PropLocation: {RichText: &struct{}{}},
	}
}

// Ops translates domain intents into workspace API calls, handling
// pagination and payload construction. Failures propagate from the client
// unchanged; Ops adds no retry of its own.
type Ops struct {
	client *Client
	logger *slog.Logger
	cfg    config.SyncConfig
}

// NewOps creates the domain-operations layer on top of client.
func NewOps(client *Client, cfg config.SyncConfig, logger *slog.Logger) *Ops {
	return &Ops{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// EnsureDatabase returns the id of a database titled title under
// parentPageID, creating it when absent. When LookupExisting is enabled
// the parent's children are listed first and a title match (normalized)
// is reused, making the operation idempotent across runs; otherwise a new
// database is always created.
func (o *Ops) EnsureDatabase(ctx context.Context, parentPageID, title string, schema Schema) (string, error) {
	if parentPageID == "" {
		return "", syncerr.ConfigMissing("workspace parent page id is not configured")
	}

	if o.cfg.LookupExisting {
		id, err := o.findDatabaseByTitle(ctx, parentPageID, title)
		if err != nil {
			return "", err
		}
		if id != "" {
			o.logger.Debug("reusing existing database", "title", title, "id", id)
			return id, nil
		}
	}

	body, err := o.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v1/databases",
		Body: createDatabaseRequest{
			Parent:     parentRef{PageID: parentPageID},
			Title:      []RichText{NewRichText(title)},
			Properties: schema,
		},
		Class: ratelimit.ClassWrite,
	})
	if err != nil {
		return "", err
	}

	var db Database
	if err := json.Unmarshal(body, &db); err != nil {
		return "", fmt.Errorf("decode database: %w", err)
	}
	return db.ID, nil
}

// findDatabaseByTitle walks the parent page's children looking for a
// child_database whose title matches after normalization.
func (o *Ops) findDatabaseByTitle(ctx context.Context, parentPageID, title string) (string, error) {
	want := normalizeTitle(title)

	var found string
	err := o.walkChildren(ctx, parentPageID, func(b Block) {
		if found == "" && b.Type == "child_database" && b.ChildDatabase != nil {
			if normalizeTitle(b.ChildDatabase.Title) == want {
				found = b.ID
			}
		}
	})
	return found, err
}

// FindPageByItemID locates a content item's page inside a database by its
// stable item-id property. Returns "" when no page matches.
func (o *Ops) FindPageByItemID(ctx context.Context, databaseID, rawID string) (string, error) {
	return o.queryFirst(ctx, databaseID, PropItemID, rawID)
}

// FindItemByHighlightUUID locates a highlight row by uuid. All result
// pages are traversed before a definitive "" (not found) is returned.
func (o *Ops) FindItemByHighlightUUID(ctx context.Context, databaseID, uuid string) (string, error) {
	return o.queryFirst(ctx, databaseID, PropUUID, uuid)
}

// queryFirst runs a property-equals query and returns the first matching
// page id, following next_cursor until has_more is false.
func (o *Ops) queryFirst(ctx context.Context, databaseID, property, value string) (string, error) {
	cursor := ""
	for {
		body, err := o.client.Do(ctx, Request{
			Method: http.MethodPost,
			Path:   "/v1/databases/" + databaseID + "/query",
			Body: queryRequest{
				Filter:      &queryFilter{Property: property, RichText: &equalsMatch{Equals: value}},
				StartCursor: cursor,
				PageSize:    o.cfg.PageSize,
			},
			Class: ratelimit.ClassRead,
		})
		if err != nil {
			return "", err
		}

		var list paginatedList[Page]
		if err := json.Unmarshal(body, &list); err != nil {
			return "", fmt.Errorf("decode query result: %w", err)
		}
		if len(list.Results) > 0 {
			return list.Results[0].ID, nil
		}
		if !list.HasMore || list.NextCursor == "" {
			return "", nil
		}
		cursor = list.NextCursor
	}
}

// CollectExistingUUIDs returns the set of highlight uuids embedded in a
// page's child blocks.
func (o *Ops) CollectExistingUUIDs(ctx context.Context, pageID string) (map[string]struct{}, error) {
	mapping, err := o.CollectUUIDMapping(ctx, pageID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(mapping))
	for uuid := range mapping {
		set[uuid] = struct{}{}
	}
	return set, nil
}

// CollectUUIDMapping walks all of a page's children and maps each embedded
// highlight uuid to its block id. One full pagination walk replaces a
// remote query per highlight.
func (o *Ops) CollectUUIDMapping(ctx context.Context, pageID string) (map[string]string, error) {
	mapping := make(map[string]string)
	err := o.walkChildren(ctx, pageID, func(b Block) {
		if uuid := ExtractUUID(b.PlainText()); uuid != "" {
			// First block wins; duplicates are the reconciler's problem.
			if _, ok := mapping[uuid]; !ok {
				mapping[uuid] = b.ID
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

// walkChildren visits every child block of a page, following next_cursor
// to exhaustion.
func (o *Ops) walkChildren(ctx context.Context, pageID string, visit func(Block)) error {
	cursor := ""
	for {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(o.cfg.PageSize))
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}

		body, err := o.client.Do(ctx, Request{
			Method: http.MethodGet,
			Path:   "/v1/blocks/" + pageID + "/children?" + q.Encode(),
			Class:  ratelimit.ClassRead,
		})
		if err != nil {
			return err
		}

		var list paginatedList[Block]
		if err := json.Unmarshal(body, &list); err != nil {
			return fmt.Errorf("decode children: %w", err)
		}
		for _, b := range list.Results {
			visit(b)
		}
		if !list.HasMore || list.NextCursor == "" {
			return nil
		}
		cursor = list.NextCursor
	}
}

// CreateItemPage creates a content item's page in the mode-A database.
func (o *Ops) CreateItemPage(ctx context.Context, databaseID string, item domain.ItemSummary) (string, error) {
	body, err := o.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v1/pages",
		Body: createPageRequest{
			Parent: parentRef{DatabaseID: databaseID},
			Properties: map[string]Property{
				PropTitle:      TitleProperty(item.Title),
				PropAuthor:     TextProperty(item.Author),
				PropItemID:     TextProperty(item.RawID),
				PropHighlights: NumberProperty(0),
			},
		},
		Class: ratelimit.ClassWrite,
	})
	if err != nil {
		return "", err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return "", fmt.Errorf("decode page: %w", err)
	}
	return page.ID, nil
}

// CreateHighlightRow creates a mode-B row for one highlight.
func (o *Ops) CreateHighlightRow(ctx context.Context, databaseID string, h domain.Highlight) (string, error) {
	body, err := o.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v1/pages",
		Body: createPageRequest{
			Parent:     parentRef{DatabaseID: databaseID},
			Properties: o.RowProperties(h),
		},
		Class: ratelimit.ClassWrite,
	})
	if err != nil {
		return "", err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return "", fmt.Errorf("decode page: %w", err)
	}
	return page.ID, nil
}

// UpdateItemProperties patches arbitrary properties on a page.
func (o *Ops) UpdateItemProperties(ctx context.Context, pageID string, props map[string]Property) error {
	_, err := o.client.Do(ctx, Request{
		Method: http.MethodPatch,
		Path:   "/v1/pages/" + pageID,
		Body:   updatePageRequest{Properties: props},
		Class:  ratelimit.ClassWrite,
	})
	return err
}

// UpdateHighlightRow rewrites a mode-B row's properties from the local
// highlight.
func (o *Ops) UpdateHighlightRow(ctx context.Context, rowID string, h domain.Highlight) error {
	return o.UpdateItemProperties(ctx, rowID, o.RowProperties(h))
}

// SetHighlightCount updates the mode-A page's highlight-count property.
func (o *Ops) SetHighlightCount(ctx context.Context, pageID string, count int) error {
	return o.UpdateItemProperties(ctx, pageID, map[string]Property{
		PropHighlights: NumberProperty(float64(count)),
	})
}

// AppendChildren appends blocks to a page, chunked into batches no larger
// than the configured append batch size; the remote rejects oversized
// single requests. Batches are issued sequentially to preserve order.
func (o *Ops) AppendChildren(ctx context.Context, pageID string, blocks []Block) error {
	for start := 0; start < len(blocks); start += o.cfg.AppendBatchSize {
		end := min(start+o.cfg.AppendBatchSize, len(blocks))

		_, err := o.client.Do(ctx, Request{
			Method: http.MethodPatch,
			Path:   "/v1/blocks/" + pageID + "/children",
			Body:   appendChildrenRequest{Children: blocks[start:end]},
			Class:  ratelimit.ClassWrite,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SetAllChildren replaces a page's children wholesale in a single write.
func (o *Ops) SetAllChildren(ctx context.Context, pageID string, blocks []Block) error {
	_, err := o.client.Do(ctx, Request{
		Method: http.MethodPut,
		Path:   "/v1/blocks/" + pageID + "/children",
		Body:   appendChildrenRequest{Children: blocks},
		Class:  ratelimit.ClassWrite,
	})
	return err
}

// UpdateBlockText rewrites one block's paragraph in place.
func (o *Ops) UpdateBlockText(ctx context.Context, blockID string, block Block) error {
	_, err := o.client.Do(ctx, Request{
		Method: http.MethodPatch,
		Path:   "/v1/blocks/" + blockID,
		Body:   updateBlockRequest{Paragraph: block.Paragraph},
		Class:  ratelimit.ClassWrite,
	})
	return err
}

// HighlightBlock renders a highlight as a mode-A paragraph block: the
// truncated body, an optional note line, and the trailing uuid marker.
func (o *Ops) HighlightBlock(h domain.Highlight) Block {
	text := TruncateText(h.Text, o.cfg.MaxTextLength, o.cfg.HardTextLimit, o.cfg.TruncationPlaceholder)

	segments := []RichText{NewRichText(text)}
	if h.Note != "" {
		note := TruncateText(h.Note, o.cfg.MaxTextLength, o.cfg.HardTextLimit, o.cfg.TruncationPlaceholder)
		segments = append(segments, NewRichText("\nNote: "+note))
	}
	if h.Location != "" {
		segments = append(segments, NewRichText("\n"+h.Location))
	}
	segments = append(segments, NewRichText("\n"+UUIDMarker(h.UUID)))

	return Block{
		Object:    "block",
		Type:      "paragraph",
		Paragraph: &Paragraph{RichText: segments},
	}
}

// RowProperties renders a highlight as mode-B row properties.
func (o *Ops) RowProperties(h domain.Highlight) map[string]Property {
	text := TruncateText(h.Text, o.cfg.MaxTextLength, o.cfg.HardTextLimit, o.cfg.TruncationPlaceholder)
	note := TruncateText(h.Note, o.cfg.MaxTextLength, o.cfg.HardTextLimit, o.cfg.TruncationPlaceholder)

	return map[string]Property{
		PropTitle:    TitleProperty(text),
		PropNote:     TextProperty(note),
		PropUUID:     TextProperty(h.UUID),
		PropColor:    NumberProperty(float64(h.ColorIndex)),
		PropLocation: TextProperty(h.Location),
	}
}

// normalizeTitle prepares a title for comparison: NFC normalization, case
// folding, and whitespace trim. Sources and the remote disagree on both
// composition and case for non-ASCII titles.
func normalizeTitle(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}
