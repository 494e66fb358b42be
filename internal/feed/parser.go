package feed

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/mmcdole/gofeed"
)

// Entry is one item descriptor from a channel feed. ID is stable across
// polls; the ledger dedupes on it.
type Entry struct {
	ID          string
	Title       string
	Description string
	MediaURL    string
	Published   time.Time
}

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: gofeed.NewParser(),
	}
}

// Parse reads a feed document and returns its entries plus the feed title.
func (p *Parser) Parse(reader io.Reader) ([]Entry, string, error) {
	feed, err := p.parser.Parse(reader)
	if err != nil {
		return nil, "", fmt.Errorf("parsing feed: %w", err)
	}

	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entry := Entry{
			ID:          entryID(item),
			Title:       item.Title,
			Description: getDescription(item),
			MediaURL:    item.Link,
		}

		if item.PublishedParsed != nil {
			entry.Published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			entry.Published = *item.UpdatedParsed
		}

		if entry.MediaURL == "" && len(item.Enclosures) > 0 {
			entry.MediaURL = item.Enclosures[0].URL
		}

		if entry.MediaURL == "" {
			// Nothing to download from; skip rather than create a ledger
			// row that can never progress.
			continue
		}

		entries = append(entries, entry)
	}

	return entries, feed.Title, nil
}

// entryID prefers the YouTube video ID that channel feeds carry as an
// extension element, then the GUID, then a hash of the link. Titles and
// URLs are not identifiers: both change on edits.
func entryID(item *gofeed.Item) string {
	if ext, ok := item.Extensions["yt"]; ok {
		if ids, ok := ext["videoId"]; ok && len(ids) > 0 && ids[0].Value != "" {
			return ids[0].Value
		}
	}

	if item.GUID != "" {
		return item.GUID
	}

	return fmt.Sprintf("%x", sha256.Sum256([]byte(item.Link)))
}

func getDescription(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	if ext, ok := item.Extensions["media"]; ok {
		if groups, ok := ext["group"]; ok && len(groups) > 0 {
			if descs, ok := groups[0].Children["description"]; ok && len(descs) > 0 {
				return descs[0].Value
			}
		}
	}
	return item.Content
}
