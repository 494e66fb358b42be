// Package search maintains a Bleve full-text index over downloaded items
// so the library can be queried by title, channel, or description.
package search

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/ytmon/internal/storage"
)

// Result is one search hit: a downloaded item plus its relevance score.
type Result struct {
	SubscriptionID string
	ItemID         string
	Title          string
	Channel        string
	Path           string
	Score          float64
}

// Engine wraps a Bleve index over the ledger. Only downloaded items are
// indexed; evicted items are removed as part of eviction.
type Engine struct {
	store *storage.Store
	idx   bleve.Index
}

// NewEngine creates or opens a Bleve index at indexPath and rebuilds it
// from the ledger.
func NewEngine(store *storage.Store, indexPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, err
	}

	idx, err := bleve.Open(indexPath)
	if err != nil {
		idx, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{store: store, idx: idx}
	if err := e.reindexAll(); err != nil {
		idx.Close()
		return nil, err
	}
	return e, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	channel := bleve.NewTextFieldMapping()
	channel.Analyzer = standard.Name
	channel.Store = true

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = false

	path := bleve.NewTextFieldMapping()
	path.Analyzer = standard.Name
	path.Store = true

	subID := bleve.NewTextFieldMapping()
	subID.Store = true
	subID.Index = false

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("channel", channel)
	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("path", path)
	dm.AddFieldMappingsAt("subscription_id", subID)

	im.DefaultMapping = dm
	return im
}

// reindexAll rebuilds the index from the ledger. Channel titles are
// looked up once per subscription.
func (e *Engine) reindexAll() error {
	items, err := e.store.AllItems()
	if err != nil {
		return err
	}

	titles := make(map[string]string)
	batch := e.idx.NewBatch()
	for _, item := range items {
		if item.State != storage.StateDownloaded {
			batch.Delete(docID(item.SubscriptionID, item.ID))
			continue
		}
		title, ok := titles[item.SubscriptionID]
		if !ok {
			if ch, chErr := e.store.GetChannel(item.SubscriptionID); chErr == nil {
				title = ch.Title
			}
			titles[item.SubscriptionID] = title
		}
		if err := batch.Index(docID(item.SubscriptionID, item.ID), itemDoc(item, title)); err != nil {
			return err
		}
	}
	return e.idx.Batch(batch)
}

// IndexItem adds or updates one downloaded item in the index.
func (e *Engine) IndexItem(item *storage.Item, channelTitle string) error {
	return e.idx.Index(docID(item.SubscriptionID, item.ID), itemDoc(item, channelTitle))
}

// RemoveItem drops an item from the index.
func (e *Engine) RemoveItem(subscriptionID, itemID string) error {
	return e.idx.Delete(docID(subscriptionID, itemID))
}

// Search runs a tokenized, boosted disjunction query across title,
// channel, and description. Queries shorter than two characters return
// nothing rather than matching everything.
func (e *Engine) Search(query string, limit int) ([]*Result, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []*Result{}, nil
	}

	var qs []bleveQuery.Query
	for _, tok := range tokens {
		qt := bleve.NewMatchQuery(tok)
		qt.SetField("title")
		qt.SetBoost(4.0)
		qs = append(qs, qt)

		qtp := bleve.NewPrefixQuery(tok)
		qtp.SetField("title")
		qtp.SetBoost(3.5)
		qs = append(qs, qtp)

		qc := bleve.NewMatchQuery(tok)
		qc.SetField("channel")
		qc.SetBoost(2.0)
		qs = append(qs, qc)

		qcp := bleve.NewPrefixQuery(tok)
		qcp.SetField("channel")
		qcp.SetBoost(1.8)
		qs = append(qs, qcp)

		qd := bleve.NewMatchQuery(tok)
		qd.SetField("description")
		qd.SetBoost(1.0)
		qs = append(qs, qd)
	}

	q := bleve.NewDisjunctionQuery(qs...)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"title", "channel", "path", "subscription_id"}

	res, err := e.idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		r := &Result{Score: h.Score}
		if subID, ok := h.Fields["subscription_id"].(string); ok {
			r.SubscriptionID = subID
			r.ItemID = strings.TrimPrefix(h.ID, subID+":")
		}
		if t, ok := h.Fields["title"].(string); ok {
			r.Title = t
		}
		if c, ok := h.Fields["channel"].(string); ok {
			r.Channel = c
		}
		if p, ok := h.Fields["path"].(string); ok {
			r.Path = p
		}
		out = append(out, r)
	}
	return out, nil
}

// DocCount reports total documents in the index.
func (e *Engine) DocCount() (int, error) {
	n, err := e.idx.DocCount()
	return int(n), err
}

// Close releases the underlying index.
func (e *Engine) Close() error {
	return e.idx.Close()
}

func docID(subscriptionID, itemID string) string {
	return subscriptionID + ":" + itemID
}

func itemDoc(item *storage.Item, channelTitle string) map[string]any {
	return map[string]any{
		"subscription_id": item.SubscriptionID,
		"title":           item.Title,
		"channel":         channelTitle,
		"description":     item.Description,
		"path":            item.FilePath,
	}
}

// tokenize lowercases the query and splits it on non-alphanumeric runs,
// dropping single-character terms.
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			if term := current.String(); len(term) > 1 {
				terms = append(terms, term)
			}
			current.Reset()
		}
	}

	if current.Len() > 1 {
		terms = append(terms, current.String())
	}

	return terms
}
