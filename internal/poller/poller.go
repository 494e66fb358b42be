// Package poller drives the subscription cycle: fetch each feed, record
// new entries in the ledger, download pending items, evict expired ones,
// and tell the media server when the library changed.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/debuglog"
	"github.com/pders01/ytmon/internal/extractor"
	"github.com/pders01/ytmon/internal/feed"
	"github.com/pders01/ytmon/internal/nfo"
	"github.com/pders01/ytmon/internal/registry"
	"github.com/pders01/ytmon/internal/storage"
)

// Extractor downloads a single media URL into a target file and returns
// the path of the finished file.
type Extractor interface {
	Extract(ctx context.Context, req extractor.Request) (string, error)
}

// Notifier tells a media server that library content changed.
type Notifier interface {
	Refresh(ctx context.Context) error
}

// Indexer receives ledger updates so downloaded items stay searchable.
type Indexer interface {
	IndexItem(item *storage.Item, channelTitle string) error
	RemoveItem(subscriptionID, itemID string) error
}

// Poller owns one polling pipeline over an immutable registry snapshot.
// The ledger is the source of truth throughout: files on disk only ever
// reflect what the ledger says should exist.
type Poller struct {
	cfg      *config.Config
	store    *storage.Store
	registry *registry.Registry

	resolver  *feed.Resolver
	fetcher   *feed.Fetcher
	parser    *feed.Parser
	extractor Extractor

	notifier Notifier
	indexer  Indexer

	now func() time.Time
}

// New builds a poller over the given registry snapshot. Notifier and
// indexer are optional; set them before the first cycle.
func New(cfg *config.Config, store *storage.Store, reg *registry.Registry, ext Extractor) *Poller {
	return &Poller{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		resolver:  feed.NewResolver(cfg),
		fetcher:   feed.NewFetcher(cfg),
		parser:    feed.NewParser(),
		extractor: ext,
		now:       time.Now,
	}
}

// SetNotifier attaches a media-server notifier. A nil notifier disables
// notification.
func (p *Poller) SetNotifier(n Notifier) {
	p.notifier = n
}

// SetIndexer attaches a search indexer. A nil indexer disables indexing.
func (p *Poller) SetIndexer(ix Indexer) {
	p.indexer = ix
}

// Run executes one cycle immediately and then one per scan interval until
// the context is cancelled. Cycle errors are logged, never fatal.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		debuglog.Warnf("cycle finished with errors: %v", err)
	}

	ticker := time.NewTicker(p.cfg.Scan.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				debuglog.Warnf("cycle finished with errors: %v", err)
			}
		}
	}
}

// RunCycle polls every subscription once, bounded by the configured
// concurrency. A failing subscription never blocks the others; all
// per-subscription errors are collected into the returned error.
func (p *Poller) RunCycle(ctx context.Context) error {
	subs := p.registry.All()
	if len(subs) == 0 {
		return nil
	}

	debuglog.Debugf("starting cycle over %d subscriptions", len(subs))

	subChan := make(chan *registry.Subscription, len(subs))
	errChan := make(chan error, len(subs))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Scan.Concurrency && i < len(subs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range subChan {
				if err := p.pollSubscription(ctx, sub); err != nil {
					errChan <- fmt.Errorf("%s: %w", sub.Name, err)
				}
			}
		}()
	}

	for _, sub := range subs {
		subChan <- sub
	}
	close(subChan)

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// pollSubscription runs the full pipeline for one subscription. A feed
// fetch failure ends the subscription's cycle with no side effects;
// downloads and eviction wait for the next tick.
func (p *Poller) pollSubscription(ctx context.Context, sub *registry.Subscription) error {
	ch, err := p.refreshFeed(ctx, sub)
	if err != nil {
		debuglog.Warnf("refreshing feed for %s: %v", sub.Name, err)
		return err
	}

	var errs []error

	items, err := p.store.ItemsForSubscription(sub.ID)
	if err != nil {
		return err
	}

	changed := false

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.wantsDownload(item) {
			continue
		}
		if err := p.downloadItem(ctx, sub, ch, item); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			debuglog.Warnf("downloading %q for %s: %v", item.Title, sub.Name, err)
			errs = append(errs, err)
			continue
		}
		changed = true
	}

	for _, item := range EvictionCandidates(sub, items, p.now()) {
		if err := p.evictItem(sub, item); err != nil {
			errs = append(errs, err)
			continue
		}
		changed = true
	}

	if changed && p.notifier != nil {
		if err := p.notifier.Refresh(ctx); err != nil {
			debuglog.Warnf("notifying media server for %s: %v", sub.Name, err)
		}
	}

	return errors.Join(errs...)
}

// refreshFeed fetches and parses the subscription's feed and records any
// unseen entries in the ledger. The returned channel row carries the
// feed's title for the indexer.
func (p *Poller) refreshFeed(ctx context.Context, sub *registry.Subscription) (*storage.Channel, error) {
	ch, err := p.store.GetChannel(sub.ID)
	if errors.Is(err, storage.ErrItemNotFound) {
		ch = &storage.Channel{SubscriptionID: sub.ID, Title: sub.Name}
	} else if err != nil {
		return &storage.Channel{SubscriptionID: sub.ID, Title: sub.Name}, err
	}

	if ch.FeedURL == "" {
		feedURL, err := p.resolver.Resolve(ctx, sub.URL)
		if err != nil {
			return ch, fmt.Errorf("resolving feed: %w", err)
		}
		ch.FeedURL = feedURL
	}

	resp, fresh, err := p.fetcher.Fetch(ctx, ch)
	if err != nil {
		return ch, fmt.Errorf("fetching feed: %w", err)
	}
	if !fresh {
		debuglog.Debugf("feed for %s unchanged", sub.Name)
		return ch, nil
	}
	defer resp.Body.Close()

	entries, title, err := p.parser.Parse(resp.Body)
	if err != nil {
		return ch, fmt.Errorf("parsing feed: %w", err)
	}

	if title != "" {
		ch.Title = title
	}
	p.fetcher.UpdateChannelMetadata(ch, resp)
	if err := p.store.SaveChannel(ch); err != nil {
		return ch, err
	}

	discovered := 0
	for _, entry := range entries {
		_, err := p.store.GetItem(sub.ID, entry.ID)
		if err == nil {
			// Known item; its ledger state stands, tombstones included.
			continue
		}
		if !errors.Is(err, storage.ErrItemNotFound) {
			return ch, err
		}

		item := &storage.Item{
			ID:             entry.ID,
			SubscriptionID: sub.ID,
			Title:          entry.Title,
			Description:    entry.Description,
			MediaURL:       entry.MediaURL,
			Published:      entry.Published,
			State:          storage.StateSeen,
		}
		if err := p.store.SaveItem(item); err != nil {
			return ch, err
		}
		discovered++
	}

	if discovered > 0 {
		debuglog.Infof("%s: %d new items", sub.Name, discovered)
	}
	return ch, nil
}

// wantsDownload reports whether an item is due for a download attempt.
// Failed items retry every cycle until the attempt cap is reached; a cap
// of zero retries forever.
func (p *Poller) wantsDownload(item *storage.Item) bool {
	switch item.State {
	case storage.StateSeen:
		return true
	case storage.StateFailed:
		limit := p.cfg.Extractor.MaxAttempts
		return limit == 0 || item.Attempts < limit
	default:
		return false
	}
}

// downloadItem runs one extraction attempt and records the outcome. The
// item is marked downloading first so a crash mid-extraction is visible
// at the next startup.
func (p *Poller) downloadItem(ctx context.Context, sub *registry.Subscription, ch *storage.Channel, item *storage.Item) error {
	item.State = storage.StateDownloading
	item.Attempts++
	if err := p.store.SaveItem(item); err != nil {
		return err
	}

	path, err := p.extractor.Extract(ctx, extractor.Request{
		MediaURL:  item.MediaURL,
		Title:     item.Title,
		ItemID:    item.ID,
		Published: item.Published,
		TargetDir: sub.TargetDir,
		Profile:   sub.Profile,
		ExtraArgs: sub.ExtraArgs,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a real failure. Put the item back as it was.
			item.State = storage.StateSeen
			item.Attempts--
			if saveErr := p.store.SaveItem(item); saveErr != nil {
				return saveErr
			}
			return ctx.Err()
		}

		item.State = storage.StateFailed
		item.LastError = err.Error()
		if saveErr := p.store.SaveItem(item); saveErr != nil {
			return saveErr
		}
		return err
	}

	item.State = storage.StateDownloaded
	item.DownloadedAt = p.now()
	item.FilePath = path
	item.LastError = ""
	if err := p.store.SaveItem(item); err != nil {
		return err
	}

	meta := nfo.Metadata{
		Title:       item.Title,
		Description: item.Description,
		Published:   item.Published,
	}
	if err := nfo.Write(path, meta); err != nil {
		debuglog.Warnf("writing sidecar for %q: %v", item.Title, err)
	}

	if p.indexer != nil {
		if err := p.indexer.IndexItem(item, ch.Title); err != nil {
			debuglog.Warnf("indexing %q: %v", item.Title, err)
		}
	}

	debuglog.Infof("%s: downloaded %q", sub.Name, item.Title)
	return nil
}

// evictItem removes an expired item's files and tombstones its ledger
// row. The row is tombstoned even when file removal fails so the item is
// never re-downloaded.
func (p *Poller) evictItem(sub *registry.Subscription, item *storage.Item) error {
	if item.FilePath != "" {
		if err := os.Remove(item.FilePath); err != nil && !os.IsNotExist(err) {
			debuglog.Warnf("removing %s: %v", item.FilePath, err)
		}
		if err := os.Remove(nfo.SidecarPath(item.FilePath)); err != nil && !os.IsNotExist(err) {
			debuglog.Warnf("removing sidecar for %s: %v", item.FilePath, err)
		}
	}

	if err := p.store.MarkDeleted(item.SubscriptionID, item.ID); err != nil {
		return err
	}

	if p.indexer != nil {
		if err := p.indexer.RemoveItem(item.SubscriptionID, item.ID); err != nil {
			debuglog.Warnf("deindexing %q: %v", item.Title, err)
		}
	}

	debuglog.Infof("%s: evicted %q", sub.Name, item.Title)
	return nil
}
