package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/storage"
)

type Fetcher struct {
	client    *http.Client
	userAgent string
}

func NewFetcher(cfg *config.Config) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Feed.HTTPTimeout,
		},
		userAgent: cfg.Feed.UserAgent,
	}
}

// Fetch requests the channel's feed, honouring the conditional-request
// headers cached from the previous fetch. The second return value is false
// when the feed is unchanged (304) and no body is available.
func (f *Fetcher) Fetch(ctx context.Context, ch *storage.Channel) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.FeedURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	if ch.ETag != "" {
		req.Header.Set("If-None-Match", ch.ETag)
	}

	if ch.LastModified != "" {
		req.Header.Set("If-Modified-Since", ch.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching feed: %w", err)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, false, nil
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, false, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	return resp, true, nil
}

// UpdateChannelMetadata records the response's cache headers on the
// channel so the next Fetch can be conditional.
func (f *Fetcher) UpdateChannelMetadata(ch *storage.Channel, resp *http.Response) {
	if etag := resp.Header.Get("ETag"); etag != "" {
		ch.ETag = etag
	}

	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		ch.LastModified = lastMod
	}

	ch.LastFetched = time.Now()
}
