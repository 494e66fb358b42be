package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pders01/ytmon/internal/config"
)

// Channel pages advertise their Atom feed in a <link> element; 64KiB of
// head is more than enough to find it.
const maxProbeBytes = 64 * 1024

var feedLinkRegex = regexp.MustCompile(`<link[^>]+type=["']application/(?:rss|atom)\+xml["'][^>]*href=["']([^"']+)["']`)
var feedLinkHrefFirstRegex = regexp.MustCompile(`<link[^>]+href=["']([^"']+)["'][^>]*type=["']application/(?:rss|atom)\+xml["']`)

// Resolver turns a configured subscription URL into the URL of its feed.
// YouTube channel URLs are recognized directly; anything else is probed by
// scraping the page head for an advertised feed link.
type Resolver struct {
	client    *http.Client
	userAgent string
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		client: &http.Client{
			Timeout: cfg.Feed.HTTPTimeout,
		},
		userAgent: cfg.Feed.UserAgent,
	}
}

// Resolve returns the feed URL for a subscription URL. The result is
// stable for a given input; callers cache it in the ledger's channel
// bucket to avoid re-probing every cycle.
func (r *Resolver) Resolve(ctx context.Context, subscriptionURL string) (string, error) {
	if isFeedURL(subscriptionURL) {
		return subscriptionURL, nil
	}

	if feedURL, ok := youtubeChannelFeed(subscriptionURL); ok {
		return feedURL, nil
	}

	return r.probePage(ctx, subscriptionURL)
}

// isFeedURL recognizes URLs that are already feeds and need no resolution.
func isFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if strings.HasSuffix(u.Path, ".xml") || strings.HasSuffix(u.Path, ".rss") || strings.HasSuffix(u.Path, ".atom") {
		return true
	}
	return strings.Contains(u.Path, "/feeds/")
}

// youtubeChannelFeed maps a canonical YouTube channel URL straight to its
// Atom feed, skipping the page probe. Only /channel/<id> URLs can be
// mapped offline; /c/ and /user/ vanity URLs need the probe.
func youtubeChannelFeed(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host != "youtube.com" {
		return "", false
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "channel" && parts[1] != "" {
		return "https://www.youtube.com/feeds/videos.xml?channel_id=" + parts[1], true
	}

	return "", false
}

func (r *Resolver) probePage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probing page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return "", fmt.Errorf("reading page: %w", err)
	}

	feedURL := findFeedLink(string(body))
	if feedURL == "" {
		return "", fmt.Errorf("no feed link found at %s", pageURL)
	}

	resolved, err := resp.Request.URL.Parse(feedURL)
	if err != nil {
		return "", fmt.Errorf("resolving feed link %q: %w", feedURL, err)
	}

	return resolved.String(), nil
}

func findFeedLink(html string) string {
	if m := feedLinkRegex.FindStringSubmatch(html); len(m) > 1 {
		return m[1]
	}
	if m := feedLinkHrefFirstRegex.FindStringSubmatch(html); len(m) > 1 {
		return m[1]
	}
	return ""
}
