// Package notify tells an external media library that its content
// changed. Notifications are fire and forget: failures are reported to
// the caller for logging but never retried within a cycle.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pders01/ytmon/internal/config"
)

const requestTimeout = 15 * time.Second

// Notifier triggers a library refresh on a Jellyfin (or Emby-compatible)
// server.
type Notifier struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewNotifier returns nil when no endpoint is configured; callers treat a
// nil notifier as "notifications disabled".
func NewNotifier(cfg *config.Config) *Notifier {
	if cfg.Jellyfin.URL == "" {
		return nil
	}

	return &Notifier{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(cfg.Jellyfin.URL, "/"),
		apiKey:  cfg.Jellyfin.APIKey,
	}
}

// Refresh asks the server to rescan its libraries.
func (n *Notifier) Refresh(ctx context.Context) error {
	url := n.baseURL + "/Library/Refresh"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("X-Emby-Token", n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("library refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("library refresh: HTTP %d", resp.StatusCode)
	}

	return nil
}
