package storage

import (
	"time"
)

// ItemState tracks an item through its download lifecycle. States are
// stored as strings so ledger rows stay readable with plain bbolt tooling.
type ItemState string

const (
	StateSeen        ItemState = "seen"
	StateDownloading ItemState = "downloading"
	StateDownloaded  ItemState = "downloaded"
	StateFailed      ItemState = "failed"
	StateDeleted     ItemState = "deleted"
)

// Item is one ledger row: a single feed entry owned by a single
// subscription. Exactly one Item exists per (SubscriptionID, ID) pair.
type Item struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	MediaURL       string    `json:"media_url"`
	Published      time.Time `json:"published"`
	State          ItemState `json:"state"`
	DownloadedAt   time.Time `json:"downloaded_at"`
	FilePath       string    `json:"file_path"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// Channel holds cached per-subscription feed metadata: the resolved feed
// URL for channel pages plus the conditional-request headers from the
// last successful fetch.
type Channel struct {
	SubscriptionID string    `json:"subscription_id"`
	Title          string    `json:"title"`
	FeedURL        string    `json:"feed_url"`
	ETag           string    `json:"etag"`
	LastModified   string    `json:"last_modified"`
	LastFetched    time.Time `json:"last_fetched"`
}
