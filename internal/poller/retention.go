package poller

import (
	"time"

	"github.com/pders01/ytmon/internal/registry"
	"github.com/pders01/ytmon/internal/storage"
)

// EvictionCandidates returns the downloaded items whose retention window
// has expired. An item expires when strictly more than the subscription's
// keep period has passed since it finished downloading; an item aged
// exactly the keep period is retained for one more cycle.
func EvictionCandidates(sub *registry.Subscription, items []*storage.Item, now time.Time) []*storage.Item {
	if sub.KeepsForever() {
		return nil
	}

	var expired []*storage.Item
	for _, item := range items {
		if item.State != storage.StateDownloaded {
			continue
		}
		if now.Sub(item.DownloadedAt) > sub.RetentionPeriod() {
			expired = append(expired, item)
		}
	}
	return expired
}
