package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/extractor"
	"github.com/pders01/ytmon/internal/nfo"
	"github.com/pders01/ytmon/internal/registry"
	"github.com/pders01/ytmon/internal/storage"
	"github.com/pders01/ytmon/internal/validation"
)

const feedTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:yt="http://www.youtube.com/xml/schemas/2015">
  <title>Test Channel</title>
  %s
</feed>`

func feedEntry(id, title, published string) string {
	return fmt.Sprintf(`<entry>
  <yt:videoId>%s</yt:videoId>
  <title>%s</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=%s"/>
  <published>%s</published>
</entry>`, id, title, id, published)
}

// fakeExtractor writes a small file where a real extraction would and
// records every request it sees.
type fakeExtractor struct {
	mu       sync.Mutex
	requests []extractor.Request
	failWith map[string]error // keyed by item ID
}

func (f *fakeExtractor) Extract(ctx context.Context, req extractor.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	failErr := f.failWith[req.ItemID]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if failErr != nil {
		return "", failErr
	}

	path := extractor.OutputPath(req.TargetDir, req.Published, req.Title, req.ItemID, "mp4")
	if err := os.MkdirAll(req.TargetDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	poller *Poller
	store  *storage.Store
	sub    *registry.Subscription
	fake   *fakeExtractor
	dir    string
	now    time.Time
}

// newFixture wires a poller against an httptest feed server. feedBody is
// served for every request; keepDays configures retention.
func newFixture(t *testing.T, server *httptest.Server, keepDays int) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.TestConfig()
	cfg.Subscriptions = []config.SubscriptionConfig{
		{Name: "Test Channel", URL: server.URL + "/feed.xml", KeepDays: keepDays, TargetDir: dir},
	}

	reg, err := registry.New(cfg, validation.NewPermissiveFeedURLValidator())
	require.NoError(t, err)

	fake := &fakeExtractor{failWith: map[string]error{}}
	p := New(cfg, store, reg, fake)

	fx := &fixture{
		poller: p,
		store:  store,
		sub:    reg.All()[0],
		fake:   fake,
		dir:    dir,
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	p.now = func() time.Time { return fx.now }
	return fx
}

func staticFeedServer(t *testing.T, body *string, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, *body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCycle_DownloadsNewItems(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate,
		feedEntry("vid1", "First Video", "2024-05-30T10:00:00Z")+
			feedEntry("vid2", "Second Video", "2024-05-31T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	items, err := fx.store.ItemsForSubscription(fx.sub.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	for _, item := range items {
		assert.Equal(t, storage.StateDownloaded, item.State)
		assert.Equal(t, fx.now, item.DownloadedAt)
		assert.FileExists(t, item.FilePath)
		assert.FileExists(t, nfo.SidecarPath(item.FilePath))
	}
}

func TestCycle_Idempotent(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "First Video", "2024-05-30T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	// Downloaded items are never fetched again.
	assert.Equal(t, 1, fx.fake.callCount())

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)
}

func TestCycle_FailedItemRetriesUpToCap(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Broken Video", "2024-05-30T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	fx.fake.failWith["vid1"] = fmt.Errorf("extraction exploded")

	for i := 0; i < 5; i++ {
		err := fx.poller.RunCycle(context.Background())
		if i < 3 {
			require.Error(t, err)
		} else {
			// Attempt cap reached, the item is left alone.
			require.NoError(t, err)
		}
	}

	assert.Equal(t, 3, fx.fake.callCount())

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, item.State)
	assert.Equal(t, 3, item.Attempts)
	assert.Contains(t, item.LastError, "extraction exploded")
}

func TestCycle_FailedItemRecovers(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Flaky Video", "2024-05-30T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	fx.fake.failWith["vid1"] = fmt.Errorf("temporary outage")
	require.Error(t, fx.poller.RunCycle(context.Background()))

	fx.fake.mu.Lock()
	delete(fx.fake.failWith, "vid1")
	fx.fake.mu.Unlock()
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, item.State)
	assert.Equal(t, 2, item.Attempts)
	assert.Empty(t, item.LastError)
}

func TestCycle_RetentionBoundary(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Old Video", "2024-05-01T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	mediaPath := item.FilePath

	// Exactly at the keep period the item survives.
	fx.now = fx.now.Add(5 * 24 * time.Hour)
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	item, err = fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, item.State)
	assert.FileExists(t, mediaPath)

	// One second past it the item is evicted and tombstoned.
	fx.now = fx.now.Add(time.Second)
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	item, err = fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDeleted, item.State)
	assert.Empty(t, item.FilePath)
	assert.NoFileExists(t, mediaPath)
	assert.NoFileExists(t, nfo.SidecarPath(mediaPath))
}

func TestCycle_StaggeredRetention(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, "")
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 3)

	// Two items downloaded two days apart; only the older one expires.
	writeDownloaded := func(id string, downloadedAt time.Time) string {
		path := filepath.Join(fx.dir, id+".mp4")
		require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
		require.NoError(t, fx.store.SaveItem(&storage.Item{
			ID:             id,
			SubscriptionID: fx.sub.ID,
			Title:          id,
			MediaURL:       "https://www.youtube.com/watch?v=" + id,
			Published:      downloadedAt,
			State:          storage.StateDownloaded,
			DownloadedAt:   downloadedAt,
			FilePath:       path,
		}))
		return path
	}
	t0 := fx.now.Add(-3*24*time.Hour - time.Second)
	pathA := writeDownloaded("vidA", t0)
	pathB := writeDownloaded("vidB", t0.Add(2*24*time.Hour))

	require.NoError(t, fx.poller.RunCycle(context.Background()))

	itemA, err := fx.store.GetItem(fx.sub.ID, "vidA")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDeleted, itemA.State)
	assert.NoFileExists(t, pathA)

	itemB, err := fx.store.GetItem(fx.sub.ID, "vidB")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, itemB.State)
	assert.FileExists(t, pathB)
}

func TestCycle_TombstoneBlocksRedownload(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Old Video", "2024-05-01T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	fx.now = fx.now.Add(6 * 24 * time.Hour)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	// The entry is still in the feed, but the tombstone holds.
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	assert.Equal(t, 1, fx.fake.callCount())

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDeleted, item.State)
}

func TestCycle_KeepForever(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Archived Video", "2020-01-01T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, registry.KeepForever)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	fx.now = fx.now.Add(365 * 24 * time.Hour)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, item.State)
	assert.FileExists(t, item.FilePath)
}

func TestCycle_FetchFailureEndsCycle(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Video", "2024-05-30T10:00:00Z"))

	failing := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			http.Error(w, "upstream gone", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	mediaPath := item.FilePath

	// Push the item past its keep window, then break the feed. The
	// failed fetch must end the cycle before eviction runs.
	fx.now = fx.now.Add(6 * 24 * time.Hour)
	mu.Lock()
	failing = true
	mu.Unlock()

	err = fx.poller.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetching feed")

	item, err = fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, item.State)
	assert.FileExists(t, mediaPath)

	// Once the feed recovers, the same cycle evicts as usual.
	mu.Lock()
	failing = false
	mu.Unlock()
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	item, err = fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDeleted, item.State)
	assert.NoFileExists(t, mediaPath)
}

func TestCycle_FetchFailureSkipsDownloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.store.SaveItem(&storage.Item{
		ID:             "vid1",
		SubscriptionID: fx.sub.ID,
		Title:          "Pending Video",
		MediaURL:       "https://www.youtube.com/watch?v=vid1",
		Published:      time.Date(2024, 5, 30, 10, 0, 0, 0, time.UTC),
		State:          storage.StateSeen,
	}))

	require.Error(t, fx.poller.RunCycle(context.Background()))

	assert.Equal(t, 0, fx.fake.callCount())
	item, err := fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateSeen, item.State)
}

func TestCycle_SubscriptionIsolation(t *testing.T) {
	var mu sync.Mutex
	goodBody := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Good Video", "2024-05-30T10:00:00Z"))
	goodServer := staticFeedServer(t, &goodBody, &mu)

	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(badServer.Close)

	dirA := t.TempDir()
	dirB := t.TempDir()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.TestConfig()
	cfg.Subscriptions = []config.SubscriptionConfig{
		{Name: "Broken", URL: badServer.URL + "/feed.xml", KeepDays: 5, TargetDir: dirA},
		{Name: "Working", URL: goodServer.URL + "/feed.xml", KeepDays: 5, TargetDir: dirB},
	}
	reg, err := registry.New(cfg, validation.NewPermissiveFeedURLValidator())
	require.NoError(t, err)

	fake := &fakeExtractor{failWith: map[string]error{}}
	p := New(cfg, store, reg, fake)

	err = p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Broken")

	var workingID string
	for _, sub := range reg.All() {
		if sub.Name == "Working" {
			workingID = sub.ID
		}
	}
	item, err := store.GetItem(workingID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, item.State)
}

func TestCycle_CrashRecovery(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Video", "2024-05-30T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)

	// Simulate a crash mid-download: the row is stuck in downloading.
	item := &storage.Item{
		ID:             "vid1",
		SubscriptionID: fx.sub.ID,
		Title:          "Video",
		MediaURL:       "https://www.youtube.com/watch?v=vid1",
		Published:      time.Date(2024, 5, 30, 10, 0, 0, 0, time.UTC),
		State:          storage.StateDownloading,
		Attempts:       1,
	}
	require.NoError(t, fx.store.SaveItem(item))

	reverted, err := fx.store.NormalizeInFlight()
	require.NoError(t, err)
	assert.Equal(t, 1, reverted)

	require.NoError(t, fx.poller.RunCycle(context.Background()))

	item, err = fx.store.GetItem(fx.sub.ID, "vid1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloaded, item.State)
}

func TestCycle_NotifiesOncePerChangedSubscription(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate,
		feedEntry("vid1", "One", "2024-05-30T10:00:00Z")+
			feedEntry("vid2", "Two", "2024-05-31T10:00:00Z"))
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)
	notifier := &countingNotifier{}
	fx.poller.SetNotifier(notifier)

	require.NoError(t, fx.poller.RunCycle(context.Background()))
	assert.Equal(t, 1, notifier.count())

	// An unchanged cycle does not notify.
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	assert.Equal(t, 1, notifier.count())
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestCycle_ConditionalFetchSkipsReparse(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, feedEntry("vid1", "Video", "2024-05-30T10:00:00Z"))

	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)

	fx := newFixture(t, server, 5)
	require.NoError(t, fx.poller.RunCycle(context.Background()))
	require.NoError(t, fx.poller.RunCycle(context.Background()))

	ch, err := fx.store.GetChannel(fx.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, ch.ETag)
	assert.Equal(t, "Test Channel", ch.Title)

	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
}

func TestRun_StopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	body := fmt.Sprintf(feedTemplate, "")
	server := staticFeedServer(t, &body, &mu)

	fx := newFixture(t, server, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.poller.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestEvictionCandidates(t *testing.T) {
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	sub := &registry.Subscription{ID: "sub", KeepDays: 5}

	items := []*storage.Item{
		{ID: "fresh", State: storage.StateDownloaded, DownloadedAt: now.Add(-24 * time.Hour)},
		{ID: "boundary", State: storage.StateDownloaded, DownloadedAt: now.Add(-5 * 24 * time.Hour)},
		{ID: "expired", State: storage.StateDownloaded, DownloadedAt: now.Add(-5*24*time.Hour - time.Second)},
		{ID: "failed-old", State: storage.StateFailed, DownloadedAt: now.Add(-30 * 24 * time.Hour)},
		{ID: "deleted-old", State: storage.StateDeleted, DownloadedAt: now.Add(-30 * 24 * time.Hour)},
	}

	expired := EvictionCandidates(sub, items, now)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].ID)

	forever := &registry.Subscription{ID: "sub", KeepDays: registry.KeepForever}
	assert.Empty(t, EvictionCandidates(forever, items, now))
}
