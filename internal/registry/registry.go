package registry

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/validation"
)

// KeepForever is the retention sentinel: subscriptions with zero keep days
// never have items evicted.
const KeepForever = 0

// Subscription is one configured channel. Immutable for the lifetime of a
// registry snapshot; a config reload builds a whole new Registry rather
// than mutating this one mid-cycle.
type Subscription struct {
	ID        string
	Name      string
	URL       string
	KeepDays  int
	TargetDir string
	Profile   string
	ExtraArgs []string
}

// KeepsForever reports whether retention is disabled for this subscription.
func (s *Subscription) KeepsForever() bool {
	return s.KeepDays == KeepForever
}

// RetentionPeriod returns the keep window as a duration. Meaningless when
// KeepsForever is true; callers must check that first.
func (s *Subscription) RetentionPeriod() time.Duration {
	return time.Duration(s.KeepDays) * 24 * time.Hour
}

// Registry is an immutable snapshot of the configured subscriptions.
type Registry struct {
	subscriptions []*Subscription
	byID          map[string]*Subscription
}

// New validates the configured subscriptions and builds a registry
// snapshot. Any validation failure here is a fatal startup error.
func New(cfg *config.Config, urlValidator *validation.FeedURLValidator) (*Registry, error) {
	if urlValidator == nil {
		urlValidator = validation.NewFeedURLValidator()
	}
	dirValidator := validation.NewTargetDirValidator()

	reg := &Registry{
		byID: make(map[string]*Subscription, len(cfg.Subscriptions)),
	}
	// Two subscriptions writing into one directory would race on the same
	// files; reject at startup instead of locking at runtime.
	seenTargets := make(map[string]string, len(cfg.Subscriptions))

	for i, sc := range cfg.Subscriptions {
		if sc.Name == "" {
			return nil, fmt.Errorf("subscription %d: name must not be empty", i)
		}
		if sc.KeepDays < 0 {
			return nil, fmt.Errorf("subscription %q: keep_days must not be negative, got %d", sc.Name, sc.KeepDays)
		}

		normalizedURL, err := urlValidator.ValidateAndNormalize(sc.URL)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: invalid URL: %w", sc.Name, err)
		}

		targetDir := sc.TargetDir
		if targetDir == "" {
			targetDir = filepath.Join(cfg.Output.Directory, validation.SanitizeFilename(sc.Name))
		}
		targetDir, err = dirValidator.ValidateAndNormalize(targetDir)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: invalid target directory: %w", sc.Name, err)
		}

		if other, ok := seenTargets[targetDir]; ok {
			return nil, fmt.Errorf("subscriptions %q and %q share target directory %s", other, sc.Name, targetDir)
		}
		seenTargets[targetDir] = sc.Name

		profile := sc.Profile
		if profile == "" {
			profile = cfg.Extractor.Profile
		}

		sub := &Subscription{
			ID:        subscriptionID(normalizedURL),
			Name:      sc.Name,
			URL:       normalizedURL,
			KeepDays:  sc.KeepDays,
			TargetDir: targetDir,
			Profile:   profile,
			ExtraArgs: append(append([]string{}, cfg.Extractor.ExtraArgs...), sc.ExtraArgs...),
		}

		if _, ok := reg.byID[sub.ID]; ok {
			// Same URL twice passes the target check when the dirs differ
			// but leads to double-downloading; refuse it.
			return nil, fmt.Errorf("subscription %q: duplicate feed URL %s", sc.Name, normalizedURL)
		}

		reg.subscriptions = append(reg.subscriptions, sub)
		reg.byID[sub.ID] = sub
	}

	return reg, nil
}

// All returns the subscriptions in configuration order.
func (r *Registry) All() []*Subscription {
	return r.subscriptions
}

// Get returns the subscription with the given ID, or nil.
func (r *Registry) Get(id string) *Subscription {
	return r.byID[id]
}

// Len returns the number of configured subscriptions.
func (r *Registry) Len() int {
	return len(r.subscriptions)
}

func subscriptionID(url string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(url)))
}
