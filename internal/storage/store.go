package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	itemsBucket    = []byte("items")
	channelsBucket = []byte("channels")
	metaBucket     = []byte("metadata")
)

var (
	// ErrItemNotFound is returned by lookups for keys with no ledger row.
	ErrItemNotFound = errors.New("item not found")

	// ErrStorage wraps bbolt I/O failures. Callers treat these as
	// transient and abort the current cycle rather than losing state.
	ErrStorage = errors.New("ledger storage failure")
)

// Store is the durable item ledger. It is the sole source of truth for
// which items have been seen, downloaded, or deleted; filesystem state is
// only a cache of the ledger's intent.
type Store struct {
	db *bolt.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{itemsBucket, channelsBucket, metaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("%w: creating buckets: %v", ErrStorage, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// itemKey builds the composite bucket key. Items are deduplicated by
// (subscription, item identifier), never by title or URL.
func itemKey(subscriptionID, itemID string) []byte {
	return []byte(subscriptionID + ":" + itemID)
}

// SaveItem upserts a ledger row. Writing an identical row twice is a no-op
// observably.
func (s *Store) SaveItem(item *Item) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(itemKey(item.SubscriptionID, item.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: saving item %s: %v", ErrStorage, item.ID, err)
	}
	return nil
}

func (s *Store) GetItem(subscriptionID, itemID string) (*Item, error) {
	var item Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		data := b.Get(itemKey(subscriptionID, itemID))
		if data == nil {
			return ErrItemNotFound
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: getting item %s: %v", ErrStorage, itemID, err)
	}
	return &item, nil
}

// ItemsForSubscription returns every ledger row owned by the subscription,
// ordered by published timestamp ascending (item ID as tiebreak) so
// retention scans and tests iterate deterministically.
func (s *Store) ItemsForSubscription(subscriptionID string) ([]*Item, error) {
	var items []*Item
	prefix := []byte(subscriptionID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(itemsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing items for %s: %v", ErrStorage, subscriptionID, err)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Published.Equal(items[j].Published) {
			return items[i].ID < items[j].ID
		}
		return items[i].Published.Before(items[j].Published)
	})
	return items, nil
}

// AllItems returns every ledger row across all subscriptions, in key
// order. Used for rebuilding the search index.
func (s *Store) AllItems() ([]*Item, error) {
	var items []*Item
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing all items: %v", ErrStorage, err)
	}
	return items, nil
}

// MarkDeleted tombstones an item. The row is kept so a feed that still
// carries the entry never re-creates it; only the state changes.
func (s *Store) MarkDeleted(subscriptionID, itemID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		key := itemKey(subscriptionID, itemID)
		data := b.Get(key)
		if data == nil {
			return ErrItemNotFound
		}

		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}

		item.State = StateDeleted
		item.FilePath = ""

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return err
		}
		return fmt.Errorf("%w: deleting item %s: %v", ErrStorage, itemID, err)
	}
	return nil
}

// NormalizeInFlight reverts every row stuck in the downloading state back
// to seen. Run once at startup: a row observed as downloading can only be
// the residue of a crash mid-extraction, and must be retried rather than
// presumed complete. Returns how many rows were reverted.
func (s *Store) NormalizeInFlight() (int, error) {
	reverted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.State != StateDownloading {
				continue
			}
			item.State = StateSeen
			item.FilePath = ""
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			reverted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: normalizing in-flight items: %v", ErrStorage, err)
	}
	return reverted, nil
}

func (s *Store) SaveChannel(ch *Channel) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelsBucket)
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		return b.Put([]byte(ch.SubscriptionID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: saving channel %s: %v", ErrStorage, ch.SubscriptionID, err)
	}
	return nil
}

func (s *Store) GetChannel(subscriptionID string) (*Channel, error) {
	var ch Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelsBucket)
		data := b.Get([]byte(subscriptionID))
		if data == nil {
			return ErrItemNotFound
		}
		return json.Unmarshal(data, &ch)
	})
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: getting channel %s: %v", ErrStorage, subscriptionID, err)
	}
	return &ch, nil
}
