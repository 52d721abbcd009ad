// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package metacache implements the Metadata Cache (C3): a persistent,
// TTL-bounded store of hub repo metadata backed by an embedded key-value
// database, with negative caching for missing repos and request
// coalescing for concurrent refreshes (§4.3).
package metacache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

const (
	metaKeyPrefix    = "meta:"
	missingKeyPrefix = "missing:"

	// batchUpdatePacing is the minimum gap between successive C4 calls
	// within BatchUpdate (§4.3: "sequential with >=100 ms pacing between
	// calls (rate-limit friendliness)").
	batchUpdatePacing = 100 * time.Millisecond
)

// ChangeEvent is published on the subscriber channels whenever an entry is
// written, refreshed, or invalidated (§4.3 "MetadataChanged").
type ChangeEvent struct {
	RepoID string
	Kind   ChangeKind
}

// ChangeKind distinguishes the reason an entry changed.
type ChangeKind int

const (
	ChangeUpdated ChangeKind = iota
	ChangeMissing
	ChangeCleared
)

// Cache is the single-writer actor fronting the metadata store. All
// mutating methods serialize through mu; Badger itself is safe for
// concurrent use, but mu also guards the in-memory degraded fallback and
// keeps fetch-then-write sequences atomic from the caller's point of view.
type Cache struct {
	mu  sync.Mutex
	db  *badger.DB
	mem map[string][]byte // used only when degraded

	degraded bool

	sf singleflight.Group

	subsMu sync.Mutex
	subs   map[int]chan ChangeEvent
	nextID int

	now   func() time.Time
	sleep func(time.Duration)
}

// Open opens (or creates) a badger database at path. If the database
// cannot be opened — corrupt disk, unwritable directory, exclusive lock
// held by another process — the cache degrades to an in-memory-only mode
// rather than failing engine startup (§4.3 "must not block startup on a
// broken cache").
func Open(path string) (*Cache, error) {
	c := &Cache{
		subs:  make(map[int]chan ChangeEvent),
		now:   time.Now,
		sleep: time.Sleep,
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		log.Printf("metacache: degrading to memory-only store: %v", err)
		c.degraded = true
		c.mem = make(map[string][]byte)
		return c, nil
	}
	c.db = db
	return c, nil
}

// Close releases the underlying database, if any.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Subscribe registers for change notifications. The returned cancel func
// must be called to release the subscription.
func (c *Cache) Subscribe() (<-chan ChangeEvent, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan ChangeEvent, 8)
	c.subs[id] = ch
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if ch, ok := c.subs[id]; ok {
			close(ch)
			delete(c.subs, id)
		}
	}
}

func (c *Cache) publish(ev ChangeEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Cache) get(key string) ([]byte, bool, error) {
	if c.degraded {
		v, ok := c.mem[key]
		return v, ok, nil
	}
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *Cache) set(key string, val []byte) error {
	if c.degraded {
		c.mem[key] = val
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (c *Cache) delete(key string) error {
	if c.degraded {
		delete(c.mem, key)
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (c *Cache) keysWithPrefix(prefix string) ([]string, error) {
	if c.degraded {
		var keys []string
		for k := range c.mem {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return keys, nil
	}
	var keys []string
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

// Get returns cached metadata for repoID without triggering a fetch.
func (c *Cache) Get(repoID string) (engine.CachedMetadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok, err := c.get(metaKeyPrefix + repoID)
	if err != nil || !ok {
		return engine.CachedMetadata{}, false, err
	}
	var md engine.CachedMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return engine.CachedMetadata{}, false, fmt.Errorf("metacache: decode %s: %w", repoID, err)
	}
	return md, true, nil
}

// Update stores fresh metadata for repoID, clearing any missing-repo
// suppression, and publishes a ChangeUpdated event.
func (c *Cache) Update(repoID string, md engine.CachedMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.updateLocked(repoID, md); err != nil {
		return err
	}
	c.publish(ChangeEvent{RepoID: repoID, Kind: ChangeUpdated})
	return nil
}

func (c *Cache) updateLocked(repoID string, md engine.CachedMetadata) error {
	md.CachedAt = c.clockNow()
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	if err := c.set(metaKeyPrefix+repoID, raw); err != nil {
		return err
	}
	return c.delete(missingKeyPrefix + repoID)
}

// BatchUpdate force-refreshes ids sequentially, pacing each call to fetch at
// least batchUpdatePacing apart so a bulk refresh doesn't look like a burst
// to the hub (§4.3 "batch_update(ids): sequential with >=100 ms pacing
// between calls"). A NotFound from fetch marks that id missing (mirroring
// update's 404 handling) and continues with the rest of ids rather than
// aborting the whole batch.
func (c *Cache) BatchUpdate(ids []string, fetch func(repoID string) (engine.CachedMetadata, error)) error {
	for i, repoID := range ids {
		if i > 0 {
			c.sleep(batchUpdatePacing)
		}

		md, err := fetch(repoID)
		if err != nil {
			if mErr := engine.ErrorOf(err); mErr != nil && mErr.Kind == engine.KindNotFound {
				if merr := c.MarkMissing(repoID); merr != nil {
					return fmt.Errorf("metacache: batch update mark missing %s: %w", repoID, merr)
				}
				continue
			}
			return fmt.Errorf("metacache: batch update fetch %s: %w", repoID, err)
		}
		if err := c.Update(repoID, md); err != nil {
			return fmt.Errorf("metacache: batch update store %s: %w", repoID, err)
		}
	}
	return nil
}

// MarkMissing records a confirmed-missing repo so subsequent lookups are
// suppressed for MissingRepoRetryInterval (§4.3, §4.4 404 handling).
func (c *Cache) MarkMissing(repoID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := engine.MissingRepoRecord{RepoID: repoID, LastSeenMissing: c.clockNow()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.set(missingKeyPrefix+repoID, raw); err != nil {
		return err
	}
	c.publish(ChangeEvent{RepoID: repoID, Kind: ChangeMissing})
	return nil
}

// IsMissingSuppressed reports whether repoID is currently within its
// missing-repo suppression window.
func (c *Cache) IsMissingSuppressed(repoID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok, err := c.get(missingKeyPrefix + repoID)
	if err != nil || !ok {
		return false, err
	}
	var rec engine.MissingRepoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, err
	}
	return rec.Suppresses(c.clockNow()), nil
}

// GetOrFetch returns fresh metadata for repoID, calling fetch at most once
// per repoID across concurrently racing callers (singleflight). A cached
// entry within its TTL is returned without calling fetch at all.
func (c *Cache) GetOrFetch(repoID string, fetch func() (engine.CachedMetadata, error)) (engine.CachedMetadata, error) {
	if md, ok, err := c.Get(repoID); err != nil {
		return engine.CachedMetadata{}, err
	} else if ok && md.Fresh(c.clockNow()) {
		return md, nil
	}

	v, err, _ := c.sf.Do(repoID, func() (interface{}, error) {
		md, err := fetch()
		if err != nil {
			return engine.CachedMetadata{}, err
		}
		if uerr := c.Update(repoID, md); uerr != nil {
			return engine.CachedMetadata{}, uerr
		}
		return md, nil
	})
	if err != nil {
		return engine.CachedMetadata{}, err
	}
	return v.(engine.CachedMetadata), nil
}

// ClearExpired removes missing-repo records past their suppression window,
// returning the count removed. Cached metadata entries are not removed,
// however old they are.
func (c *Cache) ClearExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	keys, err := c.keysWithPrefix(missingKeyPrefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		raw, ok, err := c.get(key)
		if err != nil || !ok {
			continue
		}
		var rec engine.MissingRepoRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !rec.Suppresses(c.clockNow()) {
			if err := c.delete(key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ClearAll wipes every cached entry.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		c.mem = make(map[string][]byte)
		c.publish(ChangeEvent{Kind: ChangeCleared})
		return nil
	}
	err := c.db.DropAll()
	if err == nil {
		c.publish(ChangeEvent{Kind: ChangeCleared})
	}
	return err
}

func (c *Cache) clockNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
