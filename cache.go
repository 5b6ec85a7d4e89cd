package saver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsaverbot/saver/generic"
)

// A CacheEntry records that the artifact for Link was delivered once and can be referred to by Reference (e.g. a
// storage-service file ID) from now on.
type CacheEntry struct {
	Link       string    `json:"link"`
	Reference  string    `json:"reference"`
	Format     string    `json:"format"`
	RecordedAt time.Time `json:"recorded_at"`
}

// An ArtifactCache maps links to previously delivered artifacts. Entries are never modified in place: inserting an
// entry for a link that already has one replaces it, last write wins.
type ArtifactCache interface {
	Lookup(ctx context.Context, link string) (generic.Option[CacheEntry], error)
	Insert(ctx context.Context, entry CacheEntry) error
}

// NormalizeLink is the cache key form of a link.
func NormalizeLink(link string) string {
	return strings.TrimSpace(link)
}

const artifactKeyPrefix = "artifact:"

// KVCache is an ArtifactCache stored as JSON values in a Store, keyed separately from any other state in it.
type KVCache struct {
	store Store
}

func NewKVCache(store Store) *KVCache {
	return &KVCache{store: store}
}

func (c *KVCache) Lookup(ctx context.Context, link string) (generic.Option[CacheEntry], error) {
	data, err := c.store.Get(ctx, artifactKeyPrefix+NormalizeLink(link))
	if errors.Is(err, ErrNotFound) {
		return generic.None[CacheEntry](), nil
	} else if err != nil {
		return generic.None[CacheEntry](), fmt.Errorf("failed to read cache entry: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return generic.None[CacheEntry](), fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return generic.Some(entry), nil
}

func (c *KVCache) Insert(ctx context.Context, entry CacheEntry) error {
	entry.Link = NormalizeLink(entry.Link)
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, artifactKeyPrefix+entry.Link, data); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}
