// Blacklist durably records URLs whose last fetch failed with a
// non-retriable protocol error (400/403/404/410 blacklist the URL). A
// single bbolt bucket holds the durable record; an in-memory TTL layer
// wrapping patrickmn/go-cache avoids round-tripping to disk on every read.
package manager

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var blacklistBucket = []byte("blacklist")

// Blacklist is the durable, TTL-read-cached store of failed URLs.
type Blacklist struct {
	db        *bolt.DB
	readCache *gocache.Cache
}

// DefaultBlacklistReadCacheTTL bounds how stale a positive/negative
// blacklist read may be before falling back to bbolt.
const DefaultBlacklistReadCacheTTL = 30 * time.Second

// NewBlacklist opens (creating if needed) a bbolt database at path.
func NewBlacklist(path string) (*Blacklist, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "blacklist: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blacklistBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "blacklist: init bucket")
	}
	return &Blacklist{
		db:        db,
		readCache: gocache.New(DefaultBlacklistReadCacheTTL, 2*DefaultBlacklistReadCacheTTL),
	}, nil
}

// IsBlacklisted reports whether key's last fetch failed non-retriably.
func (b *Blacklist) IsBlacklisted(key string) bool {
	if v, found := b.readCache.Get(key); found {
		return v.(bool)
	}
	blacklisted := false
	_ = b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blacklistBucket)
		blacklisted = bucket.Get([]byte(key)) != nil
		return nil
	})
	b.readCache.SetDefault(key, blacklisted)
	return blacklisted
}

// Add records key as blacklisted with a human-readable reason.
func (b *Blacklist) Add(key, reason string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blacklistBucket).Put([]byte(key), []byte(reason))
	})
	if err != nil {
		return errors.Wrap(err, "blacklist: add")
	}
	b.readCache.SetDefault(key, true)
	return nil
}

// Remove clears key's blacklist entry, if any (used by RetryFailed's
// eventual success, so a later call without RetryFailed stops skipping it).
func (b *Blacklist) Remove(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blacklistBucket).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, "blacklist: remove")
	}
	b.readCache.SetDefault(key, false)
	return nil
}

// Close closes the underlying database.
func (b *Blacklist) Close() error {
	return b.db.Close()
}

// Clear wipes every blacklist entry, durable and cached alike.
func (b *Blacklist) Clear() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(blacklistBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(blacklistBucket)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "blacklist: clear")
	}
	b.readCache.Flush()
	return nil
}
