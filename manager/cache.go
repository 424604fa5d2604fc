package manager

import (
	"github.com/rclone/imagecache/cacheimage"
	"github.com/rclone/imagecache/diskstore"
	"github.com/rclone/imagecache/memstore"
)

// CacheTarget selects which tier(s) a Cache operation addresses.
type CacheTarget int

const (
	// CacheTargetNone addresses neither tier (a pure no-op target).
	CacheTargetNone CacheTarget = iota
	// CacheTargetDisk addresses only the durable tier.
	CacheTargetDisk
	// CacheTargetMemory addresses only the in-memory tier.
	CacheTargetMemory
	// CacheTargetBoth addresses both tiers.
	CacheTargetBoth
)

// Cache is the narrow capability the Manager depends on instead of the
// concrete store types directly, so a pluggable cache implementation
// (get, put, remove, clear) can stand in for the built-in tiers.
// tieredCache below is the only implementation this core ships, but a
// caller embedding the Manager in a larger system can substitute another.
type Cache interface {
	// QueryImage reports the tier that actually satisfied the lookup
	// (CacheTargetMemory or CacheTargetDisk), or CacheTargetNone on a miss.
	QueryImage(key string, target CacheTarget) (img *cacheimage.CachedImage, hitTier CacheTarget, ok bool)
	StoreImage(key string, img *cacheimage.CachedImage, target CacheTarget, disableBackup bool)
	RemoveImage(key string, target CacheTarget)
	Clear(target CacheTarget)
}

// tieredCache composes a MemoryStore and a DiskStore behind the Cache
// capability. Disk entries are decoded with decoder on read since the
// disk tier only persists raw bytes; decoding is the core's job, not
// the disk tier's.
type tieredCache struct {
	mem     *memstore.MemoryStore
	disk    *diskstore.DiskStore
	decoder cacheimage.Decoder
}

func newTieredCache(mem *memstore.MemoryStore, disk *diskstore.DiskStore, decoder cacheimage.Decoder) *tieredCache {
	return &tieredCache{mem: mem, disk: disk, decoder: decoder}
}

func (c *tieredCache) QueryImage(key string, target CacheTarget) (*cacheimage.CachedImage, CacheTarget, bool) {
	if target == CacheTargetMemory || target == CacheTargetBoth {
		if img, ok := c.mem.Get(key); ok {
			return img, CacheTargetMemory, true
		}
	}
	if (target == CacheTargetDisk || target == CacheTargetBoth) && c.disk != nil {
		data, err := c.disk.Get(key)
		if err == nil {
			img, err := c.decoder.Decode(data, "")
			if err == nil {
				return img, CacheTargetDisk, true
			}
		}
	}
	return nil, CacheTargetNone, false
}

func (c *tieredCache) StoreImage(key string, img *cacheimage.CachedImage, target CacheTarget, disableBackup bool) {
	if img == nil {
		return
	}
	if target == CacheTargetMemory || target == CacheTargetBoth {
		c.mem.Put(key, img, img.Cost())
	}
	if (target == CacheTargetDisk || target == CacheTargetBoth) && c.disk != nil {
		_ = c.disk.Put(key, img.Data, disableBackup)
	}
}

func (c *tieredCache) RemoveImage(key string, target CacheTarget) {
	if target == CacheTargetMemory || target == CacheTargetBoth {
		c.mem.Remove(key)
	}
	if (target == CacheTargetDisk || target == CacheTargetBoth) && c.disk != nil {
		_ = c.disk.Remove(key)
	}
}

func (c *tieredCache) Clear(target CacheTarget) {
	if target == CacheTargetMemory || target == CacheTargetBoth {
		c.mem.Clear()
	}
	if (target == CacheTargetDisk || target == CacheTargetBoth) && c.disk != nil {
		_ = c.disk.Clear()
	}
}
