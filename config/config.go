// Package config holds the core's enumerated configuration and a narrow
// observer capability: callers mutate a field through a setter, and
// every subscriber (e.g. memstore.MemoryStore) is notified with the
// field name and new value so it can apply the change on its next
// operation rather than poll.
package config

import "sync"

// Default field values for a freshly constructed Config.
const (
	DefaultMaxAgeSeconds = 7 * 24 * 60 * 60 // 1 week
	DefaultMaxSize       = 0                // unlimited
	DefaultMaxMemoryCost = 0                // unlimited
	DefaultMaxMemoryCount = 0               // unlimited
)

// Subscriber is notified when a field changes. field is the lowerCamelCase
// config field name ("maxMemoryCost", "maxMemoryCount", ...).
type Subscriber func(field string, newValue interface{})

// Config is the core's mutable, observable configuration.
type Config struct {
	mu sync.RWMutex

	shouldDecompressImages bool
	shouldDisableBackup    bool
	shouldCacheInMemory    bool
	maxAgeSeconds          int64
	maxSize                int64
	maxMemoryCost          int64
	maxMemoryCount         int64

	subsMu      sync.Mutex
	subscribers []Subscriber
}

// New returns a Config initialized with the core's default settings.
func New() *Config {
	return &Config{
		shouldDecompressImages: true,
		shouldDisableBackup:    true,
		shouldCacheInMemory:    true,
		maxAgeSeconds:          DefaultMaxAgeSeconds,
		maxSize:                DefaultMaxSize,
		maxMemoryCost:          DefaultMaxMemoryCost,
		maxMemoryCount:         DefaultMaxMemoryCount,
	}
}

// Subscribe registers fn to be called on every field change. Returns an
// unsubscribe function.
func (c *Config) Subscribe(fn Subscriber) (unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
	idx := len(c.subscribers) - 1
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if idx < len(c.subscribers) {
			c.subscribers[idx] = nil
		}
	}
}

func (c *Config) notify(field string, newValue interface{}) {
	c.subsMu.Lock()
	subs := make([]Subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.subsMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(field, newValue)
		}
	}
}

// MaxMemoryCost returns the configured cost limit (0 = unlimited).
func (c *Config) MaxMemoryCost() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxMemoryCost
}

// SetMaxMemoryCost updates the cost limit and notifies subscribers.
func (c *Config) SetMaxMemoryCost(v int64) {
	c.mu.Lock()
	c.maxMemoryCost = v
	c.mu.Unlock()
	c.notify("maxMemoryCost", v)
}

// MaxMemoryCount returns the configured count limit (0 = unlimited).
func (c *Config) MaxMemoryCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxMemoryCount
}

// SetMaxMemoryCount updates the count limit and notifies subscribers.
func (c *Config) SetMaxMemoryCount(v int64) {
	c.mu.Lock()
	c.maxMemoryCount = v
	c.mu.Unlock()
	c.notify("maxMemoryCount", v)
}

// MaxAgeSeconds returns the disk tier's maximum entry age.
func (c *Config) MaxAgeSeconds() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAgeSeconds
}

// SetMaxAgeSeconds updates the disk tier's maximum entry age.
func (c *Config) SetMaxAgeSeconds(v int64) {
	c.mu.Lock()
	c.maxAgeSeconds = v
	c.mu.Unlock()
	c.notify("maxAge", v)
}

// MaxSize returns the disk tier's maximum total size (0 = unlimited).
func (c *Config) MaxSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxSize
}

// SetMaxSize updates the disk tier's maximum total size.
func (c *Config) SetMaxSize(v int64) {
	c.mu.Lock()
	c.maxSize = v
	c.mu.Unlock()
	c.notify("maxSize", v)
}

// ShouldDecompressImages reports whether images should be decompressed on load.
func (c *Config) ShouldDecompressImages() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shouldDecompressImages
}

// SetShouldDecompressImages updates the decompress-on-load flag.
func (c *Config) SetShouldDecompressImages(v bool) {
	c.mu.Lock()
	c.shouldDecompressImages = v
	c.mu.Unlock()
	c.notify("shouldDecompressImages", v)
}

// ShouldDisableBackup reports whether disk files are marked non-backup.
func (c *Config) ShouldDisableBackup() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shouldDisableBackup
}

// SetShouldDisableBackup updates the non-backup marking flag.
func (c *Config) SetShouldDisableBackup(v bool) {
	c.mu.Lock()
	c.shouldDisableBackup = v
	c.mu.Unlock()
	c.notify("shouldDisableBackup", v)
}

// ShouldCacheInMemory reports whether successful fetches populate the memory tier.
func (c *Config) ShouldCacheInMemory() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shouldCacheInMemory
}

// SetShouldCacheInMemory updates the memory-caching flag.
func (c *Config) SetShouldCacheInMemory(v bool) {
	c.mu.Lock()
	c.shouldCacheInMemory = v
	c.mu.Unlock()
	c.notify("shouldCacheInMemory", v)
}
