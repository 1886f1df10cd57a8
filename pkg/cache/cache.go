package cache

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/greendrive/vehicle-score/internal/metrics"
)

// DefaultTTL is the freshness window used when a Cache is created with a non-positive TTL.
const DefaultTTL = 300 * time.Second

// Entry is a cached value together with the time it was inserted.
type Entry[V any] struct {
	Key        string    `json:"key"`
	Value      V         `json:"value"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Cache is a key-value store whose entries expire a fixed TTL after insertion.
type Cache[V any] struct {
	// Name labels the cache in metrics.
	Name string

	ttl     time.Duration
	clock   clock.PassiveClock
	lock    sync.Mutex
	entries map[string]Entry[V]
}

// New returns an empty Cache whose entries stay fresh for ttl.
func New[V any](name string, ttl time.Duration) *Cache[V] {
	return NewWithClock[V](name, ttl, clock.RealClock{})
}

// NewWithClock is like [New] but reads time from clk.
func NewWithClock[V any](name string, ttl time.Duration, clk clock.PassiveClock) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Cache[V]{
		Name:    name,
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]Entry[V]),
	}
}

// TTL returns the freshness window of c.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value stored under key if it is still fresh. A stale entry is deleted and
// reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var zero V
	entry, ok := c.entries[key]
	if !ok {
		metrics.CacheLookups.WithLabelValues(c.Name, "miss").Inc()
		return zero, false
	}
	if c.clock.Since(entry.InsertedAt) > c.ttl {
		delete(c.entries, key)
		metrics.CacheLookups.WithLabelValues(c.Name, "expired").Inc()
		return zero, false
	}
	metrics.CacheLookups.WithLabelValues(c.Name, "hit").Inc()
	return entry.Value, true
}

// Set stores value under key, replacing any previous entry.
func (c *Cache[V]) Set(key string, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.entries[key] = Entry[V]{Key: key, Value: value, InsertedAt: c.clock.Now()}
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.entries = make(map[string]Entry[V])
}

// Len returns the number of stored entries, including stale entries that have not been read
// since they expired.
func (c *Cache[V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.entries)
}

type exportedCache[V any] struct {
	Entries []Entry[V] `json:"entries"`
}

// Export writes the entries of c to w as JSON. Insertion timestamps are preserved, so entries
// imported later expire at the same instant they would have in c.
func (c *Cache[V]) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := exportedCache[V]{Entries: make([]Entry[V], 0, len(c.entries))}
	for _, entry := range c.entries {
		out.Entries = append(out.Entries, entry)
	}
	return json.NewEncoder(w).Encode(&out)
}

// ExportToFile writes c to disk.
func (c *Cache[V]) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// Import reads a Cache previously written with [Cache.Export].
func Import[V any](r io.Reader, name string, ttl time.Duration, clk clock.PassiveClock) (*Cache[V], error) {
	var in exportedCache[V]
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, err
	}
	c := NewWithClock[V](name, ttl, clk)
	for _, entry := range in.Entries {
		c.entries[entry.Key] = entry
	}
	return c, nil
}

// ImportFromFile reads a Cache from disk.
func ImportFromFile[V any](filename, name string, ttl time.Duration, clk clock.PassiveClock) (*Cache[V], error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import[V](file, name, ttl, clk)
}
