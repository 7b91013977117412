package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"log/slog"

	"github.com/sdxlforge/orchestrator/metrics"
)

// Config controls the Cache's budget and eviction policy.
type Config struct {
	BudgetBytes  uint64
	IdleEviction time.Duration // default 24h when zero
}

// Cache is the shared-RAM model cache. The whole of its accounting state
// (entries map and total-bytes counter) is protected by a single mutex,
// never held across disk I/O.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*ModelEntry
	totalBytes  uint64
	budgetBytes uint64
	idleEvict   time.Duration

	loader  Loader
	now     func() time.Time
	metrics metrics.Recorder
}

// New creates a Cache. loader defaults to FileLoader{} when nil; rec
// defaults to metrics.Stub{} when nil.
func New(cfg Config, loader Loader, rec metrics.Recorder) *Cache {
	if loader == nil {
		loader = FileLoader{}
	}
	if rec == nil {
		rec = metrics.Stub{}
	}
	idle := cfg.IdleEviction
	if idle == 0 {
		idle = 24 * time.Hour
	}
	return &Cache{
		entries:     make(map[string]*ModelEntry),
		budgetBytes: cfg.BudgetBytes,
		idleEvict:   idle,
		loader:      loader,
		now:         time.Now,
		metrics:     rec,
	}
}

func (c *Cache) clock() time.Time {
	return c.now()
}

// Cache stages spec's file and inserts a new entry, or returns the
// existing entry when force is false and one is already present —
// idempotent under force=false.
func (c *Cache) Cache(ctx context.Context, spec Spec, force bool) (*ModelEntry, error) {
	id := spec.ID
	if id == "" {
		id = contentKeyFromPath(spec.Path)
	}

	if !force {
		c.mu.Lock()
		if existing, ok := c.entries[id]; ok {
			c.mu.Unlock()
			return existing.snapshot(), nil
		}
		c.mu.Unlock()
	}

	size, err := c.loader.Stage(ctx, spec.Path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.entries[id]; ok && !force {
		c.mu.Unlock()
		return existing.snapshot(), nil
	}

	// existingSize is the byte count this insert will replace, if any — a
	// force=true reload of an already-cached id must not be charged for
	// bytes it already holds.
	var existingSize uint64
	if old, ok := c.entries[id]; ok {
		existingSize = old.ByteSize
	}

	if c.totalBytes+size-existingSize > c.budgetBytes {
		c.mu.Unlock()
		c.evictForBudget(size)
		c.mu.Lock()
		if old, ok := c.entries[id]; ok {
			existingSize = old.ByteSize
		} else {
			existingSize = 0
		}
	}

	if c.totalBytes+size-existingSize > c.budgetBytes {
		c.mu.Unlock()
		return nil, fmt.Errorf("need %s, budget %s, in use %s: %w",
			humanize.Bytes(size), humanize.Bytes(c.budgetBytes), humanize.Bytes(c.totalBytes), ErrBudgetExceeded)
	}

	now := c.clock()
	entry := &ModelEntry{
		ID:              id,
		Name:            spec.Name,
		Path:            spec.Path,
		Type:            spec.Type,
		ByteSize:        size,
		CachedAt:        now,
		LastUsed:        now,
		ResidentDevices: make(map[string]struct{}),
	}
	if old, ok := c.entries[id]; ok {
		c.totalBytes -= old.ByteSize
	}
	c.entries[id] = entry
	c.totalBytes += size
	total := c.totalBytes
	c.mu.Unlock()

	c.metrics.CacheBytesInUse(float64(total))
	slog.Info("cached model", "id", id, "size", humanize.Bytes(size), "total", humanize.Bytes(total))
	return entry.snapshot(), nil
}

func (c *Cache) totalBytesSnapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Uncache removes an entry and decrements budget accounting by exactly
// its recorded size. Idempotent: a second call on the same id returns
// false.
func (c *Cache) Uncache(id string) bool {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, id)
	c.totalBytes -= entry.ByteSize
	total := c.totalBytes
	c.mu.Unlock()

	c.metrics.CacheBytesInUse(float64(total))
	return true
}

// IsCached reports whether id is currently cached.
func (c *Cache) IsCached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns a snapshot of the entry, or nil if not cached.
func (c *Cache) Get(id string) *ModelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil
	}
	return entry.snapshot()
}

// LoadToGPU pins entry id onto deviceID (adding it to the resident set
// before releasing the cache mutex, guaranteeing ordering against a
// concurrent eviction) and updates LastUsed/UseCount.
func (c *Cache) LoadToGPU(modelID, deviceID string) (LoadReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[modelID]
	if !ok {
		return LoadReport{}, fmt.Errorf("%s: %w", modelID, ErrNotFound)
	}

	entry.ResidentDevices[deviceID] = struct{}{}
	entry.LastUsed = c.clock()
	entry.UseCount++

	return LoadReport{ModelID: modelID, DeviceID: deviceID, ByteSize: entry.ByteSize}, nil
}

// Release removes deviceID from an entry's resident set without removing
// the entry itself — only GPU residency is affected, so a load_model then
// unload_model round-trip leaves the entry still cached.
func (c *Cache) Release(modelID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[modelID]
	if !ok {
		return
	}
	delete(entry.ResidentDevices, deviceID)
}

// Cleanup evicts entries whose last-used exceeds the configured idle
// duration and whose resident-device set is empty. This is the
// operator-facing sweep; it never evicts an entry that is resident
// anywhere, regardless of age.
func (c *Cache) Cleanup(ctx context.Context) int {
	c.mu.Lock()
	cutoff := c.clock().Add(-c.idleEvict)
	n := c.evictWhereLocked(func(e *ModelEntry) bool {
		return !e.Resident() && e.LastUsed.Before(cutoff)
	})
	total := c.totalBytes
	c.mu.Unlock()

	if n > 0 {
		c.metrics.CacheBytesInUse(float64(total))
		for i := 0; i < n; i++ {
			c.metrics.ModelEvicted("idle")
		}
	}
	return n
}

// evictForBudget runs an LRU-ordered eviction of non-resident entries,
// regardless of age, to make room for an incoming insert of needed bytes.
// This is deliberately distinct from Cleanup's age gate: a strict 24h age
// gate would leave budget enforcement wedged against any fleet whose
// entries simply haven't gone stale yet, so budget-triggered eviction is
// LRU/non-resident-only while the standalone Cleanup() stays strictly
// age-gated. See DESIGN.md.
func (c *Cache) evictForBudget(needed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type candidate struct {
		id       string
		lastUsed time.Time
	}
	var candidates []candidate
	for id, e := range c.entries {
		if !e.Resident() {
			candidates = append(candidates, candidate{id, e.LastUsed})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed.Before(candidates[j].lastUsed) })

	for _, cand := range candidates {
		if c.totalBytes+needed <= c.budgetBytes {
			return
		}
		entry := c.entries[cand.id]
		delete(c.entries, cand.id)
		c.totalBytes -= entry.ByteSize
		total := c.totalBytes
		slog.Info("evicted model for budget", "id", cand.id, "size", humanize.Bytes(entry.ByteSize))
		c.metrics.CacheBytesInUse(float64(total))
		c.metrics.ModelEvicted("budget")
	}
}

// evictWhereLocked removes every entry matching pred. Caller must hold c.mu.
func (c *Cache) evictWhereLocked(pred func(*ModelEntry) bool) int {
	n := 0
	for id, e := range c.entries {
		if pred(e) {
			delete(c.entries, id)
			c.totalBytes -= e.ByteSize
			n++
		}
	}
	return n
}

// TotalBytes returns the current Σ(entry size) accounted for.
func (c *Cache) TotalBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// List returns a snapshot of every cached entry.
func (c *Cache) List() []*ModelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ModelEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneOrphaned removes entries whose backing file no longer exists on
// disk. Not invoked automatically.
func (c *Cache) PruneOrphaned(ctx context.Context) []string {
	c.mu.Lock()
	var check []*ModelEntry
	for _, e := range c.entries {
		check = append(check, e)
	}
	c.mu.Unlock()

	var removed []string
	for _, e := range check {
		if _, err := c.loader.Stage(ctx, e.Path); err != nil {
			if c.Uncache(e.ID) {
				removed = append(removed, e.ID)
				c.metrics.ModelEvicted("orphaned")
			}
		}
	}
	return removed
}
