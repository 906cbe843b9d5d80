package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/logging"
	"github.com/finchtail/lurker/internal/store"
)

// Options tunes the manager. Zero values pick the defaults below.
type Options struct {
	Staleness     time.Duration // fresh window per page entry (default 5m)
	TreeStaleness time.Duration // fresh window per thread entry (default 3x Staleness)
	TTL           time.Duration // hard expiry per entry (default 24h)
	MaxEntries    int           // in-memory entry budget (default 128)
	FetchTimeout  time.Duration // per remote call (default 30s)
}

const (
	defaultStaleness    = 5 * time.Minute
	defaultTTL          = 24 * time.Hour
	defaultMaxEntries   = 128
	defaultFetchTimeout = 30 * time.Second
)

// Manager owns the textual content cache. Reads resolve from memory, then
// from the disk spill, and only then from the remote source; concurrent
// reads of one key collapse into a single fetch. Stale entries are served
// immediately and refreshed in the background, so the viewport never waits
// on a revalidation and never has a page swapped out from under it.
type Manager struct {
	clients map[feed.SourceKind]feed.Client
	db      *store.Store // nil for memory-only operation
	opts    Options

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry
	pinned  map[string]bool
	closed  bool

	hits        int64
	misses      int64
	staleServes int64
	evictions   int64

	wg    sync.WaitGroup
	clock func() time.Time
}

// NewManager builds a manager over the given source clients. db may be nil,
// which disables the disk spill.
func NewManager(clients []feed.Client, db *store.Store, opts Options) *Manager {
	if opts.Staleness <= 0 {
		opts.Staleness = defaultStaleness
	}
	if opts.TreeStaleness <= 0 {
		opts.TreeStaleness = 3 * opts.Staleness
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}

	m := &Manager{
		clients: make(map[feed.SourceKind]feed.Client, len(clients)),
		db:      db,
		opts:    opts,
		entries: make(map[string]*Entry),
		pinned:  make(map[string]bool),
		clock:   time.Now,
	}
	for _, c := range clients {
		if c != nil {
			m.clients[c.Kind()] = c
		}
	}
	return m
}

// Close waits for background refreshes to settle. The manager must not be
// used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

// GetFeedPage returns one window of a feed listing. The bool reports a stale
// serve: the page came from the cache past its fresh window (a background
// refresh has been scheduled), or the remote fetch failed and the cache held
// a usable fallback.
func (m *Manager) GetFeedPage(ctx context.Context, src feed.SourceKind, feedName string, sort feed.Sort, cursor string) (*feed.Page, bool, error) {
	key := PageKey(src, feedName, sort, cursor)
	now := m.clock()

	m.mu.Lock()
	if e := m.lookupLocked(key, KindPage); e != nil {
		switch e.Freshness(now) {
		case Fresh:
			m.hits++
			e.lastDisplay = now
			page := e.page
			m.mu.Unlock()
			logging.Debug("Cache hit", "key", key)
			return page, false, nil
		case Stale:
			m.staleServes++
			e.lastDisplay = now
			page := e.page
			m.mu.Unlock()
			logging.Debug("Cache stale, serving with refresh", "key", key)
			m.refresh(key, func() (any, error) {
				return m.fillPage(key, src, feedName, sort, cursor)
			})
			return page, true, nil
		}
		// Expired: treat as a miss.
	}
	m.misses++
	m.mu.Unlock()

	v, err := m.await(ctx, key, func() (any, error) {
		return m.fillPage(key, src, feedName, sort, cursor)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*feed.Page), false, nil
}

// fillPage performs the remote listing call and installs the result. Runs
// inside a singleflight flight on its own deadline so a caller abandoning
// the wait does not abort the fetch for everyone else.
func (m *Manager) fillPage(key string, src feed.SourceKind, feedName string, sort feed.Sort, cursor string) (*feed.Page, error) {
	client := m.clients[src]
	if client == nil {
		return nil, fmt.Errorf("no client for source %q", src)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FetchTimeout)
	defer cancel()

	logging.Debug("Fetching page", "source", src, "feed", feedName, "sort", sort, "cursor", cursor)
	page, err := client.ListPage(ctx, feed.ListRequest{Feed: feedName, Sort: sort, Cursor: cursor})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", src, feedName, err)
	}

	m.install(&Entry{
		Key:       key,
		Kind:      KindPage,
		FetchedAt: page.FetchedAt,
		Staleness: m.opts.Staleness,
		TTL:       m.opts.TTL,
		page:      page,
	})
	return page, nil
}

// install records a freshly fetched entry, evicts past the budget, and
// spills the payload to disk.
func (m *Manager) install(e *Entry) {
	now := m.clock()
	if e.FetchedAt.IsZero() {
		e.FetchedAt = now
	}
	e.lastDisplay = now

	m.mu.Lock()
	m.entries[e.Key] = e
	m.evictLocked(e.Key)
	if err := m.persistLocked(e); err != nil {
		logging.Warn("Cache spill failed", "key", e.Key, "error", err)
	}
	m.mu.Unlock()
}

// lookupLocked resolves a key from memory, falling back to the disk spill.
// Caller holds m.mu.
func (m *Manager) lookupLocked(key string, kind Kind) *Entry {
	if e := m.entries[key]; e != nil {
		return e
	}
	e := m.restoreLocked(key, kind)
	if e == nil {
		return nil
	}
	m.entries[key] = e
	m.evictLocked(key)
	return e
}

// evictLocked enforces the in-memory entry budget: oldest last-displayed
// entries go first, pinned entries and keep never go. The disk spill keeps
// its copy, so an evicted entry degrades to a restore, not a re-fetch.
// Caller holds m.mu.
func (m *Manager) evictLocked(keep string) {
	for len(m.entries) > m.opts.MaxEntries {
		var victim *Entry
		for key, e := range m.entries {
			if key == keep || m.pinned[key] {
				continue
			}
			if victim == nil || e.lastDisplay.Before(victim.lastDisplay) {
				victim = e
			}
		}
		if victim == nil {
			return // everything left is pinned
		}
		delete(m.entries, victim.Key)
		m.evictions++
		logging.Debug("Cache evict", "key", victim.Key, "lastDisplay", victim.lastDisplay)
	}
}

// refresh schedules a background re-fetch. Concurrent stale serves of one
// key collapse onto the same flight.
func (m *Manager) refresh(key string, fill func() (any, error)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ch := m.group.DoChan(key, fill)
		if res := <-ch; res.Err != nil {
			logging.Debug("Background refresh failed", "key", key, "error", res.Err)
		}
	}()
}

// await joins the flight for key, honoring the caller's context. The flight
// itself keeps running if the caller gives up, and its result still lands in
// the cache.
func (m *Manager) await(ctx context.Context, key string, fill func() (any, error)) (any, error) {
	ch := m.group.DoChan(key, fill)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

// Touch records a display of the given key for eviction ordering.
func (m *Manager) Touch(key string) {
	now := m.clock()
	m.mu.Lock()
	e := m.entries[key]
	if e != nil {
		e.lastDisplay = now
	}
	m.mu.Unlock()
	if e != nil && m.db != nil {
		if err := m.db.TouchPage(key, now); err != nil {
			logging.Debug("Touch spill failed", "key", key, "error", err)
		}
	}
}

// Pin replaces the pinned set with the keys currently on screen. Pinned
// entries are never evicted.
func (m *Manager) Pin(keys []string) {
	m.mu.Lock()
	m.pinned = make(map[string]bool, len(keys))
	for _, k := range keys {
		m.pinned[k] = true
	}
	m.mu.Unlock()
}

// Invalidate drops every entry the scope covers, in memory and on disk.
// Returns the number of in-memory entries removed.
func (m *Manager) Invalidate(sc Scope) int {
	m.mu.Lock()
	var removed int
	for key := range m.entries {
		if sc.matches(key) {
			delete(m.entries, key)
			m.group.Forget(key)
			removed++
		}
	}
	m.mu.Unlock()

	if m.db != nil {
		for _, prefix := range sc.prefixes() {
			if _, err := m.db.DeletePagesByPrefix(prefix); err != nil {
				logging.Warn("Cache invalidate spill failed", "prefix", prefix, "error", err)
			}
		}
	}
	logging.Debug("Cache invalidated", "scope", fmt.Sprintf("%+v", sc), "removed", removed)
	return removed
}

// Stats is a point-in-time counter snapshot for the status bar and tests.
type Stats struct {
	Entries     int
	Hits        int64
	Misses      int64
	StaleServes int64
	Evictions   int64
}

// Stat reports cache counters.
func (m *Manager) Stat() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:     len(m.entries),
		Hits:        m.hits,
		Misses:      m.misses,
		StaleServes: m.staleServes,
		Evictions:   m.evictions,
	}
}
