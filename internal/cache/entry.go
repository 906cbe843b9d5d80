// Package cache orchestrates remote fetches and owns the textual content
// cache: feed pages and comment trees, with per-entry staleness, coalesced
// fetches, least-recently-displayed eviction, and compressed disk spill.
package cache

import (
	"net/url"
	"strings"
	"time"

	"github.com/finchtail/lurker/internal/feed"
)

// Freshness classifies a cached entry relative to its age.
type Freshness int

const (
	// Fresh entries are served without touching the network.
	Fresh Freshness = iota
	// Stale entries are still served, but trigger a background re-fetch.
	Stale
	// Expired entries are unusable even as a fallback.
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// Kind separates the two cached value shapes.
type Kind string

const (
	KindPage   Kind = "page"
	KindThread Kind = "thread"
)

// Entry wraps one cached value with its fetch time and the thresholds that
// govern how long it may be served. Thresholds are per-entry: callers can
// cache a slow-moving RSS window longer than a hot Reddit listing.
type Entry struct {
	Key       string
	Kind      Kind
	FetchedAt time.Time
	Staleness time.Duration // fresh window; beyond it the entry is stale
	TTL       time.Duration // hard limit; beyond it the entry is expired

	page   *feed.Page
	thread *feed.Thread

	lastDisplay time.Time
	size        int64 // compressed spill size, 0 until spilled
	restored    bool  // loaded from disk; never better than stale
}

// Freshness reports how usable the entry is at the given instant. Entries
// restored from disk are capped at stale so a restart always revalidates
// what it shows.
func (e *Entry) Freshness(now time.Time) Freshness {
	age := now.Sub(e.FetchedAt)
	if e.TTL > 0 && age > e.TTL {
		return Expired
	}
	if e.restored || age > e.Staleness {
		return Stale
	}
	return Fresh
}

// Usable reports whether the entry can still be served at all.
func (e *Entry) Usable(now time.Time) bool {
	return e.Freshness(now) != Expired
}

// Key construction. Components are path-escaped so feed names containing
// slashes (RSS URLs) cannot collide or break prefix scoping, and keys stay
// readable in the store.

func esc(s string) string { return url.PathEscape(s) }

// PageKey identifies one fetched feed window.
func PageKey(src feed.SourceKind, feedName string, sort feed.Sort, cursor string) string {
	return "page/" + string(src) + "/" + esc(feedName) + "/" + string(sort) + "/" + esc(cursor)
}

// ThreadKey identifies one post's comment tree under one sort.
func ThreadKey(src feed.SourceKind, feedName, postID string, sort feed.CommentSort) string {
	return "thread/" + string(src) + "/" + esc(feedName) + "/" + esc(postID) + "/" + string(sort)
}

// Scope selects cache entries for invalidation: everything, one source, one
// feed, or one item's comment trees.
type Scope struct {
	Source feed.SourceKind
	Feed   string
	PostID string
}

// ScopeAll matches every entry.
func ScopeAll() Scope { return Scope{} }

// ScopeSource matches all entries of one source.
func ScopeSource(src feed.SourceKind) Scope { return Scope{Source: src} }

// ScopeFeed matches one feed's pages and threads.
func ScopeFeed(src feed.SourceKind, feedName string) Scope {
	return Scope{Source: src, Feed: feedName}
}

// ScopeItem matches one post's comment trees (all sorts). Listing pages
// containing the post are left alone.
func ScopeItem(src feed.SourceKind, feedName, postID string) Scope {
	return Scope{Source: src, Feed: feedName, PostID: postID}
}

// prefixes returns the key prefixes the scope covers.
func (sc Scope) prefixes() []string {
	if sc.Source == "" {
		return []string{""}
	}
	if sc.Feed == "" {
		return []string{
			"page/" + string(sc.Source) + "/",
			"thread/" + string(sc.Source) + "/",
		}
	}
	if sc.PostID == "" {
		return []string{
			"page/" + string(sc.Source) + "/" + esc(sc.Feed) + "/",
			"thread/" + string(sc.Source) + "/" + esc(sc.Feed) + "/",
		}
	}
	return []string{
		"thread/" + string(sc.Source) + "/" + esc(sc.Feed) + "/" + esc(sc.PostID) + "/",
	}
}

// matches reports whether the scope covers the given key.
func (sc Scope) matches(key string) bool {
	for _, p := range sc.prefixes() {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
