package cache

import (
	"context"
	"fmt"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/logging"
)

// GetCommentTree returns a post's comment tree under the given sort. Same
// serving policy as GetFeedPage: fresh from cache, stale served immediately
// with a background refresh, otherwise fetched.
func (m *Manager) GetCommentTree(ctx context.Context, src feed.SourceKind, feedName, postID string, sort feed.CommentSort) (*feed.Thread, bool, error) {
	key := ThreadKey(src, feedName, postID, sort)
	now := m.clock()

	m.mu.Lock()
	if e := m.lookupLocked(key, KindThread); e != nil {
		switch e.Freshness(now) {
		case Fresh:
			m.hits++
			e.lastDisplay = now
			t := e.thread
			m.mu.Unlock()
			logging.Debug("Cache hit", "key", key)
			return t, false, nil
		case Stale:
			m.staleServes++
			e.lastDisplay = now
			t := e.thread
			m.mu.Unlock()
			logging.Debug("Cache stale, serving with refresh", "key", key)
			m.refresh(key, func() (any, error) {
				return m.fillThread(key, src, feedName, postID, sort)
			})
			return t, true, nil
		}
	}
	m.misses++
	m.mu.Unlock()

	v, err := m.await(ctx, key, func() (any, error) {
		return m.fillThread(key, src, feedName, postID, sort)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*feed.Thread), false, nil
}

func (m *Manager) fillThread(key string, src feed.SourceKind, feedName, postID string, sort feed.CommentSort) (*feed.Thread, error) {
	client := m.clients[src]
	if client == nil {
		return nil, fmt.Errorf("no client for source %q", src)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FetchTimeout)
	defer cancel()

	logging.Debug("Fetching thread", "source", src, "post", postID, "sort", sort)
	t, err := client.FetchThread(ctx, feed.ThreadRequest{Feed: feedName, PostID: postID, Sort: sort})
	if err != nil {
		return nil, fmt.Errorf("fetch thread %s: %w", postID, err)
	}

	m.install(&Entry{
		Key:       key,
		Kind:      KindThread,
		FetchedAt: t.FetchedAt,
		Staleness: m.opts.TreeStaleness,
		TTL:       m.opts.TTL,
		thread:    t,
	})
	return t, nil
}

// ExpandChildren loads the unexpanded replies below nodeID (empty for the
// root level) and grafts them onto the cached tree. Returns the direct
// children actually added, in server order. Concurrent expansion of
// different nodes of one tree is safe; sibling order elsewhere is never
// touched. The tree must already be cached.
func (m *Manager) ExpandChildren(ctx context.Context, src feed.SourceKind, feedName, postID, nodeID string, sort feed.CommentSort) ([]*feed.Comment, error) {
	key := ThreadKey(src, feedName, postID, sort)

	m.mu.Lock()
	e := m.lookupLocked(key, KindThread)
	if e == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("expand %s: thread not cached", postID)
	}
	t := e.thread
	var childIDs []string
	if nodeID == "" {
		childIDs = append(childIDs, t.MoreRoots...)
	} else {
		n := t.Node(nodeID)
		if n == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("expand %s: unknown node %q", postID, nodeID)
		}
		childIDs = append(childIDs, n.More...)
	}
	m.mu.Unlock()

	if len(childIDs) == 0 {
		return nil, nil
	}

	// Per-node flight key: expanding two different nodes runs in parallel,
	// double-expanding one node coalesces.
	v, err := m.await(ctx, key+"#"+nodeID, func() (any, error) {
		return m.graftChildren(e, t, src, feedName, postID, nodeID, sort, childIDs)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*feed.Comment), nil
}

func (m *Manager) graftChildren(e *Entry, t *feed.Thread, src feed.SourceKind, feedName, postID, nodeID string, sort feed.CommentSort, childIDs []string) ([]*feed.Comment, error) {
	client := m.clients[src]
	if client == nil {
		return nil, fmt.Errorf("no client for source %q", src)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FetchTimeout)
	defer cancel()

	logging.Debug("Expanding comments", "post", postID, "node", nodeID, "children", len(childIDs))
	nodes, err := client.ExpandComments(ctx, feed.ExpandRequest{
		Feed: feedName, PostID: postID, NodeID: nodeID, ChildIDs: childIDs, Sort: sort,
	})
	if err != nil {
		return nil, fmt.Errorf("expand %s/%s: %w", postID, nodeID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := t.Graft(nodeID, nodes); err != nil {
		return nil, err
	}

	// Direct children that made it into the arena, in batch order.
	var direct []*feed.Comment
	for _, c := range nodes {
		if c == nil || t.Node(c.ID) != c {
			continue
		}
		if (nodeID == "" && c.Parent == "") || c.Parent == nodeID {
			direct = append(direct, c)
		}
	}

	// A background refresh may have replaced the entry while the expand was
	// in flight; the graft still serves the caller's tree, but only the
	// live entry writes back to disk.
	if m.entries[e.Key] == e {
		if err := m.persistLocked(e); err != nil {
			logging.Warn("Cache spill failed", "key", e.Key, "error", err)
		}
	}
	return direct, nil
}

// WithThread runs fn against the cached tree under the manager's lock,
// serializing it against concurrent grafts. Use it for any read of a tree's
// structure (flattening for render, counting). fn must not call back into
// the manager.
func (m *Manager) WithThread(src feed.SourceKind, feedName, postID string, sort feed.CommentSort, fn func(*feed.Thread) error) error {
	key := ThreadKey(src, feedName, postID, sort)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookupLocked(key, KindThread)
	if e == nil {
		return fmt.Errorf("thread %s not cached", postID)
	}
	return fn(e.thread)
}

// SortThread reorders one node's children in the cached tree and reports
// whether the tree was present.
func (m *Manager) SortThread(src feed.SourceKind, feedName, postID, nodeID string, sort feed.CommentSort, mode feed.CommentSort) bool {
	key := ThreadKey(src, feedName, postID, sort)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookupLocked(key, KindThread)
	if e == nil {
		return false
	}
	e.thread.SortChildren(nodeID, mode)
	return true
}
