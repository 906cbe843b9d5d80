package feed

import (
	"fmt"
	"sort"
	"time"
)

// Comment is one node of a discussion tree.
type Comment struct {
	ID       string    `json:"id"`
	Parent   string    `json:"parent,omitempty"` // empty for a top-level comment
	Author   string    `json:"author,omitempty"`
	Body     string    `json:"body"`
	Score    int       `json:"score"`
	Depth    int       `json:"depth"`
	Created  time.Time `json:"created"`
	Children []string  `json:"children,omitempty"` // ordered ids present in the arena
	More     []string  `json:"more,omitempty"`     // unexpanded child ids
}

// HasMore reports whether the node has unexpanded replies.
func (c *Comment) HasMore() bool { return len(c.More) > 0 }

// Thread is a post's comment tree: an arena of nodes indexed by id, with
// parent/child links stored as ids rather than pointers so subtrees can be
// grafted without touching ancestors.
type Thread struct {
	PostID    string              `json:"post_id"`
	Post      *Post               `json:"post,omitempty"`
	Sort      CommentSort         `json:"sort"`
	Roots     []string            `json:"roots"` // ordered top-level ids
	MoreRoots []string            `json:"more_roots,omitempty"`
	Nodes     map[string]*Comment `json:"nodes"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// NewThread builds an empty thread for a post.
func NewThread(postID string, sort CommentSort) *Thread {
	return &Thread{
		PostID:    postID,
		Sort:      sort,
		Nodes:     make(map[string]*Comment),
		FetchedAt: time.Now(),
	}
}

// Node returns the comment with the given id, or nil.
func (t *Thread) Node(id string) *Comment { return t.Nodes[id] }

// Len returns the number of loaded comments.
func (t *Thread) Len() int { return len(t.Nodes) }

// Add inserts a node and links it under its parent (or as a root). Used by
// clients while assembling a freshly fetched tree; order of calls defines
// sibling order.
func (t *Thread) Add(c *Comment) {
	if c == nil || c.ID == "" {
		return
	}
	t.Nodes[c.ID] = c
	if c.Parent == "" {
		c.Depth = 0
		t.Roots = append(t.Roots, c.ID)
		return
	}
	if p := t.Nodes[c.Parent]; p != nil {
		c.Depth = p.Depth + 1
		p.Children = append(p.Children, c.ID)
	}
}

// ancestors collects the id set on the path from id up to its root.
func (t *Thread) ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	for cur := t.Nodes[id]; cur != nil && !seen[cur.ID]; cur = t.Nodes[cur.Parent] {
		seen[cur.ID] = true
	}
	return seen
}

// Graft attaches lazily-expanded nodes below parentID (empty for the root
// level). nodes must arrive parent-before-child; direct children keep the
// given order and are appended after the parent's existing children. The
// parent's more-children stub entries are consumed for every grafted id.
// Siblings outside the grafted subtree are never touched.
func (t *Thread) Graft(parentID string, nodes []*Comment) error {
	var parent *Comment
	if parentID != "" {
		parent = t.Nodes[parentID]
		if parent == nil {
			return fmt.Errorf("graft: unknown parent %q", parentID)
		}
	}

	// A node already on the parent's ancestor path would make a cycle.
	blocked := t.ancestors(parentID)

	for _, c := range nodes {
		if c == nil || c.ID == "" || blocked[c.ID] {
			continue
		}
		if _, dup := t.Nodes[c.ID]; dup {
			continue
		}
		if parent != nil && (c.Parent == "" || c.Parent == parentID) {
			c.Parent = parentID
		}
		p := t.Nodes[c.Parent]
		if c.Parent != "" && p == nil {
			// Orphan: its parent was neither loaded nor part of this batch.
			continue
		}
		t.Nodes[c.ID] = c
		if c.Parent == "" {
			c.Depth = 0
			t.Roots = append(t.Roots, c.ID)
			t.MoreRoots = removeID(t.MoreRoots, c.ID)
			continue
		}
		c.Depth = p.Depth + 1
		p.Children = append(p.Children, c.ID)
		p.More = removeID(p.More, c.ID)
	}

	if parent != nil {
		parent.More = nil
	} else {
		t.MoreRoots = nil
	}
	return nil
}

// SortChildren reorders the child sequence at one node only (or the root
// level when nodeID is empty); descendants and siblings elsewhere keep
// their order. Source order is kept for CommentsBest, which only the
// server can compute.
func (t *Thread) SortChildren(nodeID string, mode CommentSort) {
	var ids []string
	if nodeID == "" {
		ids = t.Roots
	} else if n := t.Nodes[nodeID]; n != nil {
		ids = n.Children
	} else {
		return
	}

	switch mode {
	case CommentsTop:
		sort.SliceStable(ids, func(i, j int) bool {
			return t.score(ids[i]) > t.score(ids[j])
		})
	case CommentsControversial:
		sort.SliceStable(ids, func(i, j int) bool {
			return t.score(ids[i]) < t.score(ids[j])
		})
	case CommentsNew:
		sort.SliceStable(ids, func(i, j int) bool {
			return t.created(ids[i]).After(t.created(ids[j]))
		})
	case CommentsOld:
		sort.SliceStable(ids, func(i, j int) bool {
			return t.created(ids[i]).Before(t.created(ids[j]))
		})
	}
}

// Walk visits loaded nodes depth-first in sibling order. Returning false
// from fn skips the node's subtree.
func (t *Thread) Walk(fn func(*Comment) bool) {
	var visit func(id string)
	visit = func(id string) {
		n := t.Nodes[id]
		if n == nil {
			return
		}
		if !fn(n) {
			return
		}
		for _, child := range n.Children {
			visit(child)
		}
	}
	for _, root := range t.Roots {
		visit(root)
	}
}

func (t *Thread) score(id string) int {
	if n := t.Nodes[id]; n != nil {
		return n.Score
	}
	return 0
}

func (t *Thread) created(id string) time.Time {
	if n := t.Nodes[id]; n != nil {
		return n.Created
	}
	return time.Time{}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
