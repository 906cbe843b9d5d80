// Package ui provides the Bubble Tea TUI for lurker.
package ui

import (
	"time"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/media"
)

// ItemRow is one render-ready feed item. Rows are assembled by the
// coordinator from cached pages; the UI never holds live cache state.
type ItemRow struct {
	ID        string
	Source    feed.SourceKind
	Feed      string
	Title     string
	Body      string
	Author    string
	URL       string
	Permalink string
	Score     int
	Comments  int
	Created   time.Time

	HasMedia bool // the post carries an inline preview candidate
	HasVideo bool
}

// CommentRow is one flattened comment for the thread view.
type CommentRow struct {
	ID        string
	Depth     int
	Author    string
	Body      string
	Score     int
	Created   time.Time
	HasMore   bool // unexpanded children below this node
	MoreCount int
}

// FeedLoaded is sent when a feed page is ready: a fresh view, a stale serve,
// or the next page appended to the sequence.
type FeedLoaded struct {
	Source   feed.SourceKind
	Feed     string
	Sort     feed.Sort
	Rows     []ItemRow // full item sequence after dedup
	Stale    bool
	Appended bool // rows extend the previous sequence
	HaveMore bool // a cursor remains for another page
	Err      error
}

// ThreadLoaded is sent when a post's comment tree is ready or has changed
// (initial fetch, lazy expansion, or sort).
type ThreadLoaded struct {
	PostID string
	Sort   feed.CommentSort
	Rows   []CommentRow
	Stale  bool
	Err    error
}

// MediaUpdated forwards a media pipeline state change so the view can place
// newly decoded frames or degrade failed ones to placeholders.
type MediaUpdated struct {
	Update media.Update
}

// RefreshDone is sent when an explicit refresh cycle settles.
type RefreshDone struct {
	Err error
}

// WorkTick drives the work-queue overlay refresh.
type WorkTick struct{}
