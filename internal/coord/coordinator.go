// Package coord drives fetching and media lifecycle from viewport changes.
package coord

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/finchtail/lurker/internal/cache"
	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/logging"
	"github.com/finchtail/lurker/internal/media"
	"github.com/finchtail/lurker/internal/ui"
	"github.com/finchtail/lurker/internal/work"
)

// defaultLookahead is how many items beyond the viewport edge to prefetch.
const defaultLookahead = 5

// defaultLoadThreshold requests the next page when the viewport is this
// close to the end of the loaded sequence.
const defaultLoadThreshold = 10

// refreshBackoff is the wait before the single retry of an explicit refresh.
const refreshBackoff = 500 * time.Millisecond

// pipeline is the slice of the media pipeline the coordinator drives.
// Interface for dependency injection (testing).
type pipeline interface {
	Request(itemID string, ref *feed.MediaRef, pxWidth, pxHeight, priority int) *media.Handle
	Cancel(h *media.Handle)
	Place(h *media.Handle, row, col, cols, rows int) ([]byte, *media.Placement, error)
	ClearKey(key string) []byte
	ClearAll() []byte
	Launch(h *media.Handle) (*media.PlayerSession, error)
}

// State is the viewport lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "idle"
	}
}

// Options tunes the coordinator.
type Options struct {
	Lookahead     int // items beyond the viewport to prefetch
	LoadThreshold int // remaining items that trigger load-more
	ThumbWidth    int // preview pixel box for inline thumbnails
	ThumbHeight   int
}

// pageSpan maps a loaded page's cache key to its item index range.
type pageSpan struct {
	key        string
	start, end int // half-open
}

// viewState is the current feed view: the canonical appended item sequence
// and its pagination cursor.
type viewState struct {
	src    feed.SourceKind
	feed   string
	sort   feed.Sort
	items  []feed.Post
	seen   map[string]bool
	spans  []pageSpan
	cursor string
	more   bool
	epoch  int // bumped on navigation; stale loads are dropped
}

// threadState is the open comment view, if any.
type threadState struct {
	open   bool
	postID string
	sort   feed.CommentSort
}

// Coordinator owns viewport-driven orchestration. It assembles the item
// sequence from cached pages, requests media for visible items, prefetches
// just past the edge, cancels and clears what scrolls away, and reports
// results to the UI as messages. Items never scrolled into view cost
// nothing.
type Coordinator struct {
	cache *cache.Manager
	media pipeline
	out   io.Writer // terminal sink for clear sequences; nil discards
	opts  Options

	g   errgroup.Group
	ctx context.Context

	mu      sync.Mutex
	state   State
	view    viewState
	thread  threadState
	visible map[string]bool          // itemIDs inside the viewport
	handles map[string]*media.Handle // itemID -> active media handle
	send    func(tea.Msg)

	loadingMore bool
}

// New builds a coordinator. out receives the clear sequences emitted when
// items leave the viewport; pass the terminal writer shared with the render
// side.
func New(c *cache.Manager, p pipeline, out io.Writer, opts Options) *Coordinator {
	if opts.Lookahead <= 0 {
		opts.Lookahead = defaultLookahead
	}
	if opts.LoadThreshold <= 0 {
		opts.LoadThreshold = defaultLoadThreshold
	}

	return &Coordinator{
		cache:   c,
		media:   p,
		out:     out,
		opts:    opts,
		ctx:     context.Background(),
		visible: make(map[string]bool),
		handles: make(map[string]*media.Handle),
	}
}

// Start installs the lifecycle context used by fetches. Call before the
// first navigation.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

// AttachProgram wires message delivery to the running program.
func (c *Coordinator) AttachProgram(p *tea.Program) {
	c.mu.Lock()
	c.send = func(msg tea.Msg) { p.Send(msg) }
	c.mu.Unlock()
}

// Wait blocks until in-flight loads finish. Call after cancelling the
// context passed to Start.
func (c *Coordinator) Wait() {
	_ = c.g.Wait()
}

// deliver hands a message to the UI. Messages are dropped when no program
// is attached (tests, shutdown).
func (c *Coordinator) deliver(msg tea.Msg) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send != nil {
		send(msg)
	}
}

// emit writes graphics bytes to the terminal sink.
func (c *Coordinator) emit(data []byte) {
	if c.out == nil || len(data) == 0 {
		return
	}
	if _, err := c.out.Write(data); err != nil {
		logging.Warn("Graphics write failed", "error", err)
	}
}

// State reports the viewport lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ShowFeed navigates to a feed listing. The previous view's media is
// cancelled and cleared before the load starts.
func (c *Coordinator) ShowFeed(src feed.SourceKind, feedName string, sort feed.Sort) {
	c.mu.Lock()
	c.view.epoch++
	epoch := c.view.epoch
	c.view.src = src
	c.view.feed = feedName
	c.view.sort = sort
	c.view.items = nil
	c.view.seen = make(map[string]bool)
	c.view.spans = nil
	c.view.cursor = ""
	c.view.more = false
	c.thread = threadState{}
	c.state = StateLoading
	c.loadingMore = false

	for id, h := range c.handles {
		c.media.Cancel(h)
		delete(c.handles, id)
	}
	c.visible = make(map[string]bool)
	ctx := c.ctx
	c.mu.Unlock()

	c.emit(c.media.ClearAll())

	c.g.Go(func() error {
		if err := c.loadPage(ctx, epoch, src, feedName, sort, "", false); err != nil {
			logging.Warn("Feed load failed", "source", src, "feed", feedName, "error", err)
			c.deliver(ui.FeedLoaded{Source: src, Feed: feedName, Sort: sort, Err: err})
		}
		return nil
	})
}

// loadPage fetches one page, folds it into the item sequence, and delivers
// the full row set on success. Failures are returned to the caller.
func (c *Coordinator) loadPage(ctx context.Context, epoch int, src feed.SourceKind, feedName string, sort feed.Sort, cursor string, appended bool) error {
	page, stale, err := c.cache.GetFeedPage(ctx, src, feedName, sort, cursor)

	c.mu.Lock()
	if epoch != c.view.epoch {
		c.mu.Unlock()
		return nil // view changed while loading; result is obsolete
	}
	c.loadingMore = false

	if err != nil {
		c.state = StateReady
		c.mu.Unlock()
		return err
	}

	start := len(c.view.items)
	for _, post := range page.Posts {
		if c.view.seen[post.ID] {
			continue
		}
		c.view.seen[post.ID] = true
		c.view.items = append(c.view.items, post)
	}
	c.view.spans = append(c.view.spans, pageSpan{
		key:   cache.PageKey(src, feedName, sort, cursor),
		start: start,
		end:   len(c.view.items),
	})
	c.view.cursor = page.Cursor
	c.view.more = page.Cursor != ""
	c.state = StateReady

	rows := make([]ui.ItemRow, len(c.view.items))
	for i := range c.view.items {
		rows[i] = itemRow(&c.view.items[i])
	}
	more := c.view.more
	c.mu.Unlock()

	c.deliver(ui.FeedLoaded{
		Source:   src,
		Feed:     feedName,
		Sort:     sort,
		Rows:     rows,
		Stale:    stale,
		Appended: appended,
		HaveMore: more,
	})
	return nil
}

// itemRow projects a post into its render row.
func itemRow(p *feed.Post) ui.ItemRow {
	row := ui.ItemRow{
		ID:        p.ID,
		Source:    p.Source,
		Feed:      p.Feed,
		Title:     p.Title,
		Body:      p.Body,
		Author:    p.Author,
		URL:       p.URL,
		Permalink: p.Permalink,
		Score:     p.Score,
		Comments:  p.Comments,
		Created:   p.Created,
	}
	if ref := primaryMedia(p); ref != nil {
		row.HasMedia = true
		row.HasVideo = ref.Kind == feed.MediaVideo || feed.IsVideoURL(ref.URL)
	}
	return row
}

// primaryMedia picks the post's inline preview candidate.
func primaryMedia(p *feed.Post) *feed.MediaRef {
	if len(p.Media) == 0 {
		return nil
	}
	return &p.Media[0]
}

// ViewportChanged reports the visible index range after a scroll or resize.
// Cancels and clears for items leaving the viewport are issued strictly
// before requests for items entering it, so the terminal never accumulates
// placements for rows that are gone.
func (c *Coordinator) ViewportChanged(first, last int) {
	c.mu.Lock()

	if first < 0 {
		first = 0
	}
	if last >= len(c.view.items) {
		last = len(c.view.items) - 1
	}

	newVisible := make(map[string]bool)
	for i := first; i <= last && i >= 0; i++ {
		newVisible[c.view.items[i].ID] = true
	}

	// Leaving: cancel pending downloads, clear placements.
	var clears [][]byte
	for id := range c.visible {
		if newVisible[id] {
			continue
		}
		if h := c.handles[id]; h != nil {
			c.media.Cancel(h)
			clears = append(clears, c.media.ClearKey(h.Key))
			delete(c.handles, id)
		}
	}

	// Entering: request at visible priority. A prefetched item scrolling in
	// re-requests, which promotes the queued download.
	type request struct {
		id       string
		ref      *feed.MediaRef
		priority int
	}
	var requests []request
	for i := first; i <= last && i >= 0; i++ {
		post := &c.view.items[i]
		if c.visible[post.ID] {
			continue
		}
		if ref := primaryMedia(post); ref != nil {
			requests = append(requests, request{post.ID, ref, work.PriorityVisible})
		}
	}

	// Just past the edge: prefetch at low priority.
	for i := last + 1; i <= last+c.opts.Lookahead && i < len(c.view.items); i++ {
		post := &c.view.items[i]
		if c.handles[post.ID] != nil {
			continue
		}
		if ref := primaryMedia(post); ref != nil {
			requests = append(requests, request{post.ID, ref, work.PriorityPrefetch})
		}
	}

	c.visible = newVisible

	// Keep the backing pages warm and safe from eviction.
	var pinned []string
	for _, span := range c.view.spans {
		pinned = append(pinned, span.key)
		if span.start <= last && span.end > first {
			c.cache.Touch(span.key)
		}
	}

	needMore := c.view.more && !c.loadingMore &&
		len(c.view.items)-1-last <= c.opts.LoadThreshold
	if needMore {
		c.loadingMore = true
	}
	epoch := c.view.epoch
	src, feedName, sort, cursor := c.view.src, c.view.feed, c.view.sort, c.view.cursor
	ctx := c.ctx
	c.mu.Unlock()

	c.cache.Pin(pinned)

	for _, data := range clears {
		c.emit(data)
	}

	c.mu.Lock()
	if epoch == c.view.epoch {
		for _, r := range requests {
			c.handles[r.id] = c.media.Request(r.id, r.ref, c.opts.ThumbWidth, c.opts.ThumbHeight, r.priority)
		}
	}
	c.mu.Unlock()

	if needMore {
		c.g.Go(func() error {
			if err := c.loadPage(ctx, epoch, src, feedName, sort, cursor, true); err != nil {
				logging.Warn("Load-more failed", "source", src, "feed", feedName, "error", err)
				c.deliver(ui.FeedLoaded{Source: src, Feed: feedName, Sort: sort, Appended: true, Err: err})
			}
			return nil
		})
	}
}

// EnterThread opens a post's comment view and promotes its media to urgent.
func (c *Coordinator) EnterThread(postID string) {
	c.mu.Lock()
	var post *feed.Post
	for i := range c.view.items {
		if c.view.items[i].ID == postID {
			post = &c.view.items[i]
			break
		}
	}
	if post == nil {
		c.mu.Unlock()
		logging.Warn("Thread requested for unknown item", "id", postID)
		return
	}

	c.thread = threadState{open: true, postID: postID, sort: feed.CommentsBest}
	c.state = StateLoading
	src, feedName := c.view.src, c.view.feed
	ref := primaryMedia(post)
	ctx := c.ctx
	c.mu.Unlock()

	// The thread view draws its own placements from scratch.
	c.emit(c.media.ClearAll())

	if ref != nil {
		c.mu.Lock()
		c.handles[postID] = c.media.Request(postID, ref, c.opts.ThumbWidth, c.opts.ThumbHeight, work.PriorityUrgent)
		c.mu.Unlock()
	}

	c.g.Go(func() error {
		if err := c.loadThread(ctx, src, feedName, postID, feed.CommentsBest); err != nil {
			c.deliver(ui.ThreadLoaded{PostID: postID, Sort: feed.CommentsBest, Err: err})
		}
		return nil
	})
}

// loadThread fetches a comment tree and delivers the flattened rows.
func (c *Coordinator) loadThread(ctx context.Context, src feed.SourceKind, feedName, postID string, sort feed.CommentSort) error {
	_, stale, err := c.cache.GetCommentTree(ctx, src, feedName, postID, sort)
	if err != nil {
		c.setReady()
		return err
	}

	rows, err := c.flattenThread(src, feedName, postID, sort)
	c.setReady()
	if err != nil {
		return err
	}
	c.cache.Touch(cache.ThreadKey(src, feedName, postID, sort))
	c.deliver(ui.ThreadLoaded{PostID: postID, Sort: sort, Rows: rows, Stale: stale})
	return nil
}

func (c *Coordinator) setReady() {
	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
}

// flattenThread projects the cached tree into render rows under the cache
// lock, so a concurrent graft cannot tear the traversal. A trailing row
// with no ID stands in for unexpanded top-level comments.
func (c *Coordinator) flattenThread(src feed.SourceKind, feedName, postID string, sort feed.CommentSort) ([]ui.CommentRow, error) {
	var rows []ui.CommentRow
	err := c.cache.WithThread(src, feedName, postID, sort, func(t *feed.Thread) error {
		t.Walk(func(n *feed.Comment) bool {
			rows = append(rows, ui.CommentRow{
				ID:        n.ID,
				Depth:     n.Depth,
				Author:    n.Author,
				Body:      n.Body,
				Score:     n.Score,
				Created:   n.Created,
				HasMore:   n.HasMore(),
				MoreCount: len(n.More),
			})
			return true
		})
		if len(t.MoreRoots) > 0 {
			rows = append(rows, ui.CommentRow{HasMore: true, MoreCount: len(t.MoreRoots)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExpandComments lazily loads the replies below nodeID (empty for the root
// level) and redelivers the flattened tree.
func (c *Coordinator) ExpandComments(postID, nodeID string) {
	c.mu.Lock()
	if !c.thread.open || c.thread.postID != postID {
		c.mu.Unlock()
		return
	}
	src, feedName, sort := c.view.src, c.view.feed, c.thread.sort
	ctx := c.ctx
	c.mu.Unlock()

	c.g.Go(func() error {
		if _, err := c.cache.ExpandChildren(ctx, src, feedName, postID, nodeID, sort); err != nil {
			c.deliver(ui.ThreadLoaded{PostID: postID, Sort: sort, Err: err})
			return nil
		}
		rows, err := c.flattenThread(src, feedName, postID, sort)
		c.deliver(ui.ThreadLoaded{PostID: postID, Sort: sort, Rows: rows, Err: err})
		return nil
	})
}

// SetCommentSort re-fetches the open thread under a different sort.
func (c *Coordinator) SetCommentSort(postID string, sort feed.CommentSort) {
	c.mu.Lock()
	if !c.thread.open || c.thread.postID != postID {
		c.mu.Unlock()
		return
	}
	c.thread.sort = sort
	c.state = StateLoading
	src, feedName := c.view.src, c.view.feed
	ctx := c.ctx
	c.mu.Unlock()

	c.g.Go(func() error {
		if err := c.loadThread(ctx, src, feedName, postID, sort); err != nil {
			c.deliver(ui.ThreadLoaded{PostID: postID, Sort: sort, Err: err})
		}
		return nil
	})
}

// LeaveThread returns to the feed view. Thread placements are wiped; the
// next ViewportChanged re-places visible media.
func (c *Coordinator) LeaveThread() {
	c.mu.Lock()
	c.thread = threadState{}
	c.state = StateReady
	c.visible = make(map[string]bool)
	c.mu.Unlock()

	c.emit(c.media.ClearAll())
}

// Refresh invalidates the current view's scope and re-fetches it. A
// transient failure is retried once after a short backoff; a second failure
// is reported and the stale view stands.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	if c.view.feed == "" && !c.thread.open {
		c.mu.Unlock()
		return
	}
	c.view.epoch++
	epoch := c.view.epoch
	src, feedName, sort := c.view.src, c.view.feed, c.view.sort
	thread := c.thread
	c.state = StateLoading
	ctx := c.ctx

	var scope cache.Scope
	if thread.open {
		scope = cache.ScopeItem(src, feedName, thread.postID)
	} else {
		scope = cache.ScopeFeed(src, feedName)
		c.view.items = nil
		c.view.seen = make(map[string]bool)
		c.view.spans = nil
		c.view.cursor = ""
		c.view.more = false
		c.visible = make(map[string]bool)
		for id, h := range c.handles {
			c.media.Cancel(h)
			delete(c.handles, id)
		}
	}
	c.mu.Unlock()

	c.cache.Invalidate(scope)
	if !thread.open {
		c.emit(c.media.ClearAll())
	}

	c.g.Go(func() error {
		err := c.refreshOnce(ctx, epoch, src, feedName, sort, thread)
		if err != nil && isTransient(err) {
			logging.Debug("Refresh retrying after transient failure", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(refreshBackoff):
				err = c.refreshOnce(ctx, epoch, src, feedName, sort, thread)
			}
		}
		if err != nil {
			if thread.open {
				c.deliver(ui.ThreadLoaded{PostID: thread.postID, Sort: thread.sort, Err: err})
			} else {
				c.deliver(ui.FeedLoaded{Source: src, Feed: feedName, Sort: sort, Err: err})
			}
		}
		c.deliver(ui.RefreshDone{Err: err})
		return nil
	})
}

// refreshOnce performs one refresh fetch, delivering the view on success.
func (c *Coordinator) refreshOnce(ctx context.Context, epoch int, src feed.SourceKind, feedName string, sort feed.Sort, thread threadState) error {
	if thread.open {
		return c.loadThread(ctx, src, feedName, thread.postID, thread.sort)
	}
	return c.loadPage(ctx, epoch, src, feedName, sort, "", false)
}

// isTransient reports whether a fetch failure is worth one retry.
func isTransient(err error) bool {
	var re *feed.RequestError
	if !errors.As(err, &re) {
		return false
	}
	return re.Status == 0 || re.Status == 429 || re.Status >= 500
}

// PlaceItem places an item's decoded frame at a cell region, returning the
// escape bytes for the caller to write to the terminal.
func (c *Coordinator) PlaceItem(itemID string, row, col, cols, rows int) ([]byte, error) {
	c.mu.Lock()
	h := c.handles[itemID]
	c.mu.Unlock()
	if h == nil {
		return nil, errors.New("no media requested for item")
	}
	data, _, err := c.media.Place(h, row, col, cols, rows)
	return data, err
}

// ClearItem removes an item's current placement, returning the bytes to
// write.
func (c *Coordinator) ClearItem(itemID string) []byte {
	c.mu.Lock()
	h := c.handles[itemID]
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return c.media.ClearKey(h.Key)
}

// LaunchItem starts the external player for a video item.
func (c *Coordinator) LaunchItem(itemID string) error {
	c.mu.Lock()
	h := c.handles[itemID]
	c.mu.Unlock()
	if h == nil {
		return errors.New("no media requested for item")
	}
	_, err := c.media.Launch(h)
	return err
}
