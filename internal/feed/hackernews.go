package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finchtail/lurker/internal/logging"
)

const (
	hnBaseURL      = "https://hacker-news.firebaseio.com/v0"
	hnDefaultLimit = 25
	hnTimeout      = 30 * time.Second

	// Firebase endpoints are cheap; fetch items for a page in parallel.
	hnParallelism = 8

	// Depth fetched eagerly for a thread; kids below it become stubs.
	hnThreadDepth = 4
	hnExpandDepth = 2

	// One story-id snapshot serves consecutive pages so pagination stays
	// gap- and duplicate-free while the user scrolls.
	hnIDListTTL = 5 * time.Minute
)

// HNClient reads the Hacker News Firebase API. Listings are arrays of story
// ids, so the pagination cursor is an integer offset into a cached id
// snapshot, serialized as the opaque cursor string.
type HNClient struct {
	// BaseURL is swappable for tests.
	BaseURL string

	httpClient *http.Client

	mu      sync.Mutex
	idLists map[string]hnIDSnapshot
}

type hnIDSnapshot struct {
	ids     []int
	fetched time.Time
}

// NewHNClient creates a Hacker News client.
func NewHNClient() *HNClient {
	return &HNClient{
		BaseURL:    hnBaseURL,
		httpClient: &http.Client{Timeout: hnTimeout},
		idLists:    make(map[string]hnIDSnapshot),
	}
}

// Kind identifies the source.
func (c *HNClient) Kind() SourceKind { return SourceHackerNews }

// hnListingEndpoint maps a feed name to its id-array endpoint. The listing
// name takes the role subreddits play for Reddit; sort modes do not apply
// (each listing is pre-ranked by the service).
func hnListingEndpoint(feedName string) string {
	switch feedName {
	case "new":
		return "newstories"
	case "best":
		return "beststories"
	case "ask":
		return "askstories"
	case "show":
		return "showstories"
	case "job":
		return "jobstories"
	default:
		return "topstories"
	}
}

// ListPage fetches one window of a listing.
func (c *HNClient) ListPage(ctx context.Context, req ListRequest) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = hnDefaultLimit
	}

	offset := 0
	if req.Cursor != "" {
		parsed, err := strconv.Atoi(req.Cursor)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("malformed cursor %q", req.Cursor)
		}
		offset = parsed
	}

	ids, err := c.listingIDs(ctx, req.Feed)
	if err != nil {
		return nil, err
	}
	if offset >= len(ids) {
		return &Page{Source: SourceHackerNews, Feed: req.Feed, Sort: req.Sort, FetchedAt: time.Now()}, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	window := ids[offset:end]

	items := make([]*hnItem, len(window))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hnParallelism)
	for i, id := range window {
		i, id := i, id
		g.Go(func() error {
			item, err := c.getItem(gctx, id)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page := &Page{
		Source:    SourceHackerNews,
		Feed:      req.Feed,
		Sort:      req.Sort,
		FetchedAt: time.Now(),
	}
	for _, item := range items {
		if item == nil || item.Deleted || item.Dead {
			continue
		}
		page.Posts = append(page.Posts, item.toPost(req.Feed))
	}
	if end < len(ids) {
		page.Cursor = strconv.Itoa(end)
	}

	logging.Debug("hn listing fetched",
		"feed", req.Feed, "posts", len(page.Posts), "offset", offset, "next", page.Cursor)
	return page, nil
}

// FetchPost fetches a single story.
func (c *HNClient) FetchPost(ctx context.Context, feedName, id string) (*Post, error) {
	numeric, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("malformed item id %q", id)
	}
	item, err := c.getItem(ctx, numeric)
	if err != nil {
		return nil, err
	}
	post := item.toPost(feedName)
	return &post, nil
}

// FetchThread fetches a story's comment tree down to a bounded depth; kids
// below the bound become more-children stubs expanded on demand.
func (c *HNClient) FetchThread(ctx context.Context, req ThreadRequest) (*Thread, error) {
	numeric, err := strconv.Atoi(req.PostID)
	if err != nil {
		return nil, fmt.Errorf("malformed item id %q", req.PostID)
	}
	root, err := c.getItem(ctx, numeric)
	if err != nil {
		return nil, err
	}

	thread := NewThread(req.PostID, req.Sort)
	post := root.toPost(req.Feed)
	thread.Post = &post

	nodes, err := c.fetchSubtree(ctx, root.Kids, "", hnThreadDepth)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		thread.Add(node)
	}

	logging.Debug("hn thread fetched", "post", req.PostID, "comments", thread.Len())
	return thread, nil
}

// ExpandComments fetches the subtree below one comment's recorded kid ids.
func (c *HNClient) ExpandComments(ctx context.Context, req ExpandRequest) ([]*Comment, error) {
	ids := make([]int, 0, len(req.ChildIDs))
	for _, s := range req.ChildIDs {
		numeric, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		ids = append(ids, numeric)
	}
	nodes, err := c.fetchSubtree(ctx, ids, req.NodeID, hnExpandDepth)
	if err != nil {
		return nil, err
	}
	logging.Debug("hn comments expanded", "node", req.NodeID, "returned", len(nodes))
	return nodes, nil
}

// fetchSubtree fetches comment items for ids in parallel and returns them
// flattened pre-order (every parent before its children), ready for
// grafting. depth counts remaining eager levels; at zero the kids are left
// as stubs.
func (c *HNClient) fetchSubtree(ctx context.Context, ids []int, parent string, depth int) ([]*Comment, error) {
	if len(ids) == 0 || depth <= 0 {
		return nil, nil
	}

	items := make([]*hnItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hnParallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			item, err := c.getItem(gctx, id)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*Comment
	for _, item := range items {
		if item == nil || item.Deleted || item.Dead || item.Type != "comment" {
			continue
		}
		node := &Comment{
			ID:      strconv.Itoa(item.ID),
			Parent:  parent,
			Author:  item.By,
			Body:    HTMLToText(item.Text),
			Created: time.Unix(item.Time, 0).UTC(),
		}
		out = append(out, node)
		if depth > 1 && len(item.Kids) > 0 {
			sub, err := c.fetchSubtree(ctx, item.Kids, node.ID, depth-1)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		} else if len(item.Kids) > 0 {
			node.More = intStrings(item.Kids)
		}
	}
	return out, nil
}

// listingIDs returns the (possibly cached) story-id snapshot for a listing.
func (c *HNClient) listingIDs(ctx context.Context, feedName string) ([]int, error) {
	endpoint := hnListingEndpoint(feedName)

	c.mu.Lock()
	snapshot, ok := c.idLists[endpoint]
	c.mu.Unlock()
	if ok && time.Since(snapshot.fetched) < hnIDListTTL {
		return snapshot.ids, nil
	}

	var ids []int
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s.json", c.BaseURL, endpoint), &ids); err != nil {
		// Keep paginating against an aged snapshot rather than failing.
		if ok {
			return snapshot.ids, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.idLists[endpoint] = hnIDSnapshot{ids: ids, fetched: time.Now()}
	c.mu.Unlock()
	return ids, nil
}

func (c *HNClient) getItem(ctx context.Context, id int) (*hnItem, error) {
	var item hnItem
	if err := c.getJSON(ctx, fmt.Sprintf("%s/item/%d.json", c.BaseURL, id), &item); err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil // deleted items decode as null
	}
	return &item, nil
}

func (c *HNClient) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransport(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

type hnItem struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	By          string `json:"by"`
	Time        int64  `json:"time"`
	Text        string `json:"text"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Score       int    `json:"score"`
	Descendants int    `json:"descendants"`
	Kids        []int  `json:"kids"`
	Deleted     bool   `json:"deleted"`
	Dead        bool   `json:"dead"`
}

func (it *hnItem) toPost(feedName string) Post {
	id := strconv.Itoa(it.ID)
	post := Post{
		ID:        id,
		Source:    SourceHackerNews,
		Feed:      feedName,
		Title:     it.Title,
		Body:      HTMLToText(it.Text),
		URL:       it.URL,
		Permalink: "https://news.ycombinator.com/item?id=" + id,
		Author:    it.By,
		Score:     it.Score,
		Comments:  it.Descendants,
		Created:   time.Unix(it.Time, 0).UTC(),
	}
	switch {
	case IsVideoURL(it.URL):
		post.Media = []MediaRef{{URL: it.URL, Kind: MediaVideo}}
	case IsImageURL(it.URL):
		post.Media = []MediaRef{{URL: it.URL, Kind: MediaImage}}
	}
	return post
}

func intStrings(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out
}
