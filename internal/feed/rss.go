package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/finchtail/lurker/internal/logging"
)

const (
	rssDefaultLimit = 25
	rssTimeout      = 30 * time.Second

	// One parsed snapshot serves consecutive pages, same scheme as the HN
	// id snapshot.
	rssSnapshotTTL = 5 * time.Minute
)

// RSSClient serves plain web feeds through the same interface as the link
// aggregators. Feeds have no discussion trees; the comment operations
// return empty results. The feed name is the feed URL; pagination is a
// client-side window with an integer-offset cursor.
type RSSClient struct {
	httpClient *http.Client
	parser     *gofeed.Parser

	mu        sync.Mutex
	snapshots map[string]rssSnapshot
}

type rssSnapshot struct {
	posts   []Post
	fetched time.Time
}

// NewRSSClient creates an RSS/Atom client.
func NewRSSClient() *RSSClient {
	return &RSSClient{
		httpClient: &http.Client{Timeout: rssTimeout},
		parser:     gofeed.NewParser(),
		snapshots:  make(map[string]rssSnapshot),
	}
}

// Kind identifies the source.
func (c *RSSClient) Kind() SourceKind { return SourceRSS }

// ListPage returns one window of the parsed feed.
func (c *RSSClient) ListPage(ctx context.Context, req ListRequest) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = rssDefaultLimit
	}
	offset := 0
	if req.Cursor != "" {
		parsed, err := strconv.Atoi(req.Cursor)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("malformed cursor %q", req.Cursor)
		}
		offset = parsed
	}

	posts, err := c.feedPosts(ctx, req.Feed)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Source:    SourceRSS,
		Feed:      req.Feed,
		Sort:      req.Sort,
		FetchedAt: time.Now(),
	}
	if offset < len(posts) {
		end := offset + limit
		if end > len(posts) {
			end = len(posts)
		}
		page.Posts = append(page.Posts, posts[offset:end]...)
		if end < len(posts) {
			page.Cursor = strconv.Itoa(end)
		}
	}

	logging.Debug("rss page built", "feed", req.Feed, "posts", len(page.Posts), "next", page.Cursor)
	return page, nil
}

// FetchPost finds one item in the feed snapshot.
func (c *RSSClient) FetchPost(ctx context.Context, feedName, id string) (*Post, error) {
	posts, err := c.feedPosts(ctx, feedName)
	if err != nil {
		return nil, err
	}
	for i := range posts {
		if posts[i].ID == id {
			post := posts[i]
			return &post, nil
		}
	}
	return nil, fmt.Errorf("item %s not present in feed %s", id, feedName)
}

// FetchThread returns an empty tree; plain feeds carry no discussions.
func (c *RSSClient) FetchThread(ctx context.Context, req ThreadRequest) (*Thread, error) {
	thread := NewThread(req.PostID, req.Sort)
	if post, err := c.FetchPost(ctx, req.Feed, req.PostID); err == nil {
		thread.Post = post
	}
	return thread, nil
}

// ExpandComments is a no-op for plain feeds.
func (c *RSSClient) ExpandComments(ctx context.Context, req ExpandRequest) ([]*Comment, error) {
	return nil, nil
}

func (c *RSSClient) feedPosts(ctx context.Context, feedURL string) ([]Post, error) {
	c.mu.Lock()
	snapshot, ok := c.snapshots[feedURL]
	c.mu.Unlock()
	if ok && time.Since(snapshot.fetched) < rssSnapshotTTL {
		return snapshot.posts, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "lurker/1.0 (terminal reader)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ok {
			return snapshot.posts, nil
		}
		return nil, wrapTransport(feedURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if ok {
			return snapshot.posts, nil
		}
		return nil, statusError(feedURL, resp)
	}

	parsed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	now := time.Now()
	posts := make([]Post, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		posts = append(posts, convertFeedItem(item, feedURL, now))
	}

	c.mu.Lock()
	c.snapshots[feedURL] = rssSnapshot{posts: posts, fetched: now}
	c.mu.Unlock()
	return posts, nil
}

// convertFeedItem maps a parsed feed item to a Post.
func convertFeedItem(item *gofeed.Item, feedURL string, fetchTime time.Time) Post {
	published := fetchTime
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}

	author := ""
	if item.Author != nil {
		author = item.Author.Name
	}

	summary := HTMLToText(item.Description)
	if summary == "" && item.Content != "" {
		summary = truncate(HTMLToText(item.Content), 500)
	}

	post := Post{
		ID:        feedItemID(item),
		Source:    SourceRSS,
		Feed:      feedURL,
		Title:     item.Title,
		Body:      summary,
		URL:       item.Link,
		Permalink: item.Link,
		Author:    author,
		Created:   published,
	}
	post.Media = feedItemMedia(item)
	return post
}

func feedItemMedia(item *gofeed.Item) []MediaRef {
	if item.Image != nil && item.Image.URL != "" {
		return []MediaRef{{URL: item.Image.URL, Kind: MediaImage}}
	}
	for _, enc := range item.Enclosures {
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			return []MediaRef{{URL: enc.URL, Kind: MediaImage}}
		case strings.HasPrefix(enc.Type, "video/"):
			return []MediaRef{{URL: enc.URL, Kind: MediaVideo}}
		}
	}
	return nil
}

// feedItemID creates a deterministic id: the GUID if available, else the
// link, else title + published time.
func feedItemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return hashString(item.GUID)
	}
	if item.Link != "" {
		return hashString(item.Link)
	}
	key := item.Title
	if item.PublishedParsed != nil {
		key += item.PublishedParsed.String()
	}
	return hashString(key)
}

// hashString creates a short hash of a string for use as an ID.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8]) // 16 character hex string
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
