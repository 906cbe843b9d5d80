package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/finchtail/lurker/internal/logging"
)

const (
	redditBaseURL      = "https://www.reddit.com"
	redditDefaultLimit = 25
	redditTimeout      = 30 * time.Second

	// Unauthenticated JSON endpoints tolerate roughly a request every
	// couple of seconds before returning 429s.
	redditRequestInterval = 2 * time.Second
)

// RedditClient reads the public JSON endpoints. No credentials required.
type RedditClient struct {
	// BaseURL is swappable for tests.
	BaseURL string

	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

// NewRedditClient creates a client for the public Reddit JSON API.
func NewRedditClient(userAgent string) *RedditClient {
	if userAgent == "" {
		userAgent = "lurker/1.0 (terminal reader)"
	}
	return &RedditClient{
		BaseURL:    redditBaseURL,
		httpClient: &http.Client{Timeout: redditTimeout},
		limiter:    rate.NewLimiter(rate.Every(redditRequestInterval), 1),
		userAgent:  userAgent,
	}
}

// Kind identifies the source.
func (c *RedditClient) Kind() SourceKind { return SourceReddit }

// ListPage fetches one listing page for a subreddit.
func (c *RedditClient) ListPage(ctx context.Context, req ListRequest) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = redditDefaultLimit
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	if req.Cursor != "" {
		params.Set("after", req.Cursor)
	}
	endpoint := fmt.Sprintf("%s/r/%s/%s.json?%s",
		c.BaseURL, url.PathEscape(req.Feed), redditSortPath(req.Sort), params.Encode())

	var listing redditListing
	if err := c.getJSON(ctx, endpoint, &listing); err != nil {
		return nil, err
	}

	page := &Page{
		Source:    SourceReddit,
		Feed:      req.Feed,
		Sort:      req.Sort,
		Cursor:    listing.Data.After,
		FetchedAt: time.Now(),
	}
	for _, thing := range listing.Data.Children {
		if thing.Kind != "t3" {
			continue
		}
		var raw redditPost
		if err := json.Unmarshal(thing.Data, &raw); err != nil {
			logging.Warn("skipping unparseable post", "feed", req.Feed, "error", err)
			continue
		}
		page.Posts = append(page.Posts, raw.toPost(req.Feed))
	}

	logging.Debug("reddit listing fetched",
		"feed", req.Feed, "sort", req.Sort, "posts", len(page.Posts), "after", page.Cursor)
	return page, nil
}

// FetchPost fetches a single post's detail.
func (c *RedditClient) FetchPost(ctx context.Context, feedName, id string) (*Post, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json?limit=1",
		c.BaseURL, url.PathEscape(feedName), url.PathEscape(id))

	var payload []redditListing
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 || len(payload[0].Data.Children) == 0 {
		return nil, &RequestError{URL: endpoint, Status: http.StatusNotFound, Err: fmt.Errorf("post %s not in response", id)}
	}
	var raw redditPost
	if err := json.Unmarshal(payload[0].Data.Children[0].Data, &raw); err != nil {
		return nil, fmt.Errorf("decode post %s: %w", id, err)
	}
	post := raw.toPost(feedName)
	return &post, nil
}

// FetchThread fetches a post's comment tree. Unexpanded reply groups are
// recorded as more-children stubs for later expansion.
func (c *RedditClient) FetchThread(ctx context.Context, req ThreadRequest) (*Thread, error) {
	params := url.Values{}
	params.Set("sort", redditCommentSort(req.Sort))
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json?%s",
		c.BaseURL, url.PathEscape(req.Feed), url.PathEscape(req.PostID), params.Encode())

	var payload []redditListing
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("comments response for %s: expected [post, comments] pair", req.PostID)
	}

	thread := NewThread(req.PostID, req.Sort)
	if len(payload[0].Data.Children) > 0 {
		var raw redditPost
		if err := json.Unmarshal(payload[0].Data.Children[0].Data, &raw); err == nil {
			post := raw.toPost(req.Feed)
			thread.Post = &post
		}
	}
	c.addCommentListing(thread, "", payload[1].Data.Children)

	logging.Debug("reddit thread fetched",
		"post", req.PostID, "comments", thread.Len(), "more_roots", len(thread.MoreRoots))
	return thread, nil
}

// ExpandComments resolves a more-children stub into comment nodes, ordered
// parent-before-child as the API returns them.
func (c *RedditClient) ExpandComments(ctx context.Context, req ExpandRequest) ([]*Comment, error) {
	if len(req.ChildIDs) == 0 {
		return nil, nil
	}
	ids := req.ChildIDs
	if len(ids) > 100 {
		ids = ids[:100] // API ceiling per call
	}

	params := url.Values{}
	params.Set("api_type", "json")
	params.Set("link_id", "t3_"+req.PostID)
	params.Set("children", strings.Join(ids, ","))
	params.Set("sort", redditCommentSort(req.Sort))
	endpoint := fmt.Sprintf("%s/api/morechildren.json?%s", c.BaseURL, params.Encode())

	var payload struct {
		JSON struct {
			Data struct {
				Things []redditThing `json:"things"`
			} `json:"data"`
		} `json:"json"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	var out []*Comment
	byID := make(map[string]*Comment)
	for _, thing := range payload.JSON.Data.Things {
		switch thing.Kind {
		case "t1":
			var raw redditComment
			if err := json.Unmarshal(thing.Data, &raw); err != nil {
				continue
			}
			node := raw.toComment()
			out = append(out, node)
			byID[node.ID] = node
		case "more":
			var raw redditMore
			if err := json.Unmarshal(thing.Data, &raw); err != nil {
				continue
			}
			// A nested stub belongs to one of the comments in this batch.
			if parent := byID[stripThingID(raw.ParentID)]; parent != nil {
				parent.More = append(parent.More, raw.Children...)
			}
		}
	}

	logging.Debug("reddit more-children expanded",
		"post", req.PostID, "node", req.NodeID, "returned", len(out))
	return out, nil
}

// addCommentListing walks a comment listing recursively, attaching nodes in
// source order and recording "more" stubs on their parents.
func (c *RedditClient) addCommentListing(thread *Thread, parentID string, children []redditThing) {
	for _, thing := range children {
		switch thing.Kind {
		case "t1":
			var raw redditComment
			if err := json.Unmarshal(thing.Data, &raw); err != nil {
				continue
			}
			node := raw.toComment()
			node.Parent = parentID
			thread.Add(node)
			if replies := raw.replyChildren(); len(replies) > 0 {
				c.addCommentListing(thread, node.ID, replies)
			}
		case "more":
			var raw redditMore
			if err := json.Unmarshal(thing.Data, &raw); err != nil {
				continue
			}
			if parentID == "" {
				thread.MoreRoots = append(thread.MoreRoots, raw.Children...)
			} else if node := thread.Node(parentID); node != nil {
				node.More = append(node.More, raw.Children...)
			}
		}
	}
}

func (c *RedditClient) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
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

func redditSortPath(s Sort) string {
	switch s {
	case SortNew, SortTop, SortRising, SortControversial:
		return string(s)
	default:
		return "hot"
	}
}

func redditCommentSort(s CommentSort) string {
	switch s {
	case CommentsTop, CommentsNew, CommentsControversial, CommentsOld:
		return string(s)
	default:
		return "confidence" // "best" in the UI
	}
}

func stripThingID(fullname string) string {
	if i := strings.IndexByte(fullname, '_'); i >= 0 {
		return fullname[i+1:]
	}
	return fullname
}

// Wire types. Reddit escapes HTML entities inside JSON strings, so URLs and
// bodies pass through SanitizeURL / html.UnescapeString on the way out.

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string        `json:"after"`
		Children []redditThing `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	URL         string  `json:"url"`
	DestURL     string  `json:"url_overridden_by_dest"`
	Permalink   string  `json:"permalink"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	PostHint    string  `json:"post_hint"`
	IsVideo     bool    `json:"is_video"`
	IsGallery   bool    `json:"is_gallery"`

	Preview struct {
		Images []struct {
			Source      redditPreviewImage   `json:"source"`
			Resolutions []redditPreviewImage `json:"resolutions"`
		} `json:"images"`
	} `json:"preview"`

	Media struct {
		RedditVideo struct {
			FallbackURL string `json:"fallback_url"`
		} `json:"reddit_video"`
	} `json:"media"`

	GalleryData struct {
		Items []struct {
			MediaID string `json:"media_id"`
		} `json:"items"`
	} `json:"gallery_data"`

	MediaMetadata map[string]struct {
		S struct {
			U string `json:"u"`
			X int    `json:"x"`
			Y int    `json:"y"`
		} `json:"s"`
		P []struct {
			U string `json:"u"`
			X int    `json:"x"`
			Y int    `json:"y"`
		} `json:"p"`
	} `json:"media_metadata"`
}

type redditPreviewImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (p *redditPost) toPost(feedName string) Post {
	if p.Subreddit != "" {
		feedName = p.Subreddit
	}
	post := Post{
		ID:        p.ID,
		Source:    SourceReddit,
		Feed:      feedName,
		Title:     html.UnescapeString(p.Title),
		Body:      html.UnescapeString(p.Selftext),
		URL:       SanitizeURL(p.destination()),
		Permalink: p.Permalink,
		Author:    p.Author,
		Score:     p.Score,
		Comments:  p.NumComments,
		Created:   time.Unix(int64(p.CreatedUTC), 0).UTC(),
	}
	post.Media = p.mediaRefs()
	return post
}

func (p *redditPost) destination() string {
	if p.DestURL != "" {
		return p.DestURL
	}
	return p.URL
}

// mediaRefs extracts media descriptors in precedence order: gallery items,
// hosted video, video-container links, then bitmap previews.
func (p *redditPost) mediaRefs() []MediaRef {
	if p.IsGallery {
		return p.galleryRefs()
	}

	dest := SanitizeURL(p.destination())
	if p.IsVideo && p.Media.RedditVideo.FallbackURL != "" {
		return []MediaRef{{URL: SanitizeURL(p.Media.RedditVideo.FallbackURL), Kind: MediaVideo}}
	}
	if dest != "" && IsVideoURL(dest) {
		return []MediaRef{{URL: dest, Kind: MediaVideo}}
	}

	ref := MediaRef{URL: dest, Kind: MediaImage}
	if len(p.Preview.Images) > 0 {
		img := p.Preview.Images[0]
		ref.Width, ref.Height = img.Source.Width, img.Source.Height
		if img.Source.URL != "" {
			ref.Previews = append(ref.Previews, PreviewVariant{
				URL: SanitizeURL(img.Source.URL), Width: img.Source.Width, Height: img.Source.Height,
			})
		}
		for _, res := range img.Resolutions {
			ref.Previews = append(ref.Previews, PreviewVariant{
				URL: SanitizeURL(res.URL), Width: res.Width, Height: res.Height,
			})
		}
		return []MediaRef{ref}
	}
	if p.PostHint == "image" && dest != "" {
		return []MediaRef{ref}
	}
	return nil
}

func (p *redditPost) galleryRefs() []MediaRef {
	var refs []MediaRef
	for _, item := range p.GalleryData.Items {
		meta, ok := p.MediaMetadata[item.MediaID]
		if !ok {
			continue
		}
		ref := MediaRef{
			URL:    SanitizeURL(meta.S.U),
			Kind:   MediaGalleryImage,
			Width:  meta.S.X,
			Height: meta.S.Y,
		}
		if meta.S.U != "" {
			ref.Previews = append(ref.Previews, PreviewVariant{
				URL: SanitizeURL(meta.S.U), Width: meta.S.X, Height: meta.S.Y,
			})
		}
		for _, variant := range meta.P {
			ref.Previews = append(ref.Previews, PreviewVariant{
				URL: SanitizeURL(variant.U), Width: variant.X, Height: variant.Y,
			})
		}
		if ref.URL == "" && len(ref.Previews) > 0 {
			ref.URL = ref.Previews[len(ref.Previews)-1].URL
		}
		if ref.URL != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

type redditComment struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parent_id"`
	Author     string          `json:"author"`
	Body       string          `json:"body"`
	Score      int             `json:"score"`
	CreatedUTC float64         `json:"created_utc"`
	Replies    json.RawMessage `json:"replies"` // "" or a nested listing
}

func (rc *redditComment) toComment() *Comment {
	return &Comment{
		ID:      rc.ID,
		Parent:  commentParent(rc.ParentID),
		Author:  rc.Author,
		Body:    html.UnescapeString(rc.Body),
		Score:   rc.Score,
		Created: time.Unix(int64(rc.CreatedUTC), 0).UTC(),
	}
}

// replyChildren decodes the nested reply listing, which the API encodes as
// an empty string when there are none.
func (rc *redditComment) replyChildren() []redditThing {
	trimmed := strings.TrimSpace(string(rc.Replies))
	if trimmed == "" || trimmed == `""` || trimmed == "null" {
		return nil
	}
	var listing redditListing
	if err := json.Unmarshal(rc.Replies, &listing); err != nil {
		return nil
	}
	return listing.Data.Children
}

type redditMore struct {
	ParentID string   `json:"parent_id"`
	Count    int      `json:"count"`
	Children []string `json:"children"`
}

// commentParent maps a fullname parent reference to a comment id; posts
// (t3_) anchor top-level comments, which have no parent in the arena.
func commentParent(fullname string) string {
	if strings.HasPrefix(fullname, "t3_") {
		return ""
	}
	return stripThingID(fullname)
}
