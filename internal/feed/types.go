package feed

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// SourceKind identifies a remote content source.
type SourceKind string

const (
	SourceReddit     SourceKind = "reddit"
	SourceHackerNews SourceKind = "hackernews"
	SourceRSS        SourceKind = "rss"
)

// Sort is a listing sort mode. Sources that do not support a mode fall back
// to their default ordering.
type Sort string

const (
	SortHot           Sort = "hot"
	SortNew           Sort = "new"
	SortTop           Sort = "top"
	SortRising        Sort = "rising"
	SortControversial Sort = "controversial"
	SortBest          Sort = "best"
)

// Sorts lists the cycle order used by the UI.
func Sorts() []Sort {
	return []Sort{SortHot, SortNew, SortTop, SortRising, SortControversial}
}

// CommentSort orders a comment tree.
type CommentSort string

const (
	CommentsBest          CommentSort = "best"
	CommentsTop           CommentSort = "top"
	CommentsNew           CommentSort = "new"
	CommentsControversial CommentSort = "controversial"
	CommentsOld           CommentSort = "old"
)

// CommentSorts lists the comment sort cycle order used by the UI.
func CommentSorts() []CommentSort {
	return []CommentSort{CommentsBest, CommentsTop, CommentsNew, CommentsControversial, CommentsOld}
}

// MediaKind classifies a media reference.
type MediaKind string

const (
	MediaImage        MediaKind = "image"
	MediaGalleryImage MediaKind = "gallery-image"
	MediaVideo        MediaKind = "video"
)

// PreviewVariant is one rung of a preview resolution ladder.
type PreviewVariant struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// MediaRef describes one piece of media attached to a post.
type MediaRef struct {
	URL      string           `json:"url"`
	Kind     MediaKind        `json:"kind"`
	Width    int              `json:"width,omitempty"`
	Height   int              `json:"height,omitempty"`
	Previews []PreviewVariant `json:"previews,omitempty"`
}

// PreviewFor picks the preview URL to download for a target pixel width:
// the smallest variant at least as wide as the target, else the widest one
// below it, else the primary URL. Variants pointing at video containers are
// never picked for bitmap rendering.
func (m MediaRef) PreviewFor(width int) string {
	var atLeast *PreviewVariant
	var widest *PreviewVariant
	for i := range m.Previews {
		v := &m.Previews[i]
		if v.URL == "" || IsVideoURL(v.URL) {
			continue
		}
		if v.Width >= width {
			if atLeast == nil || v.Width < atLeast.Width {
				atLeast = v
			}
		} else if widest == nil || v.Width > widest.Width {
			widest = v
		}
	}
	if atLeast != nil {
		return atLeast.URL
	}
	if widest != nil {
		return widest.URL
	}
	if m.Kind != MediaVideo && !IsVideoURL(m.URL) {
		return m.URL
	}
	return ""
}

// videoExts are URL suffixes (and format= values) that mark a video
// container rather than a decodable bitmap.
var videoExts = []string{".mp4", ".gif", ".gifv", ".webm", ".mkv"}

// IsVideoURL reports whether u points at a video container.
func IsVideoURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	path := strings.ToLower(parsed.Path)
	for _, ext := range videoExts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	if format := strings.ToLower(parsed.Query().Get("format")); format != "" {
		for _, ext := range videoExts {
			if format == ext[1:] {
				return true
			}
		}
	}
	return false
}

// IsImageURL reports whether u points directly at a decodable bitmap.
func IsImageURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	path := strings.ToLower(parsed.Path)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".webp"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// SanitizeURL undoes the HTML entity escaping Reddit applies to URLs in its
// JSON payloads.
func SanitizeURL(u string) string {
	return strings.ReplaceAll(u, "&amp;", "&")
}

// Post is one content item in a feed listing.
type Post struct {
	ID        string     `json:"id"`
	Source    SourceKind `json:"source"`
	Feed      string     `json:"feed"` // subreddit, HN listing, or feed URL
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	URL       string     `json:"url,omitempty"`
	Permalink string     `json:"permalink,omitempty"`
	Author    string     `json:"author,omitempty"`
	Score     int        `json:"score"`
	Comments  int        `json:"comments"` // comment-count hint
	Created   time.Time  `json:"created"`
	Media     []MediaRef `json:"media,omitempty"`
}

// Page is one fetched window of a feed listing. Pages are immutable once
// returned; a refresh produces a new Page.
type Page struct {
	Source    SourceKind `json:"source"`
	Feed      string     `json:"feed"`
	Sort      Sort       `json:"sort"`
	Posts     []Post     `json:"posts"`
	Cursor    string     `json:"cursor,omitempty"` // opaque; empty when exhausted
	FetchedAt time.Time  `json:"fetched_at"`
}

// ListRequest asks for one page of a feed listing.
type ListRequest struct {
	Feed   string
	Sort   Sort
	Cursor string // empty for the first page
	Limit  int    // 0 means source default
}

// ThreadRequest asks for a post's comment tree.
type ThreadRequest struct {
	Feed   string
	PostID string
	Sort   CommentSort
}

// ExpandRequest asks for the unexpanded children below one comment.
type ExpandRequest struct {
	Feed     string
	PostID   string
	NodeID   string   // parent comment; empty to expand at the root
	ChildIDs []string // ids recorded on the more-children stub
	Sort     CommentSort
}

// Client is the uniform read abstraction over a remote source.
type Client interface {
	Kind() SourceKind
	ListPage(ctx context.Context, req ListRequest) (*Page, error)
	FetchPost(ctx context.Context, feedName, id string) (*Post, error)
	FetchThread(ctx context.Context, req ThreadRequest) (*Thread, error)
	ExpandComments(ctx context.Context, req ExpandRequest) ([]*Comment, error)
}
