package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"

	"github.com/finchtail/lurker/internal/logging"
)

// RedditCredentials are script-app credentials, resolved by the caller.
type RedditCredentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

// AuthRedditClient serves listings through the authenticated Reddit API,
// which reaches private subreddits and gets higher rate limits. Comment
// trees still resolve through the public JSON shape, which is the only one
// exposing the more-children plumbing the tree cache needs.
type AuthRedditClient struct {
	*RedditClient
	api *reddit.Client
}

// NewAuthRedditClient builds the authenticated client.
func NewAuthRedditClient(creds RedditCredentials) (*AuthRedditClient, error) {
	userAgent := creds.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("lurker/1.0 (by /u/%s)", creds.Username)
	}

	credentials := reddit.Credentials{
		ID:       creds.ClientID,
		Secret:   creds.ClientSecret,
		Username: creds.Username,
		Password: creds.Password,
	}
	api, err := reddit.NewClient(credentials, reddit.WithUserAgent(userAgent))
	if err != nil {
		return nil, fmt.Errorf("create reddit api client: %w", err)
	}

	return &AuthRedditClient{
		RedditClient: NewRedditClient(userAgent),
		api:          api,
	}, nil
}

// ListPage fetches one listing page with the authenticated API.
func (c *AuthRedditClient) ListPage(ctx context.Context, req ListRequest) (*Page, error) {
	opts := reddit.ListOptions{After: req.Cursor}
	if req.Limit > 0 {
		opts.Limit = req.Limit
	} else {
		opts.Limit = redditDefaultLimit
	}

	var (
		posts []*reddit.Post
		resp  *reddit.Response
		err   error
	)
	switch req.Sort {
	case SortNew:
		posts, resp, err = c.api.Subreddit.NewPosts(ctx, req.Feed, &opts)
	case SortRising:
		posts, resp, err = c.api.Subreddit.RisingPosts(ctx, req.Feed, &opts)
	case SortTop:
		posts, resp, err = c.api.Subreddit.TopPosts(ctx, req.Feed,
			&reddit.ListPostOptions{ListOptions: opts, Time: "day"})
	case SortControversial:
		posts, resp, err = c.api.Subreddit.ControversialPosts(ctx, req.Feed,
			&reddit.ListPostOptions{ListOptions: opts, Time: "day"})
	default:
		posts, resp, err = c.api.Subreddit.HotPosts(ctx, req.Feed, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticated listing r/%s %s: %w", req.Feed, req.Sort, err)
	}

	page := &Page{
		Source:    SourceReddit,
		Feed:      req.Feed,
		Sort:      req.Sort,
		FetchedAt: time.Now(),
	}
	if resp != nil {
		page.Cursor = resp.After
	}
	for _, p := range posts {
		page.Posts = append(page.Posts, fromAPIPost(p, req.Feed))
	}

	logging.Debug("reddit authenticated listing fetched",
		"feed", req.Feed, "sort", req.Sort, "posts", len(page.Posts), "after", page.Cursor)
	return page, nil
}

// fromAPIPost maps a library post to our model. The API library does not
// surface preview resolution ladders, so media is inferred from the link
// target alone.
func fromAPIPost(p *reddit.Post, feedName string) Post {
	if name := strings.TrimPrefix(p.SubredditNamePrefixed, "r/"); name != "" {
		feedName = name
	}
	post := Post{
		ID:        p.ID,
		Source:    SourceReddit,
		Feed:      feedName,
		Title:     p.Title,
		Body:      p.Body,
		URL:       SanitizeURL(p.URL),
		Permalink: p.Permalink,
		Author:    p.Author,
		Score:     p.Score,
		Comments:  p.NumberOfComments,
	}
	if p.Created != nil {
		post.Created = p.Created.Time.UTC()
	}
	switch {
	case IsVideoURL(post.URL):
		post.Media = []MediaRef{{URL: post.URL, Kind: MediaVideo}}
	case IsImageURL(post.URL):
		post.Media = []MediaRef{{URL: post.URL, Kind: MediaImage}}
	}
	return post
}
