package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// hnTestServer serves a story-id listing and an item table in the Firebase
// API shape. Unknown items return null, as the real API does for deleted ids.
func hnTestServer(listing []int, items map[int]string) (*httptest.Server, *int32) {
	var listingCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/topstories.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listingCalls, 1)
		parts := make([]string, len(listing))
		for i, id := range listing {
			parts[i] = fmt.Sprintf("%d", id)
		}
		fmt.Fprintf(w, "[%s]", strings.Join(parts, ","))
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/item/"), ".json")
		var id int
		fmt.Sscanf(name, "%d", &id)
		if body, ok := items[id]; ok {
			w.Write([]byte(body))
			return
		}
		w.Write([]byte("null"))
	})
	return httptest.NewServer(mux), &listingCalls
}

func newTestHNClient(server *httptest.Server) *HNClient {
	c := NewHNClient()
	c.BaseURL = server.URL
	return c
}

func TestHNListPageWindowing(t *testing.T) {
	items := map[int]string{
		1: `{"id":1,"type":"story","by":"pg","time":1700000000,"title":"First","score":90,"descendants":12,"url":"http://example.com/pic.jpg"}`,
		2: `{"id":2,"type":"story","by":"dz","time":1700000100,"title":"Second","score":80,"descendants":3}`,
		4: `{"id":4,"type":"story","by":"tb","time":1700000200,"title":"Fourth","score":70,"descendants":0}`,
		5: `{"id":5,"type":"story","by":"jl","time":1700000300,"title":"Fifth","score":60,"descendants":1}`,
	}
	server, listingCalls := hnTestServer([]int{1, 2, 3, 4, 5}, items)
	defer server.Close()
	c := newTestHNClient(server)
	ctx := context.Background()

	page, err := c.ListPage(ctx, ListRequest{Feed: "top", Sort: SortHot, Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Posts) != 2 || page.Posts[0].ID != "1" || page.Posts[1].ID != "2" {
		t.Fatalf("first window = %+v", page.Posts)
	}
	if page.Cursor != "2" {
		t.Errorf("cursor = %q, want 2", page.Cursor)
	}
	if page.Posts[0].Permalink != "https://news.ycombinator.com/item?id=1" {
		t.Errorf("permalink = %q", page.Posts[0].Permalink)
	}
	if len(page.Posts[0].Media) != 1 || page.Posts[0].Media[0].Kind != MediaImage {
		t.Errorf("media = %+v, direct image link must become a ref", page.Posts[0].Media)
	}

	// Second window: id 3 decodes as null and is dropped.
	page, err = c.ListPage(ctx, ListRequest{Feed: "top", Sort: SortHot, Limit: 2, Cursor: page.Cursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Posts) != 1 || page.Posts[0].ID != "4" {
		t.Fatalf("second window = %+v", page.Posts)
	}
	if page.Cursor != "4" {
		t.Errorf("cursor = %q, want 4", page.Cursor)
	}

	// Last window exhausts the listing.
	page, err = c.ListPage(ctx, ListRequest{Feed: "top", Sort: SortHot, Limit: 2, Cursor: page.Cursor})
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(page.Posts) != 1 || page.Cursor != "" {
		t.Fatalf("third window = %+v cursor %q, want exhausted", page.Posts, page.Cursor)
	}

	// Consecutive pages ride one id snapshot.
	if got := atomic.LoadInt32(listingCalls); got != 1 {
		t.Errorf("listing fetched %d times across three pages, want 1", got)
	}
}

func TestHNListPageCursorPastEnd(t *testing.T) {
	server, _ := hnTestServer([]int{1}, nil)
	defer server.Close()
	c := newTestHNClient(server)

	page, err := c.ListPage(context.Background(), ListRequest{Feed: "top", Cursor: "40"})
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(page.Posts) != 0 || page.Cursor != "" {
		t.Errorf("past-end page = %+v cursor %q", page.Posts, page.Cursor)
	}
}

func TestHNListPageMalformedCursor(t *testing.T) {
	server, _ := hnTestServer([]int{1}, nil)
	defer server.Close()
	c := newTestHNClient(server)

	if _, err := c.ListPage(context.Background(), ListRequest{Feed: "top", Cursor: "x"}); err == nil {
		t.Error("expected error for non-numeric cursor")
	}
	if _, err := c.ListPage(context.Background(), ListRequest{Feed: "top", Cursor: "-1"}); err == nil {
		t.Error("expected error for negative cursor")
	}
}

func TestHNSkipsDeadItems(t *testing.T) {
	items := map[int]string{
		1: `{"id":1,"type":"story","title":"Alive","time":1700000000}`,
		2: `{"id":2,"type":"story","title":"Dead","time":1700000000,"dead":true}`,
	}
	server, _ := hnTestServer([]int{1, 2, 3}, items)
	defer server.Close()
	c := newTestHNClient(server)

	page, err := c.ListPage(context.Background(), ListRequest{Feed: "top"})
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(page.Posts) != 1 || page.Posts[0].ID != "1" {
		t.Errorf("posts = %+v, dead and deleted items must drop", page.Posts)
	}
}

func TestHNListingEndpointNames(t *testing.T) {
	cases := map[string]string{
		"top":     "topstories",
		"new":     "newstories",
		"best":    "beststories",
		"ask":     "askstories",
		"show":    "showstories",
		"job":     "jobstories",
		"unknown": "topstories",
	}
	for name, want := range cases {
		if got := hnListingEndpoint(name); got != want {
			t.Errorf("hnListingEndpoint(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestHNFetchThreadDepthBound(t *testing.T) {
	items := map[int]string{
		100: `{"id":100,"type":"story","by":"op","time":1700000000,"title":"Story","score":10,"descendants":5,"kids":[200]}`,
		200: `{"id":200,"type":"comment","by":"a","time":1700000010,"text":"level one","kids":[300]}`,
		300: `{"id":300,"type":"comment","by":"b","time":1700000020,"text":"level two","kids":[400]}`,
		400: `{"id":400,"type":"comment","by":"c","time":1700000030,"text":"level three","kids":[500]}`,
		500: `{"id":500,"type":"comment","by":"d","time":1700000040,"text":"level four","kids":[600]}`,
		600: `{"id":600,"type":"comment","by":"e","time":1700000050,"text":"too deep"}`,
	}
	server, _ := hnTestServer(nil, items)
	defer server.Close()
	c := newTestHNClient(server)

	thread, err := c.FetchThread(context.Background(), ThreadRequest{Feed: "top", PostID: "100", Sort: CommentsBest})
	if err != nil {
		t.Fatalf("FetchThread failed: %v", err)
	}

	if thread.Post == nil || thread.Post.Title != "Story" {
		t.Fatalf("post = %+v", thread.Post)
	}
	if thread.Len() != 4 {
		t.Errorf("nodes = %d, want 4 eager levels", thread.Len())
	}
	deepest := thread.Node("500")
	if deepest == nil || deepest.Depth != 3 {
		t.Fatalf("node 500 = %+v", deepest)
	}
	if len(deepest.More) != 1 || deepest.More[0] != "600" {
		t.Errorf("more(500) = %v, kids below the bound become stubs", deepest.More)
	}
	if thread.Node("600") != nil {
		t.Error("node 600 fetched eagerly past the depth bound")
	}
}

func TestHNExpandComments(t *testing.T) {
	items := map[int]string{
		600: `{"id":600,"type":"comment","by":"e","time":1700000050,"text":"expanded","kids":[700]}`,
		700: `{"id":700,"type":"comment","by":"f","time":1700000060,"text":"nested","kids":[800]}`,
	}
	server, _ := hnTestServer(nil, items)
	defer server.Close()
	c := newTestHNClient(server)

	nodes, err := c.ExpandComments(context.Background(), ExpandRequest{
		PostID: "100", NodeID: "500", ChildIDs: []string{"600", "bogus"},
	})
	if err != nil {
		t.Fatalf("ExpandComments failed: %v", err)
	}

	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	if nodes[0].ID != "600" || nodes[0].Parent != "500" {
		t.Errorf("nodes[0] = %+v", nodes[0])
	}
	if nodes[1].ID != "700" || nodes[1].Parent != "600" {
		t.Errorf("nodes[1] = %+v", nodes[1])
	}
	if len(nodes[1].More) != 1 || nodes[1].More[0] != "800" {
		t.Errorf("more(700) = %v, expansion depth is bounded too", nodes[1].More)
	}
}

func TestHNFetchPostMalformedID(t *testing.T) {
	c := NewHNClient()
	if _, err := c.FetchPost(context.Background(), "top", "abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}
