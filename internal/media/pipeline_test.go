package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/graphics"
	"github.com/finchtail/lurker/internal/mediastore"
	"github.com/finchtail/lurker/internal/work"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, graphicsOn bool) (*Pipeline, *mediastore.Store, chan Update, func()) {
	t.Helper()

	store, err := mediastore.New("", nil, mediastore.Options{})
	if err != nil {
		t.Fatalf("mediastore: %v", err)
	}

	pool := work.NewPool(2)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	p := NewPipeline(pool, store, Options{
		Capability:    graphics.Capability{Graphics: graphicsOn},
		PlayerCommand: []string{"mpv", "--fs", "%URL%"},
	})

	updates := make(chan Update, 64)
	p.SetNotify(func(u Update) {
		select {
		case updates <- u:
		default:
		}
	})

	cleanup := func() {
		pool.Stop()
		cancel()
	}
	return p, store, updates, cleanup
}

func waitState(t *testing.T, updates <-chan Update, want State) Update {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.State == want {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestRequestDownloadsAndDecodes(t *testing.T) {
	pngData := testPNG(t)
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer srv.Close()

	p, store, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/a.png"}
	h := p.Request("post1", ref, 200, 200, work.PriorityVisible)
	if h == nil {
		t.Fatal("expected a handle")
	}

	waitState(t, updates, StateDownloading)
	waitState(t, updates, StateDecoded)

	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("expected 1 download, got %d", hits)
	}
	if _, ok := store.Resolve(h.Key); !ok {
		t.Error("decoded media should be resolvable in the store")
	}
	if h.State() != StateDecoded {
		t.Errorf("handle state = %v, expected decoded", h.State())
	}

	// A second request for the same content resolves without network
	h2 := p.Request("post1", ref, 200, 200, work.PriorityVisible)
	waitState(t, updates, StateDecoded)
	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("re-request should not re-download, got %d hits", hits)
	}
	if h2.Key != h.Key {
		t.Errorf("same content should share a key: %s vs %s", h.Key, h2.Key)
	}
}

func TestCancelDiscardsPartialDownload(t *testing.T) {
	pngData := testPNG(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "100000")
		w.Write(pngData[:8]) // partial body, then stall
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, store, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/big.png"}
	h := p.Request("post1", ref, 200, 200, work.PriorityVisible)

	waitState(t, updates, StateDownloading)
	p.Cancel(h)

	// Give the abandoned download time to unwind
	deadline := time.After(2 * time.Second)
	for h.State() == StateDownloading {
		select {
		case <-deadline:
			t.Fatal("cancelled download did not unwind")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok := store.Resolve(h.Key); ok {
		t.Error("cancelled download must not leave bytes in the store")
	}

	// No decoded or failed update should have been emitted
	select {
	case u := <-updates:
		if u.State == StateDecoded || u.State == StateFailed {
			t.Errorf("unexpected update after cancel: %v", u.State)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	pngData := testPNG(t)
	var hits int64
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		<-gate
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer srv.Close()

	p, _, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/a.png"}
	h1 := p.Request("post1", ref, 200, 200, work.PriorityPrefetch)
	waitState(t, updates, StateDownloading)

	// Same content requested again at higher priority: no second task
	h2 := p.Request("post1", ref, 200, 200, work.PriorityVisible)
	if h1.Key != h2.Key {
		t.Fatalf("expected shared key, got %s vs %s", h1.Key, h2.Key)
	}

	close(gate)
	waitState(t, updates, StateDecoded)

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("expected 1 download for coalesced requests, got %d", got)
	}
}

func TestVideoResolvesToLaunchDirective(t *testing.T) {
	p, _, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaVideo, URL: "https://v.redd.it/abc/DASH_720.mp4"}
	h := p.Request("post9", ref, 200, 200, work.PriorityVisible)

	u := waitState(t, updates, StateVideo)
	if u.Key != h.Key {
		t.Errorf("update key %s, expected %s", u.Key, h.Key)
	}

	d, ok := h.Directive()
	if !ok {
		t.Fatal("expected a launch directive for a video ref")
	}
	want := []string{"mpv", "--fs", "https://v.redd.it/abc/DASH_720.mp4"}
	if len(d.Argv) != len(want) {
		t.Fatalf("argv = %v, expected %v", d.Argv, want)
	}
	for i := range want {
		if d.Argv[i] != want[i] {
			t.Errorf("argv[%d] = %s, expected %s", i, d.Argv[i], want[i])
		}
	}
}

func TestGraphicsOffResolvesToPlaceholder(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	p, _, updates, cleanup := newTestPipeline(t, false)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/a.png"}
	h := p.Request("post1", ref, 200, 200, work.PriorityVisible)

	u := waitState(t, updates, StatePlaceholder)
	if u.ItemID != "post1" {
		t.Errorf("update item = %s, expected post1", u.ItemID)
	}

	if _, _, err := p.Place(h, 1, 1, 10, 5); !errors.Is(err, ErrProtocolUnsupported) {
		t.Errorf("Place with graphics off = %v, expected ErrProtocolUnsupported", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&hits) != 0 {
		t.Errorf("placeholder path must not download, got %d hits", hits)
	}
}

func TestDecodeFailureThenVisibleRetry(t *testing.T) {
	pngData := testPNG(t)
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		if n == 1 {
			w.Write([]byte("this is not an image"))
			return
		}
		w.Write(pngData)
	}))
	defer srv.Close()

	p, _, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/flaky.png"}
	p.Request("post1", ref, 200, 200, work.PriorityVisible)

	u := waitState(t, updates, StateFailed)
	var decodeErr *DecodeError
	if !errors.As(u.Err, &decodeErr) {
		t.Errorf("expected DecodeError, got %v", u.Err)
	}

	// Prefetch-priority requests leave a failed asset alone
	p.Request("post1", ref, 200, 200, work.PriorityPrefetch)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("prefetch retry of failed asset should not re-download, got %d hits", got)
	}

	// Visible-priority requests retry
	p.Request("post1", ref, 200, 200, work.PriorityVisible)
	waitState(t, updates, StateDecoded)
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("expected 2 downloads after visible retry, got %d", got)
	}
}

func TestPlaceIsIdempotentAndRelocates(t *testing.T) {
	pngData := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer srv.Close()

	p, _, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/a.png"}
	h := p.Request("post1", ref, 200, 200, work.PriorityVisible)
	waitState(t, updates, StateDecoded)

	out, pl, err := p.Place(h, 3, 1, 20, 8)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !bytes.Contains(out, []byte("a=t,q=2")) {
		t.Error("first placement should transmit the image")
	}
	if !bytes.Contains(out, []byte("a=p,q=2")) {
		t.Error("placement bytes missing place sequence")
	}
	if h.State() != StatePlaced {
		t.Errorf("state = %v, expected placed", h.State())
	}

	// Same region again: nothing to emit
	out2, pl2, err := p.Place(h, 3, 1, 20, 8)
	if err != nil {
		t.Fatalf("second Place: %v", err)
	}
	if len(out2) != 0 {
		t.Errorf("idempotent re-place should emit nothing, got %d bytes", len(out2))
	}
	if pl2 != pl {
		t.Error("idempotent re-place should return the existing placement")
	}

	// New region: delete old placement first, no re-transmit
	out3, pl3, err := p.Place(h, 10, 1, 20, 8)
	if err != nil {
		t.Fatalf("relocating Place: %v", err)
	}
	if !bytes.Contains(out3, []byte("a=d,q=2")) {
		t.Error("relocation should delete the previous placement")
	}
	if bytes.Contains(out3, []byte("a=t,q=2")) {
		t.Error("relocation should reuse the transmitted image")
	}
	deleteIdx := bytes.Index(out3, []byte("a=d"))
	placeIdx := bytes.Index(out3, []byte("a=p"))
	if deleteIdx > placeIdx {
		t.Error("delete must precede the new placement")
	}

	// Clear, then a stale clear is a no-op
	cleared := p.Clear(pl3)
	if !bytes.Contains(cleared, []byte("a=d,q=2")) {
		t.Error("clear should emit the delete sequence")
	}
	if again := p.Clear(pl3); again != nil {
		t.Error("repeated clear should emit nothing")
	}
	if stale := p.Clear(pl); stale != nil {
		t.Error("stale placement clear should emit nothing")
	}
	if h.State() != StateCleared {
		t.Errorf("state = %v, expected cleared", h.State())
	}
}

func TestClearAllForcesRetransmit(t *testing.T) {
	pngData := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer srv.Close()

	p, _, updates, cleanup := newTestPipeline(t, true)
	defer cleanup()

	ref := &feed.MediaRef{Kind: feed.MediaImage, URL: srv.URL + "/a.png"}
	h := p.Request("post1", ref, 200, 200, work.PriorityVisible)
	waitState(t, updates, StateDecoded)

	if _, _, err := p.Place(h, 1, 1, 10, 5); err != nil {
		t.Fatalf("Place: %v", err)
	}

	wipe := p.ClearAll()
	if !bytes.Contains(wipe, []byte("a=d,d=A")) {
		t.Errorf("ClearAll should emit delete-all, got %q", wipe)
	}

	// Terminal forgot the image; next placement must transmit again
	out, _, err := p.Place(h, 1, 1, 10, 5)
	if err != nil {
		t.Fatalf("Place after ClearAll: %v", err)
	}
	if !bytes.Contains(out, []byte("a=t,q=2")) {
		t.Error("placement after ClearAll should re-transmit")
	}
}
