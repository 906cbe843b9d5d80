// Package media drives inline media: downloads and decodes through the
// work pool, content-addressed caching through mediastore, terminal
// placement through the graphics codec, and external players for video.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/graphics"
	"github.com/finchtail/lurker/internal/logging"
	"github.com/finchtail/lurker/internal/mediastore"
	"github.com/finchtail/lurker/internal/work"
)

const (
	defaultMaxDownload = 20 * 1024 * 1024
	downloadChunkSize  = 32 * 1024
)

var (
	// ErrProtocolUnsupported means the terminal cannot display inline
	// graphics; detected once at startup and fixed for the session.
	ErrProtocolUnsupported = errors.New("inline graphics not supported by this terminal")

	// ErrNotDecoded means Place was called before the asset reached the
	// decoded state (or its cached frame and bytes were both evicted).
	ErrNotDecoded = errors.New("media not decoded")

	// ErrTooLarge means the download exceeded the per-asset byte cap.
	ErrTooLarge = errors.New("media exceeds size cap")
)

// State is the lifecycle of a media asset.
type State int

const (
	StateRequested State = iota
	StateDownloading
	StateDecoded
	StatePlaced
	StateCleared
	StateFailed
	StateVideo       // resolved to an external-player directive
	StatePlaceholder // inline graphics unavailable, text placeholder only
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateDownloading:
		return "downloading"
	case StateDecoded:
		return "decoded"
	case StatePlaced:
		return "placed"
	case StateCleared:
		return "cleared"
	case StateFailed:
		return "failed"
	case StateVideo:
		return "video"
	case StatePlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// Update reports an asset state change to the registered notify func.
type Update struct {
	Key     string
	ItemID  string
	State   State
	Err     error
	Playing bool // external player liveness, video assets only
}

// asset is the pipeline's record of one piece of media, keyed by the
// url key of its chosen preview variant.
type asset struct {
	key      string
	itemID   string
	url      string
	state    State
	priority int

	hash  string
	frame image.Image
	err   error

	directive LaunchDirective
	session   *PlayerSession
}

// Handle identifies a requested asset for later Cancel/Place/Launch calls.
type Handle struct {
	p      *Pipeline
	Key    string
	ItemID string
}

// State returns the asset's current lifecycle state.
func (h *Handle) State() State {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if a := h.p.assets[h.Key]; a != nil {
		return a.state
	}
	return StateRequested
}

// Err returns the failure reason for assets in the failed state.
func (h *Handle) Err() error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if a := h.p.assets[h.Key]; a != nil {
		return a.err
	}
	return nil
}

// Directive returns the player invocation for video assets.
func (h *Handle) Directive() (LaunchDirective, bool) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if a := h.p.assets[h.Key]; a != nil && a.state == StateVideo {
		return a.directive, true
	}
	return LaunchDirective{}, false
}

// Placement ties a placed asset to one on-screen cell region.
type Placement struct {
	Key  string
	ID   uint32
	Row  int
	Col  int
	Cols int
	Rows int
}

// Options configures a Pipeline.
type Options struct {
	Capability    graphics.Capability
	UserAgent     string
	MaxDownload   int64 // per-asset cap, default 20 MB
	PlayerCommand []string
	PlayerDetach  bool
	HTTPClient    *http.Client
}

// Pipeline owns media asset state. Download/decode work runs on the
// shared pool; completed bytes and frames live in the media store.
type Pipeline struct {
	pool      *work.Pool
	store     *mediastore.Store
	codec     *graphics.Codec // nil when the protocol is unsupported
	player    *Player
	client    *http.Client
	userAgent string
	maxBytes  int64
	playerCmd []string

	notifyMu sync.RWMutex
	notify   func(Update)

	mu          sync.Mutex
	assets      map[string]*asset
	inflight    map[string]string // url key -> task id
	placements  map[string]*Placement
	transmitted map[uint32]bool
}

// NewPipeline creates a pipeline on top of an already-started pool.
func NewPipeline(pool *work.Pool, store *mediastore.Store, opts Options) *Pipeline {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxBytes := opts.MaxDownload
	if maxBytes <= 0 {
		maxBytes = defaultMaxDownload
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "lurker/1.0 (terminal reader)"
	}

	p := &Pipeline{
		pool:        pool,
		store:       store,
		client:      client,
		userAgent:   userAgent,
		maxBytes:    maxBytes,
		playerCmd:   opts.PlayerCommand,
		assets:      make(map[string]*asset),
		inflight:    make(map[string]string),
		placements:  make(map[string]*Placement),
		transmitted: make(map[uint32]bool),
	}
	if opts.Capability.Graphics {
		p.codec = graphics.NewCodec(opts.Capability.Tmux)
	}
	p.player = NewPlayer(opts.PlayerDetach, p.playerExited)
	return p
}

// SetNotify registers the state-change callback. Must be set before the
// first Request.
func (p *Pipeline) SetNotify(fn func(Update)) {
	p.notifyMu.Lock()
	p.notify = fn
	p.notifyMu.Unlock()
}

func (p *Pipeline) send(u Update) {
	p.notifyMu.RLock()
	fn := p.notify
	p.notifyMu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

// GraphicsEnabled reports whether inline placement is available this session.
func (p *Pipeline) GraphicsEnabled() bool { return p.codec != nil }

// PlayersRunning returns the number of live external player processes.
func (p *Pipeline) PlayersRunning() int { return p.player.Running() }

// Shutdown stops non-detached players. The work pool is owned by the
// caller and stopped separately.
func (p *Pipeline) Shutdown() { p.player.Shutdown() }

// Request enqueues media for an item, or resolves it immediately when the
// content is already decoded, a video, or graphics are off. pxWidth and
// pxHeight bound the decoded frame; priority orders the download queue.
// Requesting in-flight content again only promotes its priority.
func (p *Pipeline) Request(itemID string, ref *feed.MediaRef, pxWidth, pxHeight, priority int) *Handle {
	if ref == nil {
		return nil
	}

	if ref.Kind == feed.MediaVideo || feed.IsVideoURL(ref.URL) {
		return p.requestVideo(itemID, ref)
	}

	url := ref.PreviewFor(pxWidth)
	if url == "" {
		url = ref.URL
	}
	key := mediastore.URLKey(url)
	h := &Handle{p: p, Key: key, ItemID: itemID}

	if p.codec == nil {
		p.mu.Lock()
		a := p.assets[key]
		if a == nil {
			a = &asset{key: key, itemID: itemID, url: url, state: StatePlaceholder}
			p.assets[key] = a
		}
		u := p.updateFor(a)
		p.mu.Unlock()
		p.send(u)
		return h
	}

	p.mu.Lock()
	if a := p.assets[key]; a != nil {
		switch a.state {
		case StateDecoded, StatePlaced, StateCleared:
			// Already resolved; no network access.
			u := p.updateFor(a)
			p.mu.Unlock()
			p.send(u)
			return h
		case StateRequested, StateDownloading:
			if priority > a.priority {
				a.priority = priority
				if taskID, ok := p.inflight[key]; ok {
					p.pool.UpdatePriority(taskID, priority)
				}
			}
			p.mu.Unlock()
			return h
		case StateFailed:
			// Failed prefetches stay failed until the item is actually
			// visible; a visible-or-better request retries.
			if priority < work.PriorityVisible {
				p.mu.Unlock()
				return h
			}
		}
	}

	a := &asset{key: key, itemID: itemID, url: url, state: StateRequested, priority: priority}
	p.assets[key] = a
	p.enqueueLocked(a, pxWidth, pxHeight, priority)
	p.mu.Unlock()

	return h
}

// enqueueLocked submits the download/decode task for an asset. Holding
// p.mu across submission keeps Cancel from racing the inflight record.
func (p *Pipeline) enqueueLocked(a *asset, pxWidth, pxHeight, priority int) {
	taskID := p.pool.SubmitWithProgress(work.TypeDownload, "media "+shortURL(a.url), a.key, priority,
		func(ctx context.Context, progress func(pct float64, msg string)) (string, error) {
			p.markDownloading(a)
			result, err := p.obtain(ctx, a, pxWidth, pxHeight, progress)
			p.settle(a, err)
			return result, err
		})
	p.inflight[a.key] = taskID
}

func (p *Pipeline) markDownloading(a *asset) {
	p.mu.Lock()
	if p.assets[a.key] != a || a.state != StateRequested {
		p.mu.Unlock()
		return
	}
	a.state = StateDownloading
	u := p.updateFor(a)
	p.mu.Unlock()
	p.send(u)
}

// obtain resolves bytes (store first, then network), decodes, downscales
// to the requested pixel box, and caches the frame.
func (p *Pipeline) obtain(ctx context.Context, a *asset, pxWidth, pxHeight int, progress func(float64, string)) (string, error) {
	if hash, ok := p.store.Resolve(a.key); ok {
		if frame, ok := p.store.GetFrame(hash); ok {
			p.adopt(a, hash, frame)
			return "cached", nil
		}
		if data, ok := p.store.GetBytes(hash); ok {
			frame, err := DecodeFrame(a.url, data)
			if err == nil {
				fitted := FitFrame(frame, pxWidth, pxHeight)
				p.store.PutFrame(hash, fitted)
				p.adopt(a, hash, fitted)
				return humanize.Bytes(uint64(len(data))) + " (cached)", nil
			}
			// Cached bytes no longer decode; drop and re-download.
			logging.Warn("Dropping undecodable cached media", "url", a.url, "error", err)
			p.store.Delete(hash)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, contentType, err := p.download(ctx, a.url, progress)
	if err != nil {
		return "", err
	}

	hash, err := p.store.Put(a.key, data, contentType)
	if err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}

	frame, err := DecodeFrame(a.url, data)
	if err != nil {
		return "", err
	}
	fitted := FitFrame(frame, pxWidth, pxHeight)
	p.store.PutFrame(hash, fitted)
	p.adopt(a, hash, fitted)

	return humanize.Bytes(uint64(len(data))), nil
}

func (p *Pipeline) adopt(a *asset, hash string, frame image.Image) {
	p.mu.Lock()
	a.hash = hash
	a.frame = frame
	p.mu.Unlock()
}

// settle records the task outcome. Cancellations remove the asset
// silently so a later request starts clean.
func (p *Pipeline) settle(a *asset, err error) {
	p.mu.Lock()
	if p.assets[a.key] != a {
		p.mu.Unlock()
		return
	}
	delete(p.inflight, a.key)

	var u Update
	switch {
	case err == nil:
		a.state = StateDecoded
		u = p.updateFor(a)
	case errors.Is(err, context.Canceled):
		delete(p.assets, a.key)
		p.mu.Unlock()
		return
	default:
		a.state = StateFailed
		a.err = err
		u = p.updateFor(a)
	}
	p.mu.Unlock()
	p.send(u)
}

// download reads the body in chunks, checking for cancellation at each
// chunk boundary so abandoned downloads never reach the store.
func (p *Pipeline) download(ctx context.Context, rawURL string, progress func(float64, string)) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &feed.RequestError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &feed.RequestError{URL: rawURL, Status: resp.StatusCode}
	}

	total := resp.ContentLength
	if total > p.maxBytes {
		return nil, "", fmt.Errorf("%s: %w", rawURL, ErrTooLarge)
	}

	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}

	chunk := make([]byte, downloadChunkSize)
	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		n, err := resp.Body.Read(chunk)
		if n > 0 {
			read += int64(n)
			if read > p.maxBytes {
				return nil, "", fmt.Errorf("%s: %w", rawURL, ErrTooLarge)
			}
			buf.Write(chunk[:n])
			if total > 0 {
				progress(float64(read)/float64(total),
					fmt.Sprintf("%s of %s", humanize.Bytes(uint64(read)), humanize.Bytes(uint64(total))))
			} else {
				progress(0, humanize.Bytes(uint64(read)))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			return nil, "", &feed.RequestError{URL: rawURL, Err: err}
		}
	}

	return buf.Bytes(), resp.Header.Get("Content-Type"), nil
}

// Cancel abandons a pending or in-flight request. In-progress downloads
// stop at the next chunk boundary and their partial bytes are discarded.
// Decoded and placed assets are unaffected.
func (p *Pipeline) Cancel(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	a := p.assets[h.Key]
	if a == nil || (a.state != StateRequested && a.state != StateDownloading) {
		p.mu.Unlock()
		return
	}
	taskID, inflight := p.inflight[h.Key]
	delete(p.inflight, h.Key)
	delete(p.assets, h.Key)
	p.mu.Unlock()

	if inflight {
		p.pool.Cancel(taskID)
	}
}

// requestVideo resolves a video ref to a launch directive without any
// download; playback is explicit via Launch.
func (p *Pipeline) requestVideo(itemID string, ref *feed.MediaRef) *Handle {
	url := feed.SanitizeURL(ref.URL)
	key := mediastore.URLKey(url)
	h := &Handle{p: p, Key: key, ItemID: itemID}

	p.mu.Lock()
	a := p.assets[key]
	if a == nil {
		a = &asset{key: key, itemID: itemID, url: url, state: StateVideo}
		d, err := NewLaunchDirective(p.playerCmd, url)
		if err != nil {
			a.state = StateFailed
			a.err = err
		} else {
			a.directive = d
		}
		p.assets[key] = a
	}
	u := p.updateFor(a)
	p.mu.Unlock()
	p.send(u)
	return h
}

// Launch starts the external player for a video asset. A second Launch
// while the player is alive returns the running session.
func (p *Pipeline) Launch(h *Handle) (*PlayerSession, error) {
	if h == nil {
		return nil, errors.New("nil handle")
	}

	p.mu.Lock()
	a := p.assets[h.Key]
	if a == nil || a.state != StateVideo {
		p.mu.Unlock()
		return nil, errors.New("not a playable video")
	}
	if a.session != nil && a.session.Alive() {
		s := a.session
		p.mu.Unlock()
		return s, nil
	}
	d := a.directive
	p.mu.Unlock()

	session, err := p.player.Launch(d)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if cur := p.assets[h.Key]; cur != nil {
		cur.session = session
	}
	u := Update{Key: h.Key, ItemID: h.ItemID, State: StateVideo, Playing: true}
	p.mu.Unlock()
	p.send(u)
	return session, nil
}

func (p *Pipeline) playerExited(url string, err error) {
	key := mediastore.URLKey(url)

	p.mu.Lock()
	var itemID string
	if a := p.assets[key]; a != nil {
		a.session = nil
		itemID = a.itemID
	}
	p.mu.Unlock()

	_ = err // player exit codes are logged by Player, not surfaced per item
	p.send(Update{Key: key, ItemID: itemID, State: StateVideo, Playing: false})
}

// Place transmits (once per image id) and places a decoded frame at a
// cell region, returning the bytes to write to the terminal. Placing the
// same asset at the same region again is a no-op; placing it elsewhere
// deletes the old placement first.
func (p *Pipeline) Place(h *Handle, row, col, cols, rows int) ([]byte, *Placement, error) {
	if h == nil {
		return nil, nil, ErrNotDecoded
	}
	if p.codec == nil {
		return nil, nil, ErrProtocolUnsupported
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.assets[h.Key]
	if a == nil {
		return nil, nil, ErrNotDecoded
	}
	switch a.state {
	case StateDecoded, StatePlaced, StateCleared:
	default:
		return nil, nil, ErrNotDecoded
	}

	if a.frame == nil {
		if frame, ok := p.store.GetFrame(a.hash); ok {
			a.frame = frame
		} else if data, ok := p.store.GetBytes(a.hash); ok {
			frame, err := DecodeFrame(a.url, data)
			if err != nil {
				return nil, nil, err
			}
			a.frame = frame
			p.store.PutFrame(a.hash, frame)
		} else {
			return nil, nil, ErrNotDecoded
		}
	}

	if cur := p.placements[h.Key]; cur != nil &&
		cur.Row == row && cur.Col == col && cur.Cols == cols && cur.Rows == rows {
		return nil, cur, nil
	}

	id := graphics.ImageID(a.itemID, a.url)
	var out bytes.Buffer

	if cur := p.placements[h.Key]; cur != nil {
		out.Write(p.codec.Delete(cur.ID))
		delete(p.placements, h.Key)
	}

	if !p.transmitted[id] {
		data, err := p.codec.Transmit(id, a.frame)
		if err != nil {
			return nil, nil, err
		}
		out.Write(data)
		p.transmitted[id] = true
	}

	out.Write(p.codec.PlaceAt(id, col, row, cols, rows))

	pl := &Placement{Key: h.Key, ID: id, Row: row, Col: col, Cols: cols, Rows: rows}
	p.placements[h.Key] = pl
	a.state = StatePlaced

	return out.Bytes(), pl, nil
}

// Clear removes a placement, returning the delete sequence to write.
// Stale or repeated clears return nil.
func (p *Pipeline) Clear(pl *Placement) []byte {
	if pl == nil || p.codec == nil {
		return nil
	}

	p.mu.Lock()
	cur := p.placements[pl.Key]
	if cur != pl {
		p.mu.Unlock()
		return nil
	}
	delete(p.placements, pl.Key)
	if a := p.assets[pl.Key]; a != nil && a.state == StatePlaced {
		a.state = StateCleared
	}
	p.mu.Unlock()

	return p.codec.Delete(pl.ID)
}

// ClearKey drops whatever placement the key currently holds. Used when an
// item scrolls out of the viewport and its placement pointer lives with the
// render side.
func (p *Pipeline) ClearKey(key string) []byte {
	if p.codec == nil {
		return nil
	}

	p.mu.Lock()
	cur := p.placements[key]
	if cur == nil {
		p.mu.Unlock()
		return nil
	}
	delete(p.placements, key)
	if a := p.assets[key]; a != nil && a.state == StatePlaced {
		a.state = StateCleared
	}
	p.mu.Unlock()

	return p.codec.Delete(cur.ID)
}

// ClearAll drops every placement and transmitted image, returning the
// delete-all sequence. Used on view switches and shutdown.
func (p *Pipeline) ClearAll() []byte {
	if p.codec == nil {
		return nil
	}

	p.mu.Lock()
	p.placements = make(map[string]*Placement)
	p.transmitted = make(map[uint32]bool)
	for _, a := range p.assets {
		if a.state == StatePlaced {
			a.state = StateCleared
		}
	}
	p.mu.Unlock()

	return p.codec.DeleteAll()
}

// updateFor builds an Update snapshot; callers hold p.mu.
func (p *Pipeline) updateFor(a *asset) Update {
	return Update{
		Key:     a.key,
		ItemID:  a.itemID,
		State:   a.state,
		Err:     a.err,
		Playing: a.session != nil && a.session.Alive(),
	}
}

func shortURL(url string) string {
	const max = 60
	if len(url) <= max {
		return url
	}
	return url[:max-1] + "…"
}
