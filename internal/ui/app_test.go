package ui

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/media"
)

// recController records every call the view makes.
type recController struct {
	calls     []string
	placeData []byte
	placeErr  error
	clearData []byte
	launchErr error
}

func (r *recController) ShowFeed(src feed.SourceKind, feedName string, sort feed.Sort) {
	r.calls = append(r.calls, fmt.Sprintf("show:%s/%s@%s", src, feedName, sort))
}

func (r *recController) ViewportChanged(first, last int) {
	r.calls = append(r.calls, fmt.Sprintf("viewport:%d-%d", first, last))
}

func (r *recController) EnterThread(postID string) {
	r.calls = append(r.calls, "enter:"+postID)
}

func (r *recController) ExpandComments(postID, nodeID string) {
	r.calls = append(r.calls, fmt.Sprintf("expand:%s/%s", postID, nodeID))
}

func (r *recController) SetCommentSort(postID string, sort feed.CommentSort) {
	r.calls = append(r.calls, fmt.Sprintf("csort:%s@%s", postID, sort))
}

func (r *recController) LeaveThread() {
	r.calls = append(r.calls, "leave")
}

func (r *recController) Refresh() {
	r.calls = append(r.calls, "refresh")
}

func (r *recController) PlaceItem(itemID string, row, col, cols, rows int) ([]byte, error) {
	r.calls = append(r.calls, fmt.Sprintf("place:%s@%d,%d", itemID, row, col))
	return r.placeData, r.placeErr
}

func (r *recController) ClearItem(itemID string) []byte {
	r.calls = append(r.calls, "clear:"+itemID)
	return r.clearData
}

func (r *recController) LaunchItem(itemID string) error {
	r.calls = append(r.calls, "launch:"+itemID)
	return r.launchErr
}

func (r *recController) has(prefix string) bool {
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (r *recController) last(prefix string) string {
	out := ""
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			out = c
		}
	}
	return out
}

var testFeeds = []FeedSpec{
	{Source: feed.SourceReddit, Name: "r/golang", Sort: feed.SortHot},
	{Source: feed.SourceReddit, Name: "r/programming", Sort: feed.SortHot},
}

func newTestApp(opts ViewOptions) (App, *recController) {
	ctrl := &recController{}
	feeds := make([]FeedSpec, len(testFeeds))
	copy(feeds, testFeeds)
	app := NewApp(ctrl, &bytes.Buffer{}, feeds, opts, nil, nil)
	model, _ := app.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return model.(App), ctrl
}

func testRows(n int) []ItemRow {
	rows := make([]ItemRow, n)
	for i := range rows {
		rows[i] = ItemRow{
			ID:      fmt.Sprintf("item-%d", i),
			Title:   fmt.Sprintf("Post %d", i),
			Author:  "alice",
			Created: time.Now().Add(-time.Hour),
		}
	}
	return rows
}

func loadRows(t *testing.T, app App, rows []ItemRow) App {
	t.Helper()
	model, _ := app.Update(FeedLoaded{
		Source: feed.SourceReddit,
		Feed:   "r/golang",
		Sort:   feed.SortHot,
		Rows:   rows,
	})
	return model.(App)
}

func key(k string) tea.KeyMsg {
	switch k {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEscape}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func press(app App, k string) (App, tea.Cmd) {
	model, cmd := app.Update(key(k))
	return model.(App), cmd
}

// runCmd executes a command tree, returning every message it produced.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	var msgs []tea.Msg
	switch msg := cmd().(type) {
	case tea.BatchMsg:
		for _, c := range msg {
			msgs = append(msgs, runCmd(c)...)
		}
	case nil:
	default:
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestInitRequestsFirstFeed(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})

	runCmd(app.Init())

	if !ctrl.has("show:reddit/r/golang@hot") {
		t.Errorf("Init should show the first feed, calls: %v", ctrl.calls)
	}
}

func TestNavigationMovesCursorAndViewport(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(20))

	// ThumbCols 0 gives 3-row cards; 22 content rows show 7 cards.
	if got := ctrl.last("viewport:"); got != "viewport:0-6" {
		t.Fatalf("initial viewport = %q, want viewport:0-6", got)
	}

	app, _ = press(app, "j")
	if app.Cursor() != 1 {
		t.Errorf("j should move cursor to 1, got %d", app.Cursor())
	}

	app, _ = press(app, "k")
	app, _ = press(app, "k")
	if app.Cursor() != 0 {
		t.Errorf("k at top should keep cursor at 0, got %d", app.Cursor())
	}

	app, _ = press(app, "G")
	if app.Cursor() != 19 {
		t.Errorf("G should move cursor to 19, got %d", app.Cursor())
	}
	if got := ctrl.last("viewport:"); got != "viewport:13-19" {
		t.Errorf("viewport after G = %q, want viewport:13-19", got)
	}

	app, _ = press(app, "g")
	if app.Cursor() != 0 {
		t.Errorf("g should move cursor to 0, got %d", app.Cursor())
	}
}

func TestEnterThreadAndBack(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(5))

	app, _ = press(app, "j")
	app, _ = press(app, "enter")
	if !ctrl.has("enter:item-1") {
		t.Fatalf("enter should open item-1's thread, calls: %v", ctrl.calls)
	}
	if app.mode != modeThread {
		t.Error("enter should switch to thread mode")
	}

	model, _ := app.Update(ThreadLoaded{
		PostID: "item-1",
		Sort:   feed.CommentsBest,
		Rows: []CommentRow{
			{ID: "c1", Author: "bob", Body: "first"},
			{ID: "c2", Author: "eve", Body: "second", Depth: 1},
		},
	})
	app = model.(App)
	if len(app.thRows) != 2 {
		t.Fatalf("thread rows = %d, want 2", len(app.thRows))
	}

	app, _ = press(app, "esc")
	if app.mode != modeFeed {
		t.Error("esc should return to feed mode")
	}
	if !ctrl.has("leave") {
		t.Error("esc should tell the controller the thread closed")
	}
	if got := ctrl.last("viewport:"); got != "viewport:0-4" {
		t.Errorf("viewport after leaving = %q, want viewport:0-4", got)
	}
}

func TestThreadLoadedForOtherPostIgnored(t *testing.T) {
	app, _ := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))
	app, _ = press(app, "enter")

	model, _ := app.Update(ThreadLoaded{
		PostID: "item-9",
		Rows:   []CommentRow{{ID: "c1", Author: "bob"}},
	})
	app = model.(App)
	if len(app.thRows) != 0 {
		t.Error("rows for another post should be dropped")
	}
}

func TestExpandCommentsOnMoreRow(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))
	app, _ = press(app, "enter")

	model, _ := app.Update(ThreadLoaded{
		PostID: "item-0",
		Rows: []CommentRow{
			{ID: "c1", Author: "bob", Body: "hi", HasMore: true, MoreCount: 4},
			{HasMore: true, MoreCount: 12}, // trailing top-level stub
		},
	})
	app = model.(App)

	app, _ = press(app, "e")
	if !ctrl.has("expand:item-0/c1") {
		t.Errorf("e on a comment with hidden replies should expand it, calls: %v", ctrl.calls)
	}

	app, _ = press(app, "j")
	app, _ = press(app, "e")
	if !ctrl.has("expand:item-0/") {
		t.Errorf("e on the trailing stub should expand the root level, calls: %v", ctrl.calls)
	}
}

func TestCommentSortCycles(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))
	app, _ = press(app, "enter")

	app, _ = press(app, "c")
	if !ctrl.has("csort:item-0@top") {
		t.Errorf("c should advance best to top, calls: %v", ctrl.calls)
	}
}

func TestFeedCyclingResetsView(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(10))
	app, _ = press(app, "G")

	app, _ = press(app, "tab")
	if !ctrl.has("show:reddit/r/programming@hot") {
		t.Fatalf("tab should show the next feed, calls: %v", ctrl.calls)
	}
	if app.Cursor() != 0 {
		t.Errorf("switching feeds should reset the cursor, got %d", app.Cursor())
	}
	if len(app.Rows()) != 0 {
		t.Error("switching feeds should drop the old rows")
	}

	app, _ = press(app, "[")
	if got := ctrl.last("show:"); got != "show:reddit/r/golang@hot" {
		t.Errorf("[ should cycle back, last show = %q", got)
	}
}

func TestSortCycling(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))

	app, _ = press(app, "s")
	if !ctrl.has("show:reddit/r/golang@new") {
		t.Errorf("s should advance hot to new, calls: %v", ctrl.calls)
	}
}

func TestRefreshAndError(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))

	app, _ = press(app, "r")
	if !ctrl.has("refresh") {
		t.Fatal("r should trigger a refresh")
	}

	model, _ := app.Update(RefreshDone{Err: errors.New("reddit went away")})
	app = model.(App)
	view := app.View()
	if !strings.Contains(view, "reddit went away") {
		t.Error("refresh errors should show in the view")
	}

	// Any key dismisses the error.
	app, _ = press(app, "j")
	if strings.Contains(app.View(), "reddit went away") {
		t.Error("a key press should dismiss the error")
	}
}

func TestLaunchErrorSurfaces(t *testing.T) {
	app, ctrl := newTestApp(ViewOptions{})
	ctrl.launchErr = errors.New("no player found")
	rows := testRows(3)
	rows[0].HasMedia = true
	rows[0].HasVideo = true
	app = loadRows(t, app, rows)

	app, _ = press(app, "v")
	if !ctrl.has("launch:item-0") {
		t.Fatal("v should launch the selected item")
	}
	if app.err == nil || !strings.Contains(app.err.Error(), "no player") {
		t.Errorf("launch error should surface, got %v", app.err)
	}
}

func TestPlacementFlow(t *testing.T) {
	opts := ViewOptions{Graphics: true, ThumbCols: 18, ThumbRows: 8}
	ctrl := &recController{placeData: []byte("ESC")}
	out := &bytes.Buffer{}
	app := NewApp(ctrl, out, testFeeds, opts, nil, nil)
	model, _ := app.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	app = model.(App)

	rows := testRows(6)
	for i := range rows {
		rows[i].HasMedia = true
	}
	model, cmd := app.Update(FeedLoaded{Rows: rows, Sort: feed.SortHot})
	app = model.(App)

	// 8-row cards in 22 content rows show 2 cards.
	if got := ctrl.last("viewport:"); got != "viewport:0-1" {
		t.Fatalf("viewport = %q, want viewport:0-1", got)
	}

	msgs := runCmd(cmd)
	if !ctrl.has("place:item-0@2,1") {
		t.Errorf("first card should place at row 2 col 1, calls: %v", ctrl.calls)
	}
	if !ctrl.has("place:item-1@10,1") {
		t.Errorf("second card should place at row 10, calls: %v", ctrl.calls)
	}
	if out.Len() == 0 {
		t.Error("placement bytes should reach the writer")
	}

	var placed placedMsg
	found := false
	for _, msg := range msgs {
		if p, ok := msg.(placedMsg); ok {
			placed = p
			found = true
		}
	}
	if !found {
		t.Fatal("placement should report which items were placed")
	}
	model, _ = app.Update(placed)
	app = model.(App)
	if app.mediaState["item-0"] != media.StatePlaced {
		t.Errorf("item-0 state = %v, want placed", app.mediaState["item-0"])
	}
}

func TestDecodedUpdateTriggersPlacement(t *testing.T) {
	opts := ViewOptions{Graphics: true, ThumbCols: 18, ThumbRows: 8}
	ctrl := &recController{placeData: []byte("ESC")}
	app := NewApp(ctrl, &bytes.Buffer{}, testFeeds, opts, nil, nil)
	model, _ := app.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	app = model.(App)
	rows := testRows(4)
	for i := range rows {
		rows[i].HasMedia = true
	}
	app = loadRows(t, app, rows)
	ctrl.calls = nil

	model, cmd := app.Update(MediaUpdated{Update: media.Update{
		Key: "k0", ItemID: "item-0", State: media.StateDecoded,
	}})
	app = model.(App)
	runCmd(cmd)
	if !ctrl.has("place:item-0") {
		t.Errorf("a decoded visible item should be placed, calls: %v", ctrl.calls)
	}

	// Off-screen items must not trigger placement.
	ctrl.calls = nil
	_, cmd = app.Update(MediaUpdated{Update: media.Update{
		Key: "k3", ItemID: "item-3", State: media.StateDecoded,
	}})
	runCmd(cmd)
	if ctrl.has("place:item-3") {
		t.Errorf("off-screen decode should not place, calls: %v", ctrl.calls)
	}
}

func TestOverlayClearsAndRestoresPlacements(t *testing.T) {
	opts := ViewOptions{Graphics: true, ThumbCols: 18, ThumbRows: 8}
	ctrl := &recController{placeData: []byte("ESC"), clearData: []byte("CLR")}
	app := NewApp(ctrl, &bytes.Buffer{}, testFeeds, opts, nil, nil)
	model, _ := app.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	app = model.(App)
	rows := testRows(4)
	for i := range rows {
		rows[i].HasMedia = true
	}
	app = loadRows(t, app, rows)
	ctrl.calls = nil

	app, cmd := press(app, "?")
	runCmd(cmd)
	if !ctrl.has("clear:item-0") || !ctrl.has("clear:item-1") {
		t.Errorf("opening an overlay should clear visible thumbs, calls: %v", ctrl.calls)
	}

	ctrl.calls = nil
	app, cmd = press(app, "x") // any key closes help
	runCmd(cmd)
	if app.overlay != overlayNone {
		t.Fatal("help should close on any key")
	}
	if !ctrl.has("place:item-0") {
		t.Errorf("closing the overlay should re-place thumbs, calls: %v", ctrl.calls)
	}
}

func TestHelpOverlayRenders(t *testing.T) {
	app, _ := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))

	app, _ = press(app, "?")
	view := app.View()
	if !strings.Contains(view, "cycle sort") || !strings.Contains(view, "quit") {
		t.Error("help overlay should list key bindings")
	}
}

func TestWorkOverlayNeedsPool(t *testing.T) {
	app, _ := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))

	app, _ = press(app, "w")
	if app.overlay != overlayNone {
		t.Error("w without a pool should do nothing")
	}
}

func TestViewLineCountMatchesHeight(t *testing.T) {
	app, _ := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(20))

	lines := strings.Split(app.View(), "\n")
	if len(lines) != 24 {
		t.Errorf("view has %d lines, want 24", len(lines))
	}

	app, _ = press(app, "enter")
	model, _ := app.Update(ThreadLoaded{
		PostID: "item-0",
		Rows:   []CommentRow{{ID: "c1", Author: "bob", Body: "hello world"}},
	})
	app = model.(App)
	lines = strings.Split(app.View(), "\n")
	if len(lines) != 24 {
		t.Errorf("thread view has %d lines, want 24", len(lines))
	}
}

func TestAppendKeepsCursor(t *testing.T) {
	app, _ := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(10))
	app, _ = press(app, "G")

	model, _ := app.Update(FeedLoaded{
		Rows:     testRows(20),
		Sort:     feed.SortHot,
		Appended: true,
		HaveMore: false,
	})
	app = model.(App)
	if app.Cursor() != 9 {
		t.Errorf("append should keep the cursor, got %d", app.Cursor())
	}
	if len(app.Rows()) != 20 {
		t.Errorf("append should extend rows to 20, got %d", len(app.Rows()))
	}
}
