package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/media"
	"github.com/finchtail/lurker/internal/ui/workview"
	"github.com/finchtail/lurker/internal/work"
)

// Controller is the surface the view drives. Every call is non-blocking:
// fetches run in the controller's own goroutines and results come back as
// messages through the program.
type Controller interface {
	ShowFeed(src feed.SourceKind, feedName string, sort feed.Sort)
	ViewportChanged(first, last int)
	EnterThread(postID string)
	ExpandComments(postID, nodeID string)
	SetCommentSort(postID string, sort feed.CommentSort)
	LeaveThread()
	Refresh()
	PlaceItem(itemID string, row, col, cols, rows int) ([]byte, error)
	ClearItem(itemID string) []byte
	LaunchItem(itemID string) error
}

// FeedSpec names one feed the user can cycle to.
type FeedSpec struct {
	Source feed.SourceKind
	Name   string
	Sort   feed.Sort
}

func (s FeedSpec) String() string {
	return fmt.Sprintf("%s/%s", s.Source, s.Name)
}

// ViewOptions controls thumbnail geometry and whether inline graphics are
// attempted at all. With ThumbCols zero the feed renders compact text cards.
type ViewOptions struct {
	Graphics  bool
	ThumbCols int
	ThumbRows int
}

// State tracks whether the current view has settled.
type State int

const (
	StateLoading State = iota
	StateReady
)

type viewMode int

const (
	modeFeed viewMode = iota
	modeThread
)

type overlayKind int

const (
	overlayNone overlayKind = iota
	overlayWork
	overlayHelp
	overlayStats
)

// workTickInterval drives the work overlay refresh while it is open.
const workTickInterval = 500 * time.Millisecond

// placedMsg reports thumbnails whose placement bytes were written, so the
// view stops drawing their placeholder boxes.
type placedMsg struct {
	ids []string
}

// clearedMsg reports thumbnails whose placements were deleted, typically to
// make room for an overlay.
type clearedMsg struct {
	ids []string
}

// App is the root Bubble Tea model.
// IMPORTANT: App does NOT hold cache or pipeline state. It drives the
// Controller and receives rows and media updates via messages.
type App struct {
	ctrl  Controller
	out   io.Writer
	pool  *work.Pool
	stats func() string

	feeds   []FeedSpec
	feedIdx int
	opts    ViewOptions

	mode    viewMode
	overlay overlayKind
	state   State

	rows        []ItemRow
	cursor      int
	scrollOff   int
	feedSort    feed.Sort
	stale       bool
	haveMore    bool
	loadingMore bool

	thPost   ItemRow
	thRows   []CommentRow
	thCursor int
	thScroll int
	thSort   feed.CommentSort

	mediaState map[string]media.State
	playing    map[string]bool // items with a live external player
	spinner    spinner.Model
	workView   workview.Model

	width  int
	height int
	ready  bool
	err    error
}

// NewApp creates the root model. out receives raw graphics escape sequences
// and must be the same writer the program renders to. pool and stats are
// optional overlay sources.
func NewApp(ctrl Controller, out io.Writer, feeds []FeedSpec, opts ViewOptions, pool *work.Pool, stats func() string) App {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	return App{
		ctrl:       ctrl,
		out:        out,
		pool:       pool,
		stats:      stats,
		feeds:      feeds,
		opts:       opts,
		state:      StateLoading,
		mediaState: make(map[string]media.State),
		playing:    make(map[string]bool),
		spinner:    sp,
		workView:   workview.New(pool),
	}
}

// Init starts the spinner and requests the first feed.
func (m App) Init() tea.Cmd {
	ctrl := m.ctrl
	spec := m.currentFeed()
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		ctrl.ShowFeed(spec.Source, spec.Name, spec.Sort)
		return nil
	})
}

func (m App) currentFeed() FeedSpec {
	if len(m.feeds) == 0 {
		return FeedSpec{Name: "?"}
	}
	return m.feeds[m.feedIdx%len(m.feeds)]
}

// Update handles messages and returns the updated model and any commands.
func (m App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.workView.SetSize(msg.Width-8, msg.Height-6)
		if m.mode == modeFeed && len(m.rows) > 0 {
			m.scrollOff = calcScrollOffset(m.cursor, m.scrollOff, m.visibleCards(), len(m.rows))
			m.sendViewport()
		}
		if m.mode == modeThread && len(m.thRows) > 0 {
			m.thScroll = m.threadScrollFor(m.thCursor, m.thScroll)
		}
		return m, m.placeCmd()

	case FeedLoaded:
		return m.handleFeedLoaded(msg)

	case ThreadLoaded:
		return m.handleThreadLoaded(msg)

	case MediaUpdated:
		return m.handleMediaUpdated(msg)

	case placedMsg:
		for _, id := range msg.ids {
			if m.mediaState[id] != media.StateFailed {
				m.mediaState[id] = media.StatePlaced
			}
		}
		return m, nil

	case clearedMsg:
		for _, id := range msg.ids {
			if m.mediaState[id] == media.StatePlaced {
				m.mediaState[id] = media.StateCleared
			}
		}
		return m, nil

	case RefreshDone:
		m.state = StateReady
		if msg.Err != nil {
			m.err = msg.Err
		}
		return m, nil

	case WorkTick:
		if m.overlay != overlayWork {
			return m, nil
		}
		m.workView.Refresh()
		return m, workTickCmd()

	case spinner.TickMsg:
		if !m.spinning() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m App) handleFeedLoaded(msg FeedLoaded) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.err = msg.Err
		m.state = StateReady
		m.loadingMore = false
		return m, nil
	}
	m.rows = msg.Rows
	m.feedSort = msg.Sort
	m.haveMore = msg.HaveMore
	m.state = StateReady
	if msg.Appended {
		m.loadingMore = false
		return m, nil
	}
	m.stale = msg.Stale
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	m.scrollOff = calcScrollOffset(m.cursor, m.scrollOff, m.visibleCards(), len(m.rows))
	if m.mode == modeFeed {
		m.sendViewport()
		return m, m.placeCmd()
	}
	return m, nil
}

func (m App) handleThreadLoaded(msg ThreadLoaded) (tea.Model, tea.Cmd) {
	if m.mode != modeThread || msg.PostID != m.thPost.ID {
		return m, nil
	}
	if msg.Err != nil {
		m.err = msg.Err
		m.state = StateReady
		return m, nil
	}
	m.thRows = msg.Rows
	m.thSort = msg.Sort
	m.stale = msg.Stale
	m.state = StateReady
	if m.thCursor >= len(m.thRows) {
		m.thCursor = len(m.thRows) - 1
	}
	if m.thCursor < 0 {
		m.thCursor = 0
	}
	m.thScroll = m.threadScrollFor(m.thCursor, m.thScroll)
	return m, m.placeCmd()
}

func (m App) handleMediaUpdated(msg MediaUpdated) (tea.Model, tea.Cmd) {
	u := msg.Update
	if u.ItemID == "" {
		return m, nil
	}
	was := m.spinning()
	m.mediaState[u.ItemID] = u.State
	if u.State == media.StateVideo {
		if u.Playing {
			m.playing[u.ItemID] = true
		} else {
			delete(m.playing, u.ItemID)
		}
	}

	var cmds []tea.Cmd
	if c := m.maybeSpin(was); c != nil {
		cmds = append(cmds, c)
	}
	// Decoded and cleared assets can be (re)placed without touching the
	// network; anything else waits for its next update.
	if u.State == media.StateDecoded || u.State == media.StateCleared {
		if m.itemOnScreen(u.ItemID) {
			cmds = append(cmds, m.placeCmd())
		}
	}
	if len(cmds) == 0 {
		return m, nil
	}
	return m, tea.Batch(cmds...)
}

// itemOnScreen reports whether an item's thumbnail cell region is visible.
func (m App) itemOnScreen(itemID string) bool {
	if m.mode == modeThread {
		return itemID == m.thPost.ID
	}
	first, last := m.visibleRange()
	for i := first; i <= last && i < len(m.rows); i++ {
		if m.rows[i].ID == itemID {
			return true
		}
	}
	return false
}

func (m App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	if m.err != nil {
		m.err = nil
	}
	if m.overlay != overlayNone {
		return m.handleOverlayKey(msg)
	}
	switch m.mode {
	case modeThread:
		return m.handleThreadKey(msg)
	default:
		return m.handleFeedKey(msg)
	}
}

func (m App) handleOverlayKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay == overlayWork {
		switch msg.String() {
		case "w", "esc", "q":
			m.overlay = overlayNone
			return m, m.placeCmd()
		case "p":
			m.workView.TogglePending()
		case "a":
			m.workView.ToggleActive()
		case "c":
			m.workView.ToggleCompleted()
		case "f":
			m.workView.ToggleFailed()
		case "x":
			m.workView.ClearHistory()
		}
		return m, nil
	}
	// Help and stats close on any key.
	m.overlay = overlayNone
	return m, m.placeCmd()
}

func (m App) handleFeedKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit

	case "j", "down":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
			return m.moved()
		}
		return m, nil

	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
			return m.moved()
		}
		return m, nil

	case "g", "home":
		m.cursor = 0
		return m.moved()

	case "G", "end":
		if len(m.rows) > 0 {
			m.cursor = len(m.rows) - 1
		}
		return m.moved()

	case "enter", "l":
		if len(m.rows) == 0 || m.cursor >= len(m.rows) {
			return m, nil
		}
		return m.enterThread(m.rows[m.cursor])

	case "o", "v":
		if len(m.rows) > 0 && m.cursor < len(m.rows) && m.rows[m.cursor].HasVideo {
			if err := m.ctrl.LaunchItem(m.rows[m.cursor].ID); err != nil {
				m.err = err
			}
		}
		return m, nil

	case "tab", "]":
		return m.switchFeed(1)

	case "shift+tab", "[":
		return m.switchFeed(-1)

	case "s":
		return m.cycleSort()

	case "r":
		was := m.spinning()
		m.state = StateLoading
		m.ctrl.Refresh()
		return m, m.maybeSpin(was)

	case "w":
		return m.openOverlay(overlayWork)

	case "d":
		return m.openOverlay(overlayStats)

	case "?":
		return m.openOverlay(overlayHelp)
	}

	return m, nil
}

func (m App) handleThreadKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit

	case "j", "down":
		if m.thCursor < len(m.thRows)-1 {
			m.thCursor++
			m.thScroll = m.threadScrollFor(m.thCursor, m.thScroll)
		}
		return m, nil

	case "k", "up":
		if m.thCursor > 0 {
			m.thCursor--
			m.thScroll = m.threadScrollFor(m.thCursor, m.thScroll)
		}
		return m, nil

	case "g", "home":
		m.thCursor = 0
		m.thScroll = 0
		return m, nil

	case "G", "end":
		if len(m.thRows) > 0 {
			m.thCursor = len(m.thRows) - 1
			m.thScroll = m.threadScrollFor(m.thCursor, m.thScroll)
		}
		return m, nil

	case "e", "enter":
		if m.thCursor < len(m.thRows) && m.thRows[m.thCursor].HasMore {
			m.ctrl.ExpandComments(m.thPost.ID, m.thRows[m.thCursor].ID)
		}
		return m, nil

	case "c":
		was := m.spinning()
		m.thSort = nextCommentSort(m.thSort)
		m.state = StateLoading
		m.ctrl.SetCommentSort(m.thPost.ID, m.thSort)
		return m, m.maybeSpin(was)

	case "o", "v":
		if m.thPost.HasVideo {
			if err := m.ctrl.LaunchItem(m.thPost.ID); err != nil {
				m.err = err
			}
		}
		return m, nil

	case "r":
		was := m.spinning()
		m.state = StateLoading
		m.ctrl.Refresh()
		return m, m.maybeSpin(was)

	case "esc", "h", "backspace":
		m.mode = modeFeed
		m.state = StateReady
		m.stale = false
		m.thRows = nil
		m.ctrl.LeaveThread()
		m.sendViewport()
		return m, m.placeCmd()

	case "w":
		return m.openOverlay(overlayWork)

	case "d":
		return m.openOverlay(overlayStats)

	case "?":
		return m.openOverlay(overlayHelp)
	}

	return m, nil
}

// openOverlay switches to an overlay, deleting visible image placements so
// nothing draws over the panel.
func (m App) openOverlay(kind overlayKind) (tea.Model, tea.Cmd) {
	if kind == overlayWork && m.pool == nil {
		return m, nil
	}
	m.overlay = kind
	cmds := []tea.Cmd{m.clearThumbsCmd()}
	if kind == overlayWork {
		m.workView.Refresh()
		cmds = append(cmds, workTickCmd())
	}
	return m, tea.Batch(cmds...)
}

// moved re-windows after a cursor change and tells the controller which
// items are now visible.
func (m App) moved() (tea.Model, tea.Cmd) {
	before := m.scrollOff
	m.scrollOff = calcScrollOffset(m.cursor, m.scrollOff, m.visibleCards(), len(m.rows))
	m.sendViewport()
	if m.haveMore && m.cursor >= len(m.rows)-1 {
		m.loadingMore = true
	}
	if m.scrollOff != before {
		return m, m.placeCmd()
	}
	return m, nil
}

func (m App) sendViewport() {
	if len(m.rows) == 0 {
		return
	}
	first, last := m.visibleRange()
	m.ctrl.ViewportChanged(first, last)
}

func (m App) enterThread(row ItemRow) (tea.Model, tea.Cmd) {
	was := m.spinning()
	m.mode = modeThread
	m.thPost = row
	m.thRows = nil
	m.thCursor = 0
	m.thScroll = 0
	m.thSort = feed.CommentsBest
	m.state = StateLoading
	m.stale = false
	m.ctrl.EnterThread(row.ID)
	return m, tea.Batch(m.maybeSpin(was), m.placeCmd())
}

func (m App) switchFeed(delta int) (tea.Model, tea.Cmd) {
	if len(m.feeds) < 2 {
		return m, nil
	}
	m.feedIdx = (m.feedIdx + delta + len(m.feeds)) % len(m.feeds)
	return m.showCurrentFeed()
}

func (m App) cycleSort() (tea.Model, tea.Cmd) {
	if len(m.feeds) == 0 {
		return m, nil
	}
	m.feeds[m.feedIdx].Sort = nextSort(m.feeds[m.feedIdx].Sort)
	return m.showCurrentFeed()
}

func (m App) showCurrentFeed() (tea.Model, tea.Cmd) {
	was := m.spinning()
	m.rows = nil
	m.cursor = 0
	m.scrollOff = 0
	m.stale = false
	m.haveMore = false
	m.loadingMore = false
	m.state = StateLoading
	m.mediaState = make(map[string]media.State)
	spec := m.currentFeed()
	m.ctrl.ShowFeed(spec.Source, spec.Name, spec.Sort)
	return m, m.maybeSpin(was)
}

// spinning reports whether anything on screen warrants spinner frames.
func (m App) spinning() bool {
	if m.state == StateLoading || m.overlay == overlayWork {
		return true
	}
	for _, s := range m.mediaState {
		if s == media.StateRequested || s == media.StateDownloading {
			return true
		}
	}
	return false
}

// maybeSpin restarts the spinner tick loop only on an idle-to-busy edge, so
// concurrent loops never stack.
func (m App) maybeSpin(was bool) tea.Cmd {
	if !was && m.spinning() {
		return m.spinner.Tick
	}
	return nil
}

// placeCmd writes placement sequences for every visible thumbnail whose
// asset is already decoded. Placement is idempotent: unchanged geometry is
// a no-op downstream.
func (m App) placeCmd() tea.Cmd {
	if !m.opts.Graphics || m.opts.ThumbCols <= 0 || m.overlay != overlayNone {
		return nil
	}
	type spot struct {
		id  string
		row int
		col int
	}
	var spots []spot
	if m.mode == modeThread {
		if m.thPost.HasMedia {
			spots = append(spots, spot{m.thPost.ID, 2, 1})
		}
	} else {
		first, last := m.visibleRange()
		for i := first; i <= last && i < len(m.rows); i++ {
			if m.rows[i].HasMedia {
				r, c := m.thumbOrigin(i)
				spots = append(spots, spot{m.rows[i].ID, r, c})
			}
		}
	}
	if len(spots) == 0 {
		return nil
	}
	ctrl, out := m.ctrl, m.out
	cols, rows := m.opts.ThumbCols, m.opts.ThumbRows
	return func() tea.Msg {
		var placed []string
		for _, s := range spots {
			data, err := ctrl.PlaceItem(s.id, s.row, s.col, cols, rows)
			if err != nil {
				continue
			}
			if len(data) > 0 {
				if _, err := out.Write(data); err != nil {
					continue
				}
			}
			placed = append(placed, s.id)
		}
		if len(placed) == 0 {
			return nil
		}
		return placedMsg{ids: placed}
	}
}

// clearThumbsCmd deletes the placements of every thumbnail that could be on
// screen. Unknown or never-placed items are no-ops downstream.
func (m App) clearThumbsCmd() tea.Cmd {
	if !m.opts.Graphics || m.opts.ThumbCols <= 0 {
		return nil
	}
	var ids []string
	if m.mode == modeThread {
		if m.thPost.HasMedia {
			ids = append(ids, m.thPost.ID)
		}
	} else {
		first, last := m.visibleRange()
		for i := first; i <= last && i < len(m.rows); i++ {
			if m.rows[i].HasMedia {
				ids = append(ids, m.rows[i].ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	ctrl, out := m.ctrl, m.out
	return func() tea.Msg {
		var cleared []string
		for _, id := range ids {
			data := ctrl.ClearItem(id)
			if len(data) == 0 {
				continue
			}
			if _, err := out.Write(data); err != nil {
				continue
			}
			cleared = append(cleared, id)
		}
		if len(cleared) == 0 {
			return nil
		}
		return clearedMsg{ids: cleared}
	}
}

func workTickCmd() tea.Cmd {
	return tea.Tick(workTickInterval, func(time.Time) tea.Msg {
		return WorkTick{}
	})
}

func nextSort(s feed.Sort) feed.Sort {
	sorts := feed.Sorts()
	for i, v := range sorts {
		if v == s {
			return sorts[(i+1)%len(sorts)]
		}
	}
	return sorts[0]
}

func nextCommentSort(s feed.CommentSort) feed.CommentSort {
	sorts := feed.CommentSorts()
	for i, v := range sorts {
		if v == s {
			return sorts[(i+1)%len(sorts)]
		}
	}
	return sorts[0]
}

// View renders the UI.
func (m App) View() string {
	if !m.ready {
		return "Loading..."
	}
	switch m.overlay {
	case overlayWork:
		panel := DebugPanel.Render(m.workView.View(m.spinner.View()))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
	case overlayHelp:
		panel := DebugPanel.Render(renderHelp())
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
	case overlayStats:
		panel := DebugPanel.Render(renderStats(m))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
	}
	if m.mode == modeThread {
		return renderThread(m)
	}
	return renderFeed(m)
}

// Cursor returns the current cursor position (for testing).
func (m App) Cursor() int {
	return m.cursor
}

// Rows returns the current item rows (for testing).
func (m App) Rows() []ItemRow {
	return m.rows
}
