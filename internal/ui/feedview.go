package ui

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/finchtail/lurker/internal/media"
)

// cardHeight is the number of terminal rows one feed item occupies. With a
// thumbnail gutter the card must be at least as tall as the thumbnail.
func (m App) cardHeight() int {
	if m.opts.ThumbCols <= 0 {
		return 3
	}
	if m.opts.ThumbRows > 3 {
		return m.opts.ThumbRows
	}
	return 3
}

// contentHeight is the row count available for cards, between the title bar
// and the status bar. An error line eats one more row.
func (m App) contentHeight() int {
	h := m.height - 2
	if m.err != nil {
		h--
	}
	if h < 0 {
		return 0
	}
	return h
}

// visibleCards is how many full cards fit on screen.
func (m App) visibleCards() int {
	ch := m.cardHeight()
	if ch == 0 {
		return 0
	}
	return m.contentHeight() / ch
}

// cardTop returns the 1-based terminal row of item i's first line.
func (m App) cardTop(i int) int {
	return 2 + (i-m.scrollOff)*m.cardHeight()
}

// thumbOrigin returns the 1-based row and column where item i's thumbnail
// sits. The text column starts two cells right of the gutter.
func (m App) thumbOrigin(i int) (row, col int) {
	return m.cardTop(i), 1
}

// visibleRange returns the inclusive index range of items on screen.
func (m App) visibleRange() (first, last int) {
	if len(m.rows) == 0 {
		return 0, -1
	}
	first = m.scrollOff
	last = m.scrollOff + m.visibleCards() - 1
	if last >= len(m.rows) {
		last = len(m.rows) - 1
	}
	return first, last
}

// calcScrollOffset keeps the cursor inside the window, moving the offset the
// minimum distance needed.
func calcScrollOffset(cursor, offset, visible, total int) int {
	if visible <= 0 {
		return 0
	}
	if cursor < offset {
		offset = cursor
	}
	if cursor >= offset+visible {
		offset = cursor - visible + 1
	}
	if offset > total-visible {
		offset = total - visible
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}

func renderFeed(m App) string {
	var b strings.Builder
	b.WriteString(renderFeedTitle(m))
	b.WriteString("\n")

	if len(m.rows) == 0 {
		body := HelpStyle.Render("Loading " + m.currentFeed().String() + "…")
		if m.state == StateReady {
			body = HelpStyle.Render("No items. Press r to refresh.")
		}
		b.WriteString(padLines(body, m.contentHeight()))
	} else {
		first, last := m.visibleRange()
		used := 0
		for i := first; i <= last; i++ {
			for _, line := range renderCard(m, i) {
				b.WriteString(line)
				b.WriteString("\n")
				used++
			}
		}
		for ; used < m.contentHeight(); used++ {
			b.WriteString("\n")
		}
	}

	if m.err != nil {
		b.WriteString(ErrorStyle.Render(truncate(m.err.Error(), m.width-2)))
		b.WriteString("\n")
	}
	b.WriteString(renderStatusBar(m.width, feedHints(m)))
	return b.String()
}

func renderFeedTitle(m App) string {
	spec := m.currentFeed()
	left := TitleBar.Render("lurker") + " " + SourceBadge.Render(spec.String())
	if m.feedSort != "" {
		left += " " + MetaLine.Render(string(m.feedSort))
	}
	if m.stale {
		left += " " + StaleBadge.Render("stale")
	}
	if m.state == StateLoading {
		left += " " + m.spinner.View()
	}
	right := ""
	if len(m.rows) > 0 {
		right = MetaLine.Render(fmt.Sprintf("%d/%d", m.cursor+1, len(m.rows)))
	}
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return truncateANSI(left, m.width)
	}
	return left + strings.Repeat(" ", gap) + right
}

// renderCard renders item i as exactly cardHeight lines.
func renderCard(m App, i int) []string {
	row := m.rows[i]
	selected := i == m.cursor
	ch := m.cardHeight()
	gutter := m.opts.ThumbCols

	textWidth := m.width - 1
	if gutter > 0 {
		textWidth = m.width - gutter - 1
	}
	if textWidth < 10 {
		textWidth = 10
	}

	titleStyle := NormalTitle
	if selected {
		titleStyle = SelectedTitle
	}
	text := make([]string, 0, ch)
	text = append(text, titleStyle.Render(truncate(row.Title, textWidth-2)))
	text = append(text, MetaLine.Render(cardMeta(row)))
	if host := hostOf(row.URL); host != "" {
		text = append(text, URLLine.Render(truncate(host, textWidth-2)))
	}

	var thumb []string
	if gutter > 0 {
		thumb = thumbLines(m, row, gutter, ch)
	}

	lines := make([]string, ch)
	for l := 0; l < ch; l++ {
		var left, right string
		if gutter > 0 && l < len(thumb) {
			left = thumb[l]
		}
		if l < len(text) {
			right = text[l]
		}
		if gutter > 0 {
			left = padTo(left, gutter)
			lines[l] = truncateANSI(left+" "+right, m.width)
		} else {
			lines[l] = truncateANSI(right, m.width)
		}
	}
	return lines
}

func cardMeta(row ItemRow) string {
	parts := []string{
		ScoreText.Render("▲ " + humanize.Comma(int64(row.Score))),
		fmt.Sprintf("%s comments", humanize.Comma(int64(row.Comments))),
	}
	if row.Author != "" {
		parts = append(parts, row.Author)
	}
	parts = append(parts, formatAgeShort(row.Created))
	if row.HasVideo {
		parts = append(parts, "▶ video")
	}
	return strings.Join(parts, " · ")
}

// thumbLines renders the gutter for one card. When the image is placed the
// gutter stays blank so the graphics layer owns those cells; otherwise a
// labeled placeholder box fills it.
func thumbLines(m App, row ItemRow, cols, rows int) []string {
	if !row.HasMedia {
		return nil
	}
	state := m.mediaState[row.ID]
	if m.opts.Graphics && state == media.StatePlaced {
		return nil
	}
	return placeholderLines(m, row, state, cols, rows)
}

func placeholderLines(m App, row ItemRow, state media.State, cols, rows int) []string {
	label := "IMG"
	if row.HasVideo {
		label = "VID"
	}
	switch state {
	case media.StateRequested, media.StateDownloading:
		label = m.spinner.View()
	case media.StateDecoded:
		label = "…"
	case media.StateFailed:
		label = "✗"
	}
	box := PlaceholderBox.Width(cols - 2).Height(rows - 2).Render(label)
	return strings.Split(box, "\n")
}

func feedHints(m App) [][2]string {
	hints := [][2]string{
		{"j/k", "move"},
		{"enter", "open"},
		{"o", "video"},
		{"tab", "feed"},
		{"s", "sort"},
		{"r", "refresh"},
	}
	if m.loadingMore {
		hints = append(hints, [2]string{"", "loading more…"})
	}
	if n := len(m.playing); n > 0 {
		hints = append(hints, [2]string{"", fmt.Sprintf("▶ %d playing", n)})
	}
	hints = append(hints, [2]string{"?", "help"}, [2]string{"q", "quit"})
	return hints
}

// renderStatusBar joins key hints into the bottom bar.
func renderStatusBar(width int, hints [][2]string) string {
	parts := make([]string, 0, len(hints))
	for _, h := range hints {
		if h[0] == "" {
			parts = append(parts, StatusBarText.Render(h[1]))
			continue
		}
		parts = append(parts, StatusBarKey.Render(h[0])+" "+StatusBarText.Render(h[1]))
	}
	bar := strings.Join(parts, StatusBarText.Render("  "))
	return truncateANSI(StatusBar.Width(width).Render(bar), width)
}

// truncate shortens plain text to max runes, appending an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

// truncateANSI clamps a styled line to the terminal width without splitting
// escape sequences.
func truncateANSI(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	return lipgloss.NewStyle().MaxWidth(width).Render(s)
}

// padTo right-pads a styled string to a visible width.
func padTo(s string, width int) string {
	gap := width - lipgloss.Width(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}

// padLines pads a block to an exact line count.
func padLines(block string, lines int) string {
	var b strings.Builder
	n := 0
	for _, line := range strings.Split(block, "\n") {
		if n >= lines {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		n++
	}
	for ; n < lines; n++ {
		b.WriteString("\n")
	}
	return b.String()
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

// formatAgeShort renders a compact relative age like "3h" or "2d".
func formatAgeShort(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	default:
		return fmt.Sprintf("%dmo", int(d.Hours()/(24*30)))
	}
}
