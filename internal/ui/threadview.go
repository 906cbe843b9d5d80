package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/finchtail/lurker/internal/media"
)

// maxBodyExcerpt caps the post body preview in the thread header.
const maxBodyExcerpt = 3

func renderThread(m App) string {
	var b strings.Builder
	b.WriteString(renderThreadTitle(m))
	b.WriteString("\n")

	header := threadHeaderLines(m)
	for _, line := range header {
		b.WriteString(truncateANSI(line, m.width))
		b.WriteString("\n")
	}
	b.WriteString(URLLine.Render(strings.Repeat("─", max(0, m.width-2))))
	b.WriteString("\n")

	budget := m.commentBudget()
	if len(m.thRows) == 0 {
		msg := "Loading comments… " + m.spinner.View()
		if m.state == StateReady {
			msg = "No comments yet."
		}
		b.WriteString(padLines(HelpStyle.Render(msg), budget))
	} else {
		used := 0
	blocks:
		for i := m.thScroll; i < len(m.thRows); i++ {
			for _, line := range renderCommentBlock(m, i) {
				if used >= budget {
					break blocks
				}
				b.WriteString(truncateANSI(line, m.width))
				b.WriteString("\n")
				used++
			}
		}
		for ; used < budget; used++ {
			b.WriteString("\n")
		}
	}

	if m.err != nil {
		b.WriteString(ErrorStyle.Render(truncate(m.err.Error(), m.width-2)))
		b.WriteString("\n")
	}
	b.WriteString(renderStatusBar(m.width, threadHints(m)))
	return b.String()
}

func renderThreadTitle(m App) string {
	left := TitleBar.Render("lurker") + " " + SourceBadge.Render("thread") +
		" " + MetaLine.Render(string(m.thSort))
	if m.stale {
		left += " " + StaleBadge.Render("stale")
	}
	if m.state == StateLoading {
		left += " " + m.spinner.View()
	}
	right := ""
	if len(m.thRows) > 0 {
		right = MetaLine.Render(fmt.Sprintf("%d/%d", m.thCursor+1, len(m.thRows)))
	}
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return truncateANSI(left, m.width)
	}
	return left + strings.Repeat(" ", gap) + right
}

// threadHeaderLines renders the pinned post block above the comments. With a
// thumbnail the block is padded to the thumbnail height so the graphics cells
// stay clear of comment text.
func threadHeaderLines(m App) []string {
	post := m.thPost
	gutter := 0
	if m.opts.ThumbCols > 0 && post.HasMedia {
		gutter = m.opts.ThumbCols
	}
	textWidth := m.width - 1
	if gutter > 0 {
		textWidth = m.width - gutter - 1
	}
	if textWidth < 10 {
		textWidth = 10
	}

	text := wrapText(post.Title, textWidth-2)
	if len(text) > 2 {
		text = text[:2]
	}
	for i, line := range text {
		text[i] = SelectedCommentBody.Render(line)
	}
	text = append(text, MetaLine.Render(cardMeta(post)))
	if host := hostOf(post.URL); host != "" {
		text = append(text, URLLine.Render(host))
	}
	if post.Body != "" {
		excerpt := wrapText(post.Body, textWidth-2)
		if len(excerpt) > maxBodyExcerpt {
			excerpt = excerpt[:maxBodyExcerpt]
			excerpt[maxBodyExcerpt-1] += "…"
		}
		for _, line := range excerpt {
			text = append(text, CommentBody.Render(" "+line))
		}
	}

	rows := len(text)
	var thumb []string
	if gutter > 0 {
		if rows < m.opts.ThumbRows {
			rows = m.opts.ThumbRows
		}
		state := m.mediaState[post.ID]
		if !(m.opts.Graphics && state == media.StatePlaced) {
			thumb = placeholderLines(m, post, state, gutter, m.opts.ThumbRows)
		}
	}

	lines := make([]string, rows)
	for l := 0; l < rows; l++ {
		var left, right string
		if gutter > 0 && l < len(thumb) {
			left = thumb[l]
		}
		if l < len(text) {
			right = text[l]
		}
		if gutter > 0 {
			lines[l] = padTo(left, gutter) + " " + right
		} else {
			lines[l] = right
		}
	}
	return lines
}

// commentBudget is the row count left for comment blocks after the title,
// header, rule, and status bar.
func (m App) commentBudget() int {
	h := m.height - 3 - len(threadHeaderLines(m))
	if m.err != nil {
		h--
	}
	if h < 0 {
		return 0
	}
	return h
}

// renderCommentBlock renders one comment as its header, wrapped body, and an
// optional collapsed-replies stub.
func renderCommentBlock(m App, i int) []string {
	row := m.thRows[i]
	selected := i == m.thCursor
	rail := DepthRail(row.Depth).Render(strings.Repeat("│ ", row.Depth))
	railWidth := row.Depth * 2
	textWidth := m.width - railWidth - 2
	if textWidth < 10 {
		textWidth = 10
	}

	// A row without an author is a collapsed-replies stub, either a real
	// comment's unexpanded children or the trailing top-level stub.
	if row.Author == "" && row.HasMore {
		stub := fmt.Sprintf("▸ %d more replies", row.MoreCount)
		if selected {
			stub += "  (e to load)"
		}
		return []string{rail + MoreStub.Render(stub)}
	}

	marker := "  "
	if selected {
		marker = StatusBarKey.Render("▌ ")
	}
	header := marker + CommentAuthor.Render(row.Author) + " " +
		CommentMeta.Render(fmt.Sprintf("%s points · %s",
			humanize.Comma(int64(row.Score)), formatAgeShort(row.Created)))

	lines := []string{rail + header}
	bodyStyle := CommentBody
	if selected {
		bodyStyle = SelectedCommentBody
	}
	for _, line := range wrapText(row.Body, textWidth) {
		lines = append(lines, rail+"  "+bodyStyle.Render(line))
	}
	if row.HasMore {
		stub := fmt.Sprintf("▸ %d more replies", row.MoreCount)
		if selected {
			stub += "  (e to load)"
		}
		lines = append(lines, rail+"  "+MoreStub.Render(stub))
	}
	return lines
}

// commentBlockHeight mirrors renderCommentBlock's line count for scroll math.
func (m App) commentBlockHeight(i int) int {
	return len(renderCommentBlock(m, i))
}

// threadScrollFor moves the scroll offset the minimum distance that keeps the
// cursor's block fully on screen, accounting for variable block heights.
func (m App) threadScrollFor(cursor, offset int) int {
	if cursor < offset {
		return cursor
	}
	budget := m.commentBudget()
	for offset < cursor {
		used := 0
		for i := offset; i <= cursor; i++ {
			used += m.commentBlockHeight(i)
		}
		if used <= budget {
			break
		}
		offset++
	}
	return offset
}

func threadHints(m App) [][2]string {
	hints := [][2]string{
		{"j/k", "move"},
		{"c", "sort"},
		{"r", "refresh"},
	}
	if len(m.thRows) > 0 && m.thCursor < len(m.thRows) && m.thRows[m.thCursor].HasMore {
		hints = append([][2]string{{"e", "load replies"}}, hints...)
	}
	if m.thPost.HasVideo {
		hints = append(hints, [2]string{"o", "play"})
	}
	if n := len(m.playing); n > 0 {
		hints = append(hints, [2]string{"", fmt.Sprintf("▶ %d playing", n)})
	}
	hints = append(hints, [2]string{"esc", "back"}, [2]string{"q", "quit"})
	return hints
}

// wrapText greedily wraps plain text to a width, splitting on spaces and
// breaking words longer than the line.
func wrapText(s string, width int) []string {
	if width < 1 {
		width = 1
	}
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		line := ""
		for _, w := range words {
			for len([]rune(w)) > width {
				r := []rune(w)
				if line != "" {
					out = append(out, line)
					line = ""
				}
				out = append(out, string(r[:width]))
				w = string(r[width:])
			}
			switch {
			case line == "":
				line = w
			case len([]rune(line))+1+len([]rune(w)) <= width:
				line += " " + w
			default:
				out = append(out, line)
				line = w
			}
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
