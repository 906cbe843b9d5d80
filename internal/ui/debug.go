package ui

import (
	"fmt"
	"sort"
	"strings"
)

// debugPanelChrome is the number of terminal lines consumed by DebugPanel's
// border (top + bottom = 2) and vertical padding (top + bottom = 2).
// Must be updated if DebugPanel style changes.
const debugPanelChrome = 4

// renderStats renders the stats overlay content: view state, media asset
// states, work pool counters, and whatever the backend stats source reports.
// Pure function with no side effects.
func renderStats(m App) string {
	var lines []string

	lines = append(lines, DebugHeaderStyle.Render("View"))
	lines = append(lines, fmt.Sprintf("  Feed:      %s · %s", m.currentFeed(), m.feedSort))
	lines = append(lines, fmt.Sprintf("  Items:     %d loaded, more=%v, stale=%v",
		len(m.rows), m.haveMore, m.stale))
	if m.mode == modeThread {
		lines = append(lines, fmt.Sprintf("  Thread:    %s · %d comments shown", m.thPost.ID, len(m.thRows)))
	}
	lines = append(lines, "")

	if len(m.mediaState) > 0 {
		lines = append(lines, DebugHeaderStyle.Render("Media"))
		counts := make(map[string]int)
		for _, s := range m.mediaState {
			counts[s.String()]++
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("  %-12s %d", name, counts[name]))
		}
		lines = append(lines, "")
	}

	if m.pool != nil {
		lines = append(lines, DebugHeaderStyle.Render("Work Pool"))
		lines = append(lines, "  "+m.pool.Stats().String())
		lines = append(lines, "")
	}

	if m.stats != nil {
		lines = append(lines, DebugHeaderStyle.Render("Backend"))
		for _, line := range strings.Split(m.stats(), "\n") {
			lines = append(lines, "  "+line)
		}
	}

	// Truncate to fit terminal height (subtract chrome added by DebugPanel
	// border/padding).
	maxHeight := m.height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}

	maxWidth := m.width - 8
	if maxWidth < 20 {
		maxWidth = 20
	}
	for i, line := range lines {
		lines[i] = truncateANSI(line, maxWidth)
	}

	return strings.Join(lines, "\n")
}

// renderHelp renders the key binding reference.
func renderHelp() string {
	key := func(k, desc string) string {
		return fmt.Sprintf("  %s  %s", StatusBarKey.Render(fmt.Sprintf("%-9s", k)), desc)
	}
	lines := []string{
		DebugHeaderStyle.Render("Feed"),
		key("j/k ↑/↓", "move"),
		key("g/G", "top / bottom"),
		key("enter", "open thread"),
		key("o", "play video externally"),
		key("tab ]/[", "next / previous feed"),
		key("s", "cycle sort"),
		key("r", "refresh"),
		"",
		DebugHeaderStyle.Render("Thread"),
		key("j/k", "move"),
		key("e/enter", "load more replies"),
		key("c", "cycle comment sort"),
		key("o", "play video"),
		key("esc/h", "back to feed"),
		"",
		DebugHeaderStyle.Render("Anywhere"),
		key("w", "work queue overlay"),
		key("d", "stats overlay"),
		key("?", "this help"),
		key("q", "quit"),
	}
	return strings.Join(lines, "\n")
}
