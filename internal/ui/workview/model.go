// Package workview renders the async work queue overlay. Toggle with w to
// watch downloads, decodes, and maintenance jobs move through the pool.
package workview

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/finchtail/lurker/internal/work"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("208"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	dividerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("78"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	completeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	cancelledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	progressBarFilled = lipgloss.NewStyle().
				Foreground(lipgloss.Color("78"))

	progressBarEmpty = lipgloss.NewStyle().
				Foreground(lipgloss.Color("238"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("141"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))
)

// Model renders a pool snapshot with display filters.
type Model struct {
	pool     *work.Pool
	snapshot work.Snapshot

	width  int
	height int

	showPending   bool
	showActive    bool
	showCompleted bool
	showFailed    bool
	filterType    work.Type // empty = all types

	// Max items to show in completed history
	maxCompleted int
}

// New creates a work view over a pool. A nil pool renders a hint instead.
func New(pool *work.Pool) Model {
	return Model{
		pool:          pool,
		showPending:   true,
		showActive:    true,
		showCompleted: true,
		showFailed:    true,
		maxCompleted:  20,
	}
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

// Refresh pulls a fresh snapshot from the pool.
func (m *Model) Refresh() {
	if m.pool != nil {
		m.snapshot = m.pool.Snapshot()
	}
}

// View renders the work queue. spin is the current spinner frame.
func (m Model) View(spin string) string {
	if m.pool == nil {
		return "Work pool not running"
	}

	var b strings.Builder

	stats := m.snapshot.Stats
	b.WriteString(titleStyle.Render("WORK QUEUE " + spin))
	b.WriteString("  ")
	b.WriteString(statsStyle.Render(stats.String()))
	b.WriteString("\n\n")

	// Active tasks stay on top, with progress.
	if m.showActive {
		for _, task := range m.snapshot.Active {
			if m.filterType != "" && task.Type != m.filterType {
				continue
			}
			b.WriteString(m.renderTask(task))
			b.WriteString("\n")
		}
	}

	if m.showPending {
		count := 0
		for _, task := range m.snapshot.Pending {
			if m.filterType != "" && task.Type != m.filterType {
				continue
			}
			if count >= 5 {
				remaining := len(m.snapshot.Pending) - count
				b.WriteString(dimStyle.Render(fmt.Sprintf("  … and %d more pending", remaining)))
				b.WriteString("\n")
				break
			}
			b.WriteString(m.renderTask(task))
			b.WriteString("\n")
			count++
		}
	}

	if (m.showActive && len(m.snapshot.Active) > 0) || (m.showPending && len(m.snapshot.Pending) > 0) {
		divider := strings.Repeat("─", min(m.width-4, 60))
		b.WriteString(dividerStyle.Render(divider))
		b.WriteString("\n")
	}

	if m.showCompleted || m.showFailed {
		count := 0
		for _, task := range m.snapshot.Completed {
			if count >= m.maxCompleted {
				break
			}
			if task.Status == work.StatusFailed && !m.showFailed {
				continue
			}
			if task.Status == work.StatusComplete && !m.showCompleted {
				continue
			}
			if m.filterType != "" && task.Type != m.filterType {
				continue
			}
			b.WriteString(m.renderTask(task))
			b.WriteString("\n")
			count++
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("p:pending  a:active  c:complete  f:failed  x:clear  esc:close"))

	return b.String()
}

// renderTask renders a single task line.
func (m Model) renderTask(task *work.Task) string {
	var parts []string

	icon := task.StatusIcon()
	switch task.Status {
	case work.StatusActive:
		parts = append(parts, activeStyle.Render("["+icon+"]"))
	case work.StatusPending:
		parts = append(parts, pendingStyle.Render("["+icon+"]"))
	case work.StatusComplete:
		parts = append(parts, completeStyle.Render("["+icon+"]"))
	case work.StatusFailed:
		parts = append(parts, failedStyle.Render("["+icon+"]"))
	case work.StatusCancelled:
		parts = append(parts, cancelledStyle.Render("["+icon+"]"))
	}

	parts = append(parts, typeStyle.Render(task.Type.Icon()))
	parts = append(parts, truncate(task.Description, 40))

	switch task.Status {
	case work.StatusPending:
		parts = append(parts, dimStyle.Render(task.PriorityName()))

	case work.StatusActive:
		if task.Progress > 0 {
			parts = append(parts, m.renderProgress(task.Progress, 10))
		}
		if task.ProgressMsg != "" {
			parts = append(parts, dimStyle.Render(truncate(task.ProgressMsg, 20)))
		}
		parts = append(parts, dimStyle.Render(formatDuration(task.Duration())))

	case work.StatusComplete:
		if task.Result != "" {
			parts = append(parts, completeStyle.Render(truncate(task.Result, 15)))
		}
		parts = append(parts, dimStyle.Render(formatAge(task.Age())))

	case work.StatusFailed:
		if task.Error != nil {
			parts = append(parts, failedStyle.Render(truncate(task.Error.Error(), 20)))
		}
		parts = append(parts, dimStyle.Render(formatAge(task.Age())))

	case work.StatusCancelled:
		parts = append(parts, dimStyle.Render(formatAge(task.Age())))
	}

	return strings.Join(parts, " ")
}

// renderProgress renders a progress bar.
func (m Model) renderProgress(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	empty := width - filled

	bar := progressBarFilled.Render(strings.Repeat("█", filled)) +
		progressBarEmpty.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("%s %2.0f%%", bar, pct*100)
}

// TogglePending toggles pending visibility.
func (m *Model) TogglePending() {
	m.showPending = !m.showPending
}

// ToggleActive toggles active visibility.
func (m *Model) ToggleActive() {
	m.showActive = !m.showActive
}

// ToggleCompleted toggles completed visibility.
func (m *Model) ToggleCompleted() {
	m.showCompleted = !m.showCompleted
}

// ToggleFailed toggles failed visibility.
func (m *Model) ToggleFailed() {
	m.showFailed = !m.showFailed
}

// SetFilterType sets a type filter (empty = all).
func (m *Model) SetFilterType(t work.Type) {
	m.filterType = t
}

// ClearFilter removes any type filter.
func (m *Model) ClearFilter() {
	m.filterType = ""
}

// ClearHistory clears completed work history.
func (m *Model) ClearHistory() {
	if m.pool != nil {
		m.pool.ClearHistory()
		m.Refresh()
	}
}

// Helper functions

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func formatAge(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
