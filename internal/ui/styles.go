package ui

import "github.com/charmbracelet/lipgloss"

// Colors used in the application.
var (
	colorPrimary   = lipgloss.Color("208") // Orange
	colorSecondary = lipgloss.Color("241") // Gray
	colorMuted     = lipgloss.Color("240") // Darker gray
	colorHighlight = lipgloss.Color("214") // Amber
	colorScore     = lipgloss.Color("178") // Gold
	colorStale     = lipgloss.Color("178")
	colorError     = lipgloss.Color("196")
)

// TitleBar style for the top bar naming the current view.
var TitleBar = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// SelectedTitle style for the highlighted item's title line.
var SelectedTitle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Padding(0, 1)

// NormalTitle style for unselected item titles.
var NormalTitle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Padding(0, 1)

// MetaLine style for the score/comments/age line under a title.
var MetaLine = lipgloss.NewStyle().
	Foreground(colorSecondary).
	Padding(0, 1)

// ScoreText style for vote counts inside a meta line.
var ScoreText = lipgloss.NewStyle().
	Foreground(colorScore)

// URLLine style for the dim host line under the meta line.
var URLLine = lipgloss.NewStyle().
	Foreground(colorMuted).
	Padding(0, 1)

// SourceBadge style for the source tag on a feed row.
var SourceBadge = lipgloss.NewStyle().
	Foreground(colorPrimary).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// StaleBadge marks a view served from a cache entry past its fresh window.
var StaleBadge = lipgloss.NewStyle().
	Foreground(lipgloss.Color("232")).
	Background(colorStale).
	Padding(0, 1)

// PlaceholderBox styles the text block standing in for an image when the
// terminal has no graphics support or the asset is not ready.
var PlaceholderBox = lipgloss.NewStyle().
	Foreground(colorMuted).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorMuted).
	Align(lipgloss.Center, lipgloss.Center)

// CommentAuthor style for comment author names.
var CommentAuthor = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("75"))

// CommentMeta style for the score/age part of a comment header.
var CommentMeta = lipgloss.NewStyle().
	Foreground(colorSecondary)

// CommentBody style for comment text.
var CommentBody = lipgloss.NewStyle().
	Foreground(lipgloss.Color("252"))

// SelectedCommentBody highlights the selected comment's text.
var SelectedCommentBody = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Bold(true)

// MoreStub style for collapsed "load more replies" rows.
var MoreStub = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Italic(true)

// depthRailColors colors the indent rail by nesting depth, cycling.
var depthRailColors = []lipgloss.Color{
	lipgloss.Color("208"),
	lipgloss.Color("75"),
	lipgloss.Color("114"),
	lipgloss.Color("178"),
	lipgloss.Color("135"),
	lipgloss.Color("168"),
}

// DepthRail returns the rail style for a nesting depth.
func DepthRail(depth int) lipgloss.Style {
	c := depthRailColors[depth%len(depthRailColors)]
	return lipgloss.NewStyle().Foreground(c)
}

// StatusBar style for the bottom status bar.
var StatusBar = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// StatusBarKey style for key hints in the status bar.
var StatusBarKey = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Bold(true)

// StatusBarText style for descriptive text in the status bar.
var StatusBarText = lipgloss.NewStyle().
	Foreground(colorSecondary)

// ErrorStyle for displaying errors.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(colorError).
	Bold(true).
	Padding(0, 1)

// HelpStyle for help text and empty-state hints.
var HelpStyle = lipgloss.NewStyle().
	Foreground(colorMuted).
	Padding(1, 2)

// DebugPanel style for the stats overlay.
var DebugPanel = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorPrimary).
	Padding(1, 2)

// DebugHeaderStyle for section headers inside the stats overlay.
var DebugHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorHighlight)
