package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  []string
	}{
		{"fits", "hello world", 20, []string{"hello world"}},
		{"wraps on spaces", "one two three four", 9, []string{"one two", "three", "four"}},
		{"breaks long words", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"paragraphs", "first\n\nsecond", 20, []string{"first", "second"}},
		{"empty", "", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapText(tt.in, tt.width)
			if len(got) != len(tt.want) {
				t.Fatalf("wrapText(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func threadApp(t *testing.T, rows []CommentRow) App {
	t.Helper()
	app, _ := newTestApp(ViewOptions{})
	app = loadRows(t, app, testRows(3))
	model, _ := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	app = model.(App)
	model, _ = app.Update(ThreadLoaded{PostID: "item-0", Rows: rows})
	return model.(App)
}

func TestRenderCommentBlockShapes(t *testing.T) {
	app := threadApp(t, []CommentRow{
		{ID: "c1", Author: "bob", Body: "short"},
		{ID: "c2", Author: "eve", Body: "reply", Depth: 1, HasMore: true, MoreCount: 3},
		{HasMore: true, MoreCount: 7},
	})

	block := renderCommentBlock(app, 0)
	if len(block) != 2 {
		t.Errorf("plain comment renders %d lines, want header + body = 2", len(block))
	}

	block = renderCommentBlock(app, 1)
	if len(block) != 3 {
		t.Errorf("comment with hidden replies renders %d lines, want 3", len(block))
	}
	if !strings.Contains(block[2], "3 more replies") {
		t.Errorf("stub line %q should name the hidden reply count", block[2])
	}

	block = renderCommentBlock(app, 2)
	if len(block) != 1 {
		t.Errorf("trailing stub renders %d lines, want 1", len(block))
	}
	if !strings.Contains(block[0], "7 more replies") {
		t.Errorf("trailing stub %q should name the hidden count", block[0])
	}
}

func TestSelectedStubShowsHint(t *testing.T) {
	app := threadApp(t, []CommentRow{
		{HasMore: true, MoreCount: 7},
	})
	block := renderCommentBlock(app, 0)
	if !strings.Contains(block[0], "e to load") {
		t.Errorf("selected stub %q should hint the expand key", block[0])
	}
}

func TestThreadScrollKeepsCursorVisible(t *testing.T) {
	long := strings.Repeat("word ", 60)
	rows := make([]CommentRow, 12)
	for i := range rows {
		rows[i] = CommentRow{ID: string(rune('a' + i)), Author: "bob", Body: long}
	}
	app := threadApp(t, rows)

	offset := 0
	budget := app.commentBudget()
	for cursor := 0; cursor < len(rows); cursor++ {
		offset = app.threadScrollFor(cursor, offset)
		if offset > cursor {
			t.Fatalf("offset %d passed cursor %d", offset, cursor)
		}
		used := 0
		for i := offset; i <= cursor; i++ {
			used += app.commentBlockHeight(i)
		}
		if cursor > offset && used > budget {
			t.Fatalf("cursor %d: blocks from %d use %d rows, budget %d", cursor, offset, used, budget)
		}
	}

	// Scrolling back up pulls the window with the cursor.
	offset = app.threadScrollFor(2, 8)
	if offset != 2 {
		t.Errorf("offset above cursor should snap to it, got %d", offset)
	}
}

func TestThreadHeaderPadsForThumbnail(t *testing.T) {
	app, _ := newTestApp(ViewOptions{Graphics: true, ThumbCols: 18, ThumbRows: 8})
	rows := testRows(3)
	rows[0].HasMedia = true
	app = loadRows(t, app, rows)
	model, _ := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	app = model.(App)

	if got := len(threadHeaderLines(app)); got < 8 {
		t.Errorf("header with thumbnail is %d lines, want at least 8", got)
	}
}

func TestThreadHeaderShowsBodyExcerpt(t *testing.T) {
	app, _ := newTestApp(ViewOptions{})
	rows := testRows(3)
	rows[0].Body = "This post has a self text body that should appear below the title."
	app = loadRows(t, app, rows)
	model, _ := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	app = model.(App)

	header := strings.Join(threadHeaderLines(app), "\n")
	if !strings.Contains(header, "self text body") {
		t.Error("thread header should include the post body excerpt")
	}
}
