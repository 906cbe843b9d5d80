package graphics

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Fallbacks when the terminal does not report pixel dimensions.
const (
	defaultCellWidth  = 8
	defaultCellHeight = 16
)

// CellSize reports the terminal's pixel dimensions per character cell,
// queried from the tty window size. Terminals that report no pixel size
// get a conventional fallback so sizing still produces sane boxes.
func CellSize() (width, height int, err error) {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, fmt.Errorf("query window size: %w", err)
	}
	if ws.Col == 0 || ws.Row == 0 || ws.Xpixel == 0 || ws.Ypixel == 0 {
		return defaultCellWidth, defaultCellHeight, nil
	}
	return int(ws.Xpixel) / int(ws.Col), int(ws.Ypixel) / int(ws.Row), nil
}
