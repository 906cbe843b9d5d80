package graphics

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// Capability is the answer of startup negotiation: whether inline graphics
// can be placed at all, and whether sequences need the tmux envelope.
type Capability struct {
	Graphics bool
	Tmux     bool
}

// Detect inspects the environment and stdout once at startup. mode comes
// from configuration: "off" disables graphics outright, "kitty" forces them
// on, "auto" probes the environment.
func Detect(mode string) Capability {
	tmux := os.Getenv("TMUX") != ""

	switch mode {
	case "off":
		return Capability{Graphics: false, Tmux: tmux}
	case "kitty":
		return Capability{Graphics: true, Tmux: tmux}
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return Capability{Graphics: false, Tmux: tmux}
	}
	return Capability{Graphics: supportsKitty(), Tmux: tmux}
}

// supportsKitty checks the environment markers the protocol's emulators
// set. Under tmux the outer terminal's KITTY_WINDOW_ID survives into the
// session, so detection still works inside it.
func supportsKitty() bool {
	if os.Getenv("KITTY_WINDOW_ID") != "" {
		return true
	}
	termProgram := strings.ToLower(strings.TrimSpace(os.Getenv("TERM_PROGRAM")))
	if strings.Contains(termProgram, "kitty") || strings.Contains(termProgram, "ghostty") || strings.Contains(termProgram, "wezterm") {
		return true
	}
	termName := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	return strings.Contains(termName, "xterm-kitty") || strings.Contains(termName, "ghostty")
}
