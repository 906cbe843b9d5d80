package media

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/finchtail/lurker/internal/logging"
)

// LaunchDirective is the resolution of a video: the playback URL plus the
// configured player argv with %URL% substituted.
type LaunchDirective struct {
	URL  string
	Argv []string
}

// NewLaunchDirective builds the player invocation for a URL. If the
// configured command has no %URL% placeholder, the URL is appended.
func NewLaunchDirective(command []string, url string) (LaunchDirective, error) {
	if len(command) == 0 {
		return LaunchDirective{}, errors.New("player command not configured")
	}
	if strings.TrimSpace(url) == "" {
		return LaunchDirective{}, errors.New("no playback url")
	}

	argv := make([]string, 0, len(command)+1)
	substituted := false
	for _, arg := range command {
		if strings.Contains(arg, "%URL%") {
			arg = strings.ReplaceAll(arg, "%URL%", url)
			substituted = true
		}
		argv = append(argv, arg)
	}
	if !substituted {
		argv = append(argv, url)
	}

	return LaunchDirective{URL: url, Argv: argv}, nil
}

// PlayerSession tracks one external player process.
type PlayerSession struct {
	URL string
	PID int

	done chan struct{}
	err  error
}

// Alive reports whether the process is still running.
func (s *PlayerSession) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its error, if any.
func (s *PlayerSession) Wait() error {
	<-s.done
	return s.err
}

// Player launches external video players and tracks their liveness.
// Output is discarded so the processes never scribble on the TUI.
type Player struct {
	detach bool
	onExit func(url string, err error)

	mu       sync.Mutex
	sessions map[int]*PlayerSession
}

// NewPlayer creates a player manager. When detach is set, processes are
// started in their own session and survive the app exiting.
func NewPlayer(detach bool, onExit func(url string, err error)) *Player {
	return &Player{
		detach:   detach,
		onExit:   onExit,
		sessions: make(map[int]*PlayerSession),
	}
}

// Launch starts the player process for a directive.
func (p *Player) Launch(d LaunchDirective) (*PlayerSession, error) {
	if len(d.Argv) == 0 {
		return nil, errors.New("empty player argv")
	}
	if _, err := exec.LookPath(d.Argv[0]); err != nil {
		return nil, err
	}

	cmd := exec.Command(d.Argv[0], d.Argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if p.detach {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	session := &PlayerSession{
		URL:  d.URL,
		PID:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.sessions[session.PID] = session
	p.mu.Unlock()

	logging.Info("Player launched",
		"pid", session.PID,
		"url", d.URL,
		"detach", p.detach)

	go p.reap(cmd, session)

	return session, nil
}

// reap waits for the process so it never lingers as a zombie, then
// reports its exit.
func (p *Player) reap(cmd *exec.Cmd, session *PlayerSession) {
	err := cmd.Wait()
	session.err = err
	close(session.done)

	p.mu.Lock()
	delete(p.sessions, session.PID)
	p.mu.Unlock()

	if err != nil {
		logging.Warn("Player exited with error", "pid", session.PID, "error", err)
	} else {
		logging.Debug("Player exited", "pid", session.PID)
	}

	if p.onExit != nil {
		p.onExit(session.URL, err)
	}
}

// Running returns the number of live player processes.
func (p *Player) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown signals non-detached players to terminate. Detached players
// are left alone.
func (p *Player) Shutdown() {
	if p.detach {
		return
	}

	p.mu.Lock()
	pids := make([]int, 0, len(p.sessions))
	for pid := range p.sessions {
		pids = append(pids, pid)
	}
	p.mu.Unlock()

	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}
}
