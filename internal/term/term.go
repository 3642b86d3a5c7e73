// Package term manages the controlling terminal: raw-mode acquisition with
// guaranteed restore, and window-size queries with a sane fallback.
package term

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	xterm "golang.org/x/term"
)

// Guard puts the controlling terminal into raw mode on construction and
// restores the original attributes on Restore. When stdin is not a terminal
// (headless or piped) the guard is a no-op.
//
// Restore is idempotent; callers defer it on every exit path, including the
// panic path.
type Guard struct {
	fd    int
	state *xterm.State
}

// NewGuard switches stdin to raw mode and captures the original state.
func NewGuard() (*Guard, error) {
	fd := int(os.Stdin.Fd())
	if !xterm.IsTerminal(fd) {
		return &Guard{fd: fd}, nil
	}
	state, err := xterm.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to set raw mode: %w", err)
	}
	return &Guard{fd: fd, state: state}, nil
}

// Restore puts the terminal back into its original mode.
func (g *Guard) Restore() {
	if g == nil || g.state == nil {
		return
	}
	_ = xterm.Restore(g.fd, g.state)
	g.state = nil
}

// StdinIsTerminal reports whether stdin is still a terminal. The main loop
// rechecks this on poll timeouts to detect a revoked terminal (window
// closed, stdin redirected).
func StdinIsTerminal() bool {
	return xterm.IsTerminal(int(os.Stdin.Fd()))
}

// StdoutIsTerminal reports whether stdout is a terminal; title OSC writes
// are suppressed otherwise.
func StdoutIsTerminal() bool {
	return xterm.IsTerminal(int(os.Stdout.Fd()))
}

// StderrIsTerminal reports whether stderr is a terminal. When it is not,
// the wrapper is running under an adapter that parses the INJECT_PORT line.
func StderrIsTerminal() bool {
	return xterm.IsTerminal(int(os.Stderr.Fd()))
}

// Size queries the controlling terminal's window size, falling back to
// 80x24 when the query fails or reports a zero dimension.
func Size() *pty.Winsize {
	ws, err := pty.GetsizeFull(os.Stdout)
	if err != nil || ws.Rows == 0 || ws.Cols == 0 {
		return &pty.Winsize{Rows: 24, Cols: 80}
	}
	return ws
}
