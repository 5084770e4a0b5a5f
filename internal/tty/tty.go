// Package tty puts the attacher's controlling terminal into raw mode and
// reads its window size, built on golang.org/x/term.
package tty

import (
	"os"

	"golang.org/x/term"
)

// Size is the terminal geometry exchanged in AttachHeader and ResizeRequest.
type Size struct {
	Rows   uint16
	Cols   uint16
	XPixel uint16
	YPixel uint16
}

// SizeFromFd reads the current window size of fd via the kernel's "get
// window size" ioctl (TIOCGWINSZ, wrapped by x/term).
func SizeFromFd(fd int) (Size, error) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return Size{}, err
	}
	return Size{Rows: uint16(rows), Cols: uint16(cols)}, nil
}

// Guard restores a terminal's termios settings when its Restore method is
// called. Restoring is
// idempotent and safe to call on every exit path, including ones reached
// from a panic recovery or a forced os.Exit cleanup registered up front.
type Guard struct {
	fd    int
	state *term.State
}

// Restore undoes the raw-mode change. Safe to call when nothing was
// changed (state is nil): it is then a no-op, which is what a guard for
// a non-terminal fd needs to do.
func (g *Guard) Restore() {
	if g == nil || g.state == nil {
		return
	}
	term.Restore(g.fd, g.state)
}

// EnterRaw snapshots the termios state of fd and switches it to raw mode:
// no canonical-mode line buffering, no local echo, no signal generation,
// no input/output post-processing, so that every byte the user types is
// delivered to the daemon one-for-one. If fd is not a terminal, or any of
// stdin/stdout/stderr is not, EnterRaw is a no-op and returns a Guard whose
// Restore does nothing: a process with no real controlling terminal on all
// three has nothing consistent to restore later.
func EnterRaw(fd int) (*Guard, error) {
	if !term.IsTerminal(fd) || !StdioIsTerminal() {
		return &Guard{fd: fd}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Guard{fd: fd, state: state}, nil
}

// StdioIsTerminal reports whether stdin, stdout, and stderr are all
// attached to a terminal. EnterRaw is only meaningful when all three
// are; otherwise the daemon's shell would be driven by a process with no
// real controlling terminal to restore.
func StdioIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) &&
		term.IsTerminal(int(os.Stdout.Fd())) &&
		term.IsTerminal(int(os.Stderr.Fd()))
}
