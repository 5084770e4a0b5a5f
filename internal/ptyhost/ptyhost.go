// Package ptyhost forks a shell under a pseudo-terminal and hands back
// the PTY master, along with the resolved shell, --norc handling, and a
// from-scratch child environment.
package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// SessionNameEnvVar is set inside every spawned shell to the name of its
// session.
const SessionNameEnvVar = "CORRAL_SESSION_NAME"

// Options configures a shell spawn. Shell and NoRC come from the daemon's
// live Config; ExtraEnv is the client's forwarded env overlaid with the
// Config's env table; the rest comes from the attaching client's
// AttachHeader.
type Options struct {
	// Shell overrides the user's login shell; empty means resolve it.
	Shell string
	// NoRC passes --norc --noprofile when the resolved shell is bash.
	NoRC bool
	// ExtraEnv is injected into the child's environment verbatim.
	ExtraEnv map[string]string
	// SessionName becomes CORRAL_SESSION_NAME and the PTY's registry key.
	SessionName string
	// Term is copied from the attaching client's $TERM.
	Term string
	// Rows/Cols size the PTY at fork time so curses apps start out right.
	Rows, Cols uint16
}

// Handle is the live state of a forked shell: its PTY master and its
// process, wired together so the registry and bidi pump can supervise it.
type Handle struct {
	Master *os.File
	Cmd    *exec.Cmd
}

// Spawn resolves the shell to run, forks it attached to a new PTY, and
// returns the parent's view of it. The child's stdin/stdout/stderr are the
// PTY slave, with local echo disabled on it before exec. The child's
// environment starts empty except for HOME, the session marker, TERM, and
// the ExtraEnv vars (the client's forwarded env plus the operator's) — never
// inherited wholesale from the daemon process, so SSH agent sockets and
// the like from the daemon's own environment don't leak into every shell.
func Spawn(opts Options) (*Handle, error) {
	home := ""
	if u, err := user.Current(); err == nil {
		home = u.HomeDir
	} else if opts.Shell == "" {
		return nil, fmt.Errorf("resolving current user: %w", err)
	}

	shell := opts.Shell
	if shell == "" {
		shell = defaultShell()
	}

	args := []string{}
	if opts.NoRC && isBash(shell) {
		args = append(args, "--norc", "--noprofile")
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	defer slave.Close()

	if err := disableEcho(slave); err != nil {
		master.Close()
		return nil, fmt.Errorf("disabling pty echo: %w", err)
	}

	if err := pty.Setsize(master, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols}); err != nil {
		master.Close()
		return nil, fmt.Errorf("sizing pty: %w", err)
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = home
	cmd.Env = buildEnv(home, opts)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		master.Close()
		return nil, fmt.Errorf("forking pty: %w", err)
	}

	return &Handle{Master: master, Cmd: cmd}, nil
}

// disableEcho clears ECHO in the slave's local mode flags, the termios
// equivalent of upstream's set_term_flags done right after forking and
// before exec.
func disableEcho(slave *os.File) error {
	fd := int(slave.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}

func buildEnv(home string, opts Options) []string {
	env := []string{
		"HOME=" + home,
		SessionNameEnvVar + "=" + opts.SessionName,
	}
	if opts.Term != "" {
		env = append(env, "TERM="+opts.Term)
	}
	for k, v := range opts.ExtraEnv {
		env = append(env, k+"="+v)
	}
	return env
}

func isBash(shell string) bool {
	return shell == "/bin/bash" || shell == "/usr/bin/bash"
}

// defaultShell resolves the user's login shell. $SHELL is authoritative
// when set (it is how login(1) records the choice); /bin/sh is the last
// resort so Spawn never fails outright for lack of a shell to run.
func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
