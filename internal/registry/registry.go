// Package registry implements the daemon's session table: a process-wide
// name→Session map protected by an exclusive lock that is only ever held
// for the map's own critical sections, plus a separate per-session
// "who's attached" swap that decides Attach/Busy/Created without holding
// the map lock for an entire session's lifetime.
//
// The attached-client swap compares the stored connection against the
// caller's before clearing it, so a pump that has already been
// superseded by a forced attach can't clobber the newer attachment when
// it unwinds.
package registry

import (
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ianremillard/corral/internal/proto"
)

// Session is one named, long-lived shell plus its PTY, tracked by a
// Registry.
type Session struct {
	Name      string
	StartedAt time.Time

	Master *os.File
	Cmd    *exec.Cmd

	stateMu sync.Mutex
	client  net.Conn

	// WriteMu serializes writes of framed output to the attached client so
	// a heartbeat chunk never interleaves with a data chunk mid-frame.
	WriteMu sync.Mutex
}

// Client returns the currently attached connection, or nil if detached.
func (s *Session) Client() net.Conn {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.client
}

// IsAttached reports whether a client is currently attached.
func (s *Session) IsAttached() bool {
	return s.Client() != nil
}

// ClearIfCurrent detaches the session, but only if conn is still the
// attached client. A pump that has just been superseded by a forced
// attach must not clobber the new attachment when it unwinds; this is the
// compare-and-clear that makes that safe.
func (s *Session) ClearIfCurrent(conn net.Conn) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.client == conn {
		s.client = nil
	}
}

// Resize applies a new window size to the PTY master. Safe to call
// concurrently with the bidi pump's reads/writes on the same fd.
func (s *Session) Resize(size proto.ResizeRequest) error {
	return pty.Setsize(s.Master, &pty.Winsize{
		Rows: size.TTYSize.Rows,
		Cols: size.TTYSize.Cols,
		X:    size.TTYSize.XPixel,
		Y:    size.TTYSize.YPixel,
	})
}

// Kill terminates the shell's process group, escalating from SIGHUP to
// SIGKILL if it doesn't exit promptly.
func (s *Session) Kill(grace time.Duration) {
	pid := s.Cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		pgid = pid
	}

	_ = syscall.Kill(-pgid, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		s.Cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
}

// AttachResult is returned by Registry.Attach.
type AttachResult struct {
	Status  proto.AttachStatus
	Session *Session
	// Evicted is the previously attached connection when a forced attach
	// superseded it; the caller is responsible for shutting it down, which
	// is what makes the old pump observe an error and wind itself down.
	Evicted net.Conn
}

// SpawnFunc creates a brand-new Session for a name absent from the
// registry. It is invoked without the registry lock held; the name stays
// reserved in the registry's pending set while the child shell forks, so a
// racing second Attach for it waits instead of spawning another.
type SpawnFunc func() (*Session, error)

// Registry is the process-wide session table. mu is held only long enough
// to insert, look up, swap the attached client, or remove an entry — never
// across I/O; pending tracks names reserved for an in-flight spawn so a
// concurrent Attach for the same new name waits on cond rather than
// forking a second shell for it.
type Registry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*Session
	pending  map[string]bool
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Attach creates a session if name is unknown, installs conn as the
// attached client if the session is currently detached, or returns Busy
// (or evicts the old client, if force) if someone is already attached.
//
// Spawning a brand-new session forks and execs a shell (see
// ptyhost.Spawn), which is I/O the registry lock must never be held
// across. The name is reserved in r.pending for the duration of the
// spawn, with the lock dropped, then re-acquired to install the result
// (or release the reservation on failure); a second Attach racing for the
// same unknown name waits on r.cond instead of spawning a competing shell.
func (r *Registry) Attach(name string, conn net.Conn, force bool, spawn SpawnFunc) (AttachResult, error) {
	r.mu.Lock()
	for {
		if sess, ok := r.sessions[name]; ok {
			defer r.mu.Unlock()
			sess.stateMu.Lock()
			defer sess.stateMu.Unlock()

			if sess.client == nil {
				sess.client = conn
				return AttachResult{Status: proto.StatusAttached, Session: sess}, nil
			}
			if !force {
				return AttachResult{Status: proto.StatusBusy, Session: sess}, nil
			}
			evicted := sess.client
			sess.client = conn
			return AttachResult{Status: proto.StatusAttached, Session: sess, Evicted: evicted}, nil
		}

		if r.pending[name] {
			r.cond.Wait()
			continue
		}
		break
	}

	if r.pending == nil {
		r.pending = make(map[string]bool)
	}
	r.pending[name] = true
	r.mu.Unlock()

	newSess, err := spawn()

	r.mu.Lock()
	delete(r.pending, name)
	r.cond.Broadcast()
	if err != nil {
		r.mu.Unlock()
		return AttachResult{}, err
	}
	newSess.Name = name
	newSess.StartedAt = time.Now()
	newSess.client = conn
	r.sessions[name] = newSess
	r.mu.Unlock()
	return AttachResult{Status: proto.StatusCreated, Session: newSess}, nil
}

// Get looks up a session by name for routing SessionMessage/Detach/Kill
// requests. The bool is false if no such session exists.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	return sess, ok
}

// Remove deletes a session from the table. Tolerates a missing entry;
// called both after a shell exits and by Kill.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// ListEntry is one row of a registry snapshot.
type ListEntry struct {
	Name      string
	StartedAt time.Time
}

// List takes a point-in-time snapshot of the registry.
func (r *Registry) List() []ListEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ListEntry, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, ListEntry{Name: sess.Name, StartedAt: sess.StartedAt})
	}
	return out
}

// ForceDetach shuts down the attached client's connection, if any,
// causing its bidi pump to observe an I/O error and wind down. Used by
// the Detach RPC directly, and indirectly via Evicted on a forced Attach.
func (s *Session) ForceDetach() (wasAttached bool) {
	conn := s.Client()
	if conn == nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Snapshot describes a session's current attachment for Detach/Kill
// request bookkeeping.
type Snapshot struct {
	Name     string
	Attached bool
}
