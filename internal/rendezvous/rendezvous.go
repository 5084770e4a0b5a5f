// Package rendezvous implements the two-party handshake between an SSH
// login session (the "remote" side, running inside an sshd-spawned shell
// via a ForceCommand with no session name of its own) and a local operator
// command that supplies the name to attach to. Arrival order of the two
// sides is unspecified by ssh_config(5), so whichever side shows up first
// parks and waits for the other, bounded by AttachWindow.
//
// There is exactly one Slot per daemon, matching the singleton rendezvous
// object in the data model: a single pending SSH login is assumed at a
// time, and a second remote arriving while one is already parked is turned
// away with SshExtensionParkingSlotFull rather than queued.
package rendezvous

import (
	"fmt"
	"sync"
	"time"

	"github.com/ianremillard/corral/internal/tty"
)

// AttachWindow bounds how long either side waits for its counterpart.
const AttachWindow = 30 * time.Second

// Slot is the daemon's single rendezvous point. The remote side (an SSH
// ForceCommand invocation) doesn't know the session name; the local side
// (an operator running "corral ssh-local-command-set-name") deposits it.
// parkedLocal and parkedRemote are never both true at once.
type Slot struct {
	mu   sync.Mutex
	cond *sync.Cond

	// hasName is true while a deposited name awaits pickup by a parked or
	// arriving remote.
	hasName bool
	name    string
	term    string
	size    tty.Size

	parkedLocal  bool
	parkedRemote bool
}

// NewSlot returns an empty, unparked rendezvous slot.
func NewSlot() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ErrTimedOut is returned by ParkLocal/ParkRemote when AttachWindow
// elapses before the counterpart arrives.
type ErrTimedOut struct{ Side string }

func (e ErrTimedOut) Error() string {
	return fmt.Sprintf("rendezvous: %s side timed out waiting for counterpart", e.Side)
}

// ErrParkingFull is returned by ParkRemote when another remote is already
// parked; only one pending SSH login is handled at a time.
var ErrParkingFull = fmt.Errorf("rendezvous: remote parking slot is full")

// ParkLocal is called by the local operator side with the session name the
// remote should attach to. If a remote is already parked, the name is
// handed off immediately. Otherwise it parks, waiting for a remote to
// arrive and take the name, bounded by AttachWindow.
func (s *Slot) ParkLocal(name, term string, size tty.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parkedLocal {
		return fmt.Errorf("rendezvous: local side already parked")
	}

	s.name, s.term, s.size = name, term, size
	s.hasName = true
	s.cond.Broadcast()

	if s.parkedRemote {
		// A remote is already waiting; it will wake, take the name, and
		// clear hasName itself. Nothing further for the local side to do.
		return nil
	}

	s.parkedLocal = true
	defer func() { s.parkedLocal = false }()

	deadline := time.Now().Add(AttachWindow)
	for s.hasName {
		if !s.waitUntil(deadline) {
			s.hasName = false
			s.name, s.term, s.size = "", "", tty.Size{}
			return ErrTimedOut{Side: "local"}
		}
	}
	return nil
}

// ParkRemote is called by the SSH ForceCommand side, which has no session
// name of its own. If a local side has already deposited one, it is taken
// immediately. Otherwise it parks, waiting for a local side to arrive,
// bounded by AttachWindow.
func (s *Slot) ParkRemote() (name, term string, size tty.Size, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parkedRemote {
		return "", "", tty.Size{}, ErrParkingFull
	}

	if s.hasName {
		return s.take()
	}

	s.parkedRemote = true
	deadline := time.Now().Add(AttachWindow)
	for !s.hasName {
		if !s.waitUntil(deadline) {
			s.parkedRemote = false
			return "", "", tty.Size{}, ErrTimedOut{Side: "remote"}
		}
	}
	s.parkedRemote = false
	return s.take()
}

// take consumes the deposited name under the slot's lock and wakes the
// depositing local side, if it's still waiting.
func (s *Slot) take() (name, term string, size tty.Size, err error) {
	name, term, size = s.name, s.term, s.size
	s.hasName = false
	s.name, s.term, s.size = "", "", tty.Size{}
	s.cond.Broadcast()
	return name, term, size, nil
}

// waitUntil blocks on the condition variable until woken or deadline
// passes, returning false on timeout. sync.Cond has no built-in timeout,
// so a timer goroutine nudges the broadcast if nothing else does.
func (s *Slot) waitUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.AfterFunc(remaining, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.cond.Wait()
	return time.Now().Before(deadline)
}
