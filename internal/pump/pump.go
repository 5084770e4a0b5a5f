// Package pump runs the bidirectional byte shuttle between an attached
// client connection and a session's PTY master: one goroutine copying
// client input into the shell, one copying shell output out as Chunks, a
// heartbeat ticker, and a supervisor watching for the child shell to
// exit.
package pump

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/corral/internal/proto"
	"github.com/ianremillard/corral/internal/registry"
)

// HeartbeatInterval is how often the daemon writes a keepalive chunk to
// an idle attached client, so a dead TCP-over-SSH tunnel is noticed
// quickly instead of hanging until the next real write.
const HeartbeatInterval = 200 * time.Millisecond

// SupervisorPollInterval is how often the supervisor checks the PTY
// master for a hangup from the child shell exiting.
const SupervisorPollInterval = 300 * time.Millisecond

// MasterReadPollInterval bounds how long shellToClient waits for the PTY
// master to become readable before rechecking the stop flag. Nothing on
// the client side can ever unblock a read against the master fd, so W2
// must poll with a short timeout rather than block on Read indefinitely.
const MasterReadPollInterval = 200 * time.Millisecond

// ShutdownGrace bounds how long the pump waits for its readers/writers to
// notice a stop request before forcibly closing the connection out from
// under them.
const ShutdownGrace = 2 * time.Second

const readBufSize = 16 * 1024

// Outcome describes why a Pump stopped, so the caller knows whether to
// remove the session from the registry (child exited) or just clear its
// attached client (client detached, shell still running).
type Outcome int

const (
	// OutcomeClientGone means the client connection closed or errored;
	// the shell is still alive and the session stays registered.
	OutcomeClientGone Outcome = iota
	// OutcomeChildExited means the shell process exited; the session
	// should be removed from the registry entirely.
	OutcomeChildExited
)

// Pump owns one attached session's byte shuttle for its lifetime.
type Pump struct {
	sess *registry.Session
	conn net.Conn
	log  *slog.Logger

	stop        atomic.Bool
	childExited atomic.Bool

	wg sync.WaitGroup
}

// New constructs a Pump for an already-attached session/connection pair.
func New(sess *registry.Session, conn net.Conn, log *slog.Logger) *Pump {
	return &Pump{sess: sess, conn: conn, log: log}
}

// Run drives the four workers until one of them decides the session is
// over, then waits for the others to unwind and reports why.
func (p *Pump) Run() Outcome {
	var once sync.Once
	stopped := make(chan struct{})
	stopAll := func() {
		once.Do(func() {
			p.stop.Store(true)
			close(stopped)
		})
	}

	p.wg.Add(4)
	go p.clientToShell(stopAll)
	go p.shellToClient(stopAll)
	go p.heartbeat(stopAll)
	go p.supervisor(stopAll)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopped:
		select {
		case <-done:
		case <-time.After(ShutdownGrace):
			// Workers are stuck on blocking I/O; force both the client
			// connection and the PTY master closed so whichever side they're
			// blocked on unblocks with an error and the goroutines don't leak.
			_ = p.conn.Close()
			_ = p.sess.Master.Close()
			<-done
		}
	}

	if p.childExited.Load() {
		return OutcomeChildExited
	}
	return OutcomeClientGone
}

// clientToShell is W1: it copies raw bytes from the attached connection
// into the PTY master, i.e. keystrokes reaching the shell.
func (p *Pump) clientToShell(stopAll func()) {
	defer p.wg.Done()
	defer stopAll()

	buf := make([]byte, readBufSize)
	for !p.stop.Load() {
		n, err := p.conn.Read(buf)
		if n > 0 {
			if _, werr := p.sess.Master.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// shellToClient is W2: it awaits readability on the PTY master via a
// short-timeout poll (nothing on the client side can interrupt a blocking
// Master.Read, so this is the only way it observes stop promptly), then
// reads PTY output and frames it as Data chunks to the attached client,
// serialized against heartbeat writes via the session's WriteMu.
func (p *Pump) shellToClient(stopAll func()) {
	defer p.wg.Done()
	defer stopAll()

	fd := int32(p.sess.Master.Fd())
	buf := make([]byte, readBufSize)
	for !p.stop.Load() {
		pfd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, int(MasterReadPollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		if pfd[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			p.childExited.Store(true)
			return
		}
		if pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nr, rerr := p.sess.Master.Read(buf)
		if nr > 0 {
			p.sess.WriteMu.Lock()
			werr := proto.WriteChunk(p.conn, proto.ChunkData, buf[:nr])
			p.sess.WriteMu.Unlock()
			if werr != nil {
				return
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				p.childExited.Store(true)
			}
			return
		}
	}
}

// heartbeat is W3: every HeartbeatInterval it writes a zero-length
// heartbeat chunk, so a silent session still produces traffic an
// attacher can use to detect a dead transport.
func (p *Pump) heartbeat(stopAll func()) {
	defer p.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		if p.stop.Load() {
			return
		}
		p.sess.WriteMu.Lock()
		err := proto.WriteChunk(p.conn, proto.ChunkHeartbeat, nil)
		p.sess.WriteMu.Unlock()
		if err != nil {
			stopAll()
			return
		}
	}
}

// supervisor is W4: it polls the PTY master file descriptor for a
// hangup, which is how a Go process notices a child shell has exited
// without blocking a dedicated waitpid call on the critical path.
func (p *Pump) supervisor(stopAll func()) {
	defer p.wg.Done()

	fd := int(p.sess.Master.Fd())
	for !p.stop.Load() {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLHUP | unix.POLLERR}}
		n, err := unix.Poll(pfd, int(SupervisorPollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		if n > 0 && pfd[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			p.log.Debug("shell exited", "session", p.sess.Name)
			p.childExited.Store(true)
			stopAll()
			return
		}
	}
}

// WindDown applies a finished Pump's outcome to the registry: a
// ChildExited outcome removes the session outright, a ClientGone outcome
// only clears the attachment (if this connection is still the current
// one) so a future Attach can reuse the still-running shell.
func WindDown(reg *registry.Registry, sess *registry.Session, conn net.Conn, outcome Outcome) {
	switch outcome {
	case OutcomeChildExited:
		reg.Remove(sess.Name)
	case OutcomeClientGone:
		sess.ClearIfCurrent(conn)
	}
}
