// Package daemon runs corrald's accept loop: it binds (or inherits, via
// systemd socket activation) the unix socket, dispatches each connection
// to a request handler, and keeps the session registry, config, and
// rendezvous slot that those handlers operate on.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/ianremillard/corral/internal/config"
	"github.com/ianremillard/corral/internal/proto"
	"github.com/ianremillard/corral/internal/ptyhost"
	"github.com/ianremillard/corral/internal/pump"
	"github.com/ianremillard/corral/internal/registry"
	"github.com/ianremillard/corral/internal/rendezvous"
)

// headerReadTimeout bounds how long a freshly accepted connection has to
// send its request header before the daemon gives up on it. It is
// cleared once a connection becomes a long-lived attach stream.
const headerReadTimeout = 5 * time.Second

// killGrace is how long Kill waits for SIGHUP to take effect before
// escalating to SIGKILL.
const killGrace = 3 * time.Second

// Daemon holds the live state shared by every accepted connection.
type Daemon struct {
	log        *slog.Logger
	cfgMu      sync.RWMutex
	cfg        *config.Config
	registry   *registry.Registry
	rendezvous *rendezvous.Slot

	listener net.Listener

	closing sync.Once
}

// New constructs a Daemon. cfg may be updated later via SetConfig as a
// config.Watcher observes changes.
func New(cfg *config.Config, log *slog.Logger) *Daemon {
	return &Daemon{
		cfg:        cfg,
		log:        log,
		registry:   registry.New(),
		rendezvous: rendezvous.NewSlot(),
	}
}

// SetConfig swaps in a newly reloaded config. Sessions already running
// keep whatever options they were spawned with; only future spawns see
// the update.
func (d *Daemon) SetConfig(cfg *config.Config) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg
}

func (d *Daemon) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Listen binds socketPath, unless systemd has already passed down a
// listening socket via LISTEN_FDS (socket activation), in which case
// that one is used instead and socketPath is left untouched.
func (d *Daemon) Listen(socketPath string) error {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) > 0 {
		d.listener = listeners[0]
		d.log.Info("using systemd-activated socket")
		return nil
	}

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("clearing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("binding %s: %w", socketPath, err)
	}
	d.listener = ln
	d.log.Info("listening", "socket", socketPath)
	return nil
}

// Serve accepts connections until the listener is closed, dispatching
// each to its own goroutine.
func (d *Daemon) Serve() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go d.handleConn(conn)
	}
}

// Shutdown stops accepting new connections and force-detaches every
// attached client so their pumps unwind. It does not close the sessions'
// PTY masters; they stay open until the daemon process exits.
func (d *Daemon) Shutdown() {
	d.closing.Do(func() {
		if d.listener != nil {
			_ = d.listener.Close()
		}
		for _, entry := range d.registry.List() {
			if sess, ok := d.registry.Get(entry.Name); ok {
				sess.ForceDetach()
			}
		}
	})
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	var req proto.Request
	if err := proto.ReadFrame(conn, &req); err != nil {
		d.log.Debug("discarding connection with no valid header", "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch req.Type {
	case proto.ReqAttach:
		d.handleAttach(conn, req.Attach)
	case proto.ReqList:
		d.handleList(conn)
	case proto.ReqSessionMessage:
		d.handleSessionMessage(conn, req.SessionMessage)
	case proto.ReqDetach:
		d.handleDetach(conn, req.Detach)
	case proto.ReqKill:
		d.handleKill(conn, req.Kill)
	case proto.ReqRemoteCommandLock:
		d.handleRemoteCommandLock(conn)
	case proto.ReqLocalCommandSetName:
		d.handleLocalCommandSetName(conn, req.LocalCommandSetName)
	default:
		d.log.Warn("unknown request type", "type", req.Type)
	}
}

func (d *Daemon) handleAttach(conn net.Conn, hdr *proto.AttachHeader) {
	if hdr == nil {
		return
	}
	cfg := d.config()

	spawn := func() (*registry.Session, error) {
		env := map[string]string{}
		// The client's whitelisted local env (SSH_AUTH_SOCK and the like,
		// see cmd/corral's attachEnvWhitelist) goes in first so an agent
		// socket forwarded from the attaching terminal reaches the shell;
		// operator config takes precedence over it.
		for _, kv := range hdr.LocalEnv {
			env[kv[0]] = kv[1]
		}
		for k, v := range cfg.Env {
			env[k] = v
		}
		handle, err := ptyhost.Spawn(ptyhost.Options{
			Shell:       cfg.Shell,
			NoRC:        cfg.NoRC,
			ExtraEnv:    env,
			SessionName: hdr.Name,
			Term:        hdr.Term,
			Rows:        hdr.LocalTTYSize.Rows,
			Cols:        hdr.LocalTTYSize.Cols,
		})
		if err != nil {
			return nil, err
		}
		return &registry.Session{Master: handle.Master, Cmd: handle.Cmd}, nil
	}

	result, err := d.registry.Attach(hdr.Name, conn, hdr.Force, spawn)
	if err != nil {
		_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqAttach, Attach: &proto.AttachReply{
			Status:  proto.StatusUnexpectedError,
			Message: err.Error(),
		}})
		return
	}

	if result.Evicted != nil {
		_ = result.Evicted.Close()
	}

	if err := proto.WriteFrame(conn, proto.Reply{Type: proto.ReqAttach, Attach: &proto.AttachReply{Status: result.Status}}); err != nil {
		return
	}
	if result.Status == proto.StatusBusy {
		return
	}

	outcome := pump.New(result.Session, conn, d.log).Run()
	pump.WindDown(d.registry, result.Session, conn, outcome)
}

func (d *Daemon) handleList(conn net.Conn) {
	entries := d.registry.List()
	reply := proto.ListReply{Sessions: make([]proto.Session, 0, len(entries))}
	for _, e := range entries {
		reply.Sessions = append(reply.Sessions, proto.Session{
			Name:            e.Name,
			StartedAtUnixMs: e.StartedAt.UnixMilli(),
		})
	}
	_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqList, List: &reply})
}

func (d *Daemon) handleSessionMessage(conn net.Conn, req *proto.SessionMessageRequest) {
	if req == nil {
		return
	}
	sess, ok := d.registry.Get(req.SessionName)
	if !ok {
		d.replySessionMessage(conn, proto.SessionMsgReplyNotFound)
		return
	}

	switch req.PayloadType {
	case proto.SessionMsgResize:
		if !sess.IsAttached() {
			d.replySessionMessage(conn, proto.SessionMsgReplyNotAttached)
			return
		}
		if req.Resize == nil {
			d.replySessionMessage(conn, proto.SessionMsgReplyResizeFailed)
			return
		}
		if err := sess.Resize(*req.Resize); err != nil {
			d.replySessionMessage(conn, proto.SessionMsgReplyResizeFailed)
			return
		}
		d.replySessionMessage(conn, proto.SessionMsgReplyResizeOk)
	case proto.SessionMsgDetach:
		sess.ForceDetach()
		d.replySessionMessage(conn, proto.SessionMsgReplyDetachOk)
	}
}

func (d *Daemon) replySessionMessage(conn net.Conn, status proto.SessionMessageReplyStatus) {
	_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqSessionMessage, SessionMessage: &proto.SessionMessageReply{Status: status}})
}

func (d *Daemon) handleDetach(conn net.Conn, req *proto.DetachRequest) {
	if req == nil {
		return
	}
	reply := proto.DetachReply{}
	for _, name := range req.Sessions {
		sess, ok := d.registry.Get(name)
		if !ok {
			reply.NotFoundSessions = append(reply.NotFoundSessions, name)
			continue
		}
		if !sess.ForceDetach() {
			reply.NotAttachedSessions = append(reply.NotAttachedSessions, name)
		}
	}
	_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqDetach, Detach: &reply})
}

func (d *Daemon) handleKill(conn net.Conn, req *proto.KillRequest) {
	if req == nil {
		return
	}
	reply := proto.KillReply{}
	for _, name := range req.Sessions {
		sess, ok := d.registry.Get(name)
		if !ok {
			reply.NotFoundSessions = append(reply.NotFoundSessions, name)
			continue
		}
		sess.ForceDetach()
		sess.Kill(killGrace)
		d.registry.Remove(name)
	}
	_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqKill, Kill: &reply})
}

// handleRemoteCommandLock services the remote half of an SSH rendezvous: an
// sshd ForceCommand invocation that has no session name of its own. It
// parks on the daemon's single rendezvous slot until a local operator
// command (handleLocalCommandSetName) deposits a name, then becomes a
// normal Attach using that name, term, and tty size.
func (d *Daemon) handleRemoteCommandLock(conn net.Conn) {
	name, term, size, err := d.rendezvous.ParkRemote()
	if err != nil {
		status := proto.StatusTimeout
		if errors.Is(err, rendezvous.ErrParkingFull) {
			status = proto.StatusSshExtensionParkingSlotFull
		}
		_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqAttach, Attach: &proto.AttachReply{Status: status}})
		return
	}

	d.handleAttach(conn, &proto.AttachHeader{
		Name:         name,
		Term:         term,
		LocalTTYSize: size,
	})
}

// handleLocalCommandSetName services the local operator half of an SSH
// rendezvous: it deposits the session name (and the local tty's term/size)
// for a parked or arriving remote ForceCommand invocation to pick up.
func (d *Daemon) handleLocalCommandSetName(conn net.Conn, req *proto.LocalCommandSetNameRequest) {
	if req == nil {
		return
	}

	err := d.rendezvous.ParkLocal(req.Name, req.Term, req.LocalTTYSize)
	status := proto.LocalCommandSetNameOk
	if err != nil {
		status = proto.LocalCommandSetNameTimeout
	}
	_ = proto.WriteFrame(conn, proto.Reply{Type: proto.ReqLocalCommandSetName, LocalCommandSetName: &proto.LocalCommandSetNameReply{Status: status}})
}
