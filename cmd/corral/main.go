// Command corral is the operator-facing CLI: attach to, detach, kill, and
// list the sessions hosted by a running corrald.
package main

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/fatih/color"

	"github.com/ianremillard/corral/internal/client"
	"github.com/ianremillard/corral/internal/config"
	"github.com/ianremillard/corral/internal/proto"
	"github.com/ianremillard/corral/internal/ptyhost"
	"github.com/ianremillard/corral/internal/tty"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	socketPath, err := config.DefaultSocketPath(os.Getenv("CORRAL_SOCKET"))
	if err != nil {
		fatal("resolving socket path: %v", err)
	}

	switch os.Args[1] {
	case "attach":
		cmdAttach(os.Args[2:], socketPath)
	case "detach":
		cmdDetach(os.Args[2:], socketPath)
	case "kill":
		cmdKill(os.Args[2:], socketPath)
	case "list":
		cmdList(socketPath)
	case "ssh-local-command-set-name":
		cmdSSHLocalCommandSetName(os.Args[2:], socketPath)
	case "ssh-remote-command-lock":
		cmdSSHRemoteCommandLock(socketPath)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: corral <attach|detach|kill|list|ssh-local-command-set-name|ssh-remote-command-lock> [args]")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "corral: "+format+"\n", args...)
	os.Exit(1)
}

func cmdAttach(args []string, socketPath string) {
	force := false
	var name string
	for _, a := range args {
		if a == "--force" || a == "-f" {
			force = true
			continue
		}
		name = a
	}
	if name == "" {
		fatal("attach requires a session name")
	}

	conn, err := client.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	size, _ := tty.SizeFromFd(int(os.Stdin.Fd()))
	hdr := proto.AttachHeader{
		Name:         name,
		Term:         os.Getenv("TERM"),
		LocalTTYSize: size,
		LocalEnv:     collectEnv(),
		Force:        force,
	}

	status, msg, err := client.Attach(conn, hdr)
	if err != nil {
		fatal("%v", err)
	}

	switch status {
	case proto.StatusAttached, proto.StatusCreated:
		if status == proto.StatusCreated {
			fmt.Fprintln(os.Stderr, color.GreenString("started new session %q", name))
		}
	case proto.StatusBusy:
		fatal("session %q is already attached; pass --force to steal it", name)
	case proto.StatusTimeout:
		fatal("timed out waiting to attach to %q", name)
	case proto.StatusUnexpectedError:
		fatal("daemon error: %s", msg)
	default:
		fatal("unexpected attach status %s", status)
	}

	if err := client.Pipe(conn, name, socketPath); err != nil {
		fatal("%v", err)
	}
}

func cmdDetach(args []string, socketPath string) {
	args = resolveSessions(args)
	if len(args) == 0 {
		fatal("detach requires at least one session name")
	}
	conn, err := client.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	req := proto.Request{Type: proto.ReqDetach, Detach: &proto.DetachRequest{Sessions: args}}
	if err := proto.WriteFrame(conn, req); err != nil {
		fatal("%v", err)
	}
	var reply proto.Reply
	if err := proto.ReadFrame(conn, &reply); err != nil {
		fatal("%v", err)
	}
	if reply.Detach == nil {
		return
	}
	for _, n := range reply.Detach.NotFoundSessions {
		fmt.Fprintln(os.Stderr, color.YellowString("no such session %q", n))
	}
	for _, n := range reply.Detach.NotAttachedSessions {
		fmt.Fprintln(os.Stderr, color.YellowString("session %q was not attached", n))
	}
}

func cmdKill(args []string, socketPath string) {
	args = resolveSessions(args)
	if len(args) == 0 {
		fatal("kill requires at least one session name")
	}
	conn, err := client.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	req := proto.Request{Type: proto.ReqKill, Kill: &proto.KillRequest{Sessions: args}}
	if err := proto.WriteFrame(conn, req); err != nil {
		fatal("%v", err)
	}
	var reply proto.Reply
	if err := proto.ReadFrame(conn, &reply); err != nil {
		fatal("%v", err)
	}
	if reply.Kill == nil {
		return
	}
	for _, n := range reply.Kill.NotFoundSessions {
		fmt.Fprintln(os.Stderr, color.YellowString("no such session %q", n))
	}
}

func cmdList(socketPath string) {
	conn, err := client.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	req := proto.Request{Type: proto.ReqList}
	if err := proto.WriteFrame(conn, req); err != nil {
		fatal("%v", err)
	}
	var reply proto.Reply
	if err := proto.ReadFrame(conn, &reply); err != nil {
		fatal("%v", err)
	}
	if reply.List == nil || len(reply.List.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range reply.List.Sessions {
		started := time.UnixMilli(s.StartedAtUnixMs).Format(time.RFC3339)
		fmt.Printf("%s\t%s\n", color.CyanString(s.Name), started)
	}
}

func cmdSSHLocalCommandSetName(args []string, socketPath string) {
	if len(args) == 0 {
		fatal("ssh-local-command-set-name requires a rendezvous key")
	}
	key := args[0]

	u, err := user.Current()
	if err != nil {
		fatal("%v", err)
	}

	conn, err := client.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	size, _ := tty.SizeFromFd(int(os.Stdin.Fd()))
	req := proto.Request{Type: proto.ReqLocalCommandSetName, LocalCommandSetName: &proto.LocalCommandSetNameRequest{
		Name:         key,
		Term:         os.Getenv("TERM"),
		LocalTTYSize: size,
	}}
	if err := proto.WriteFrame(conn, req); err != nil {
		fatal("%v", err)
	}
	var reply proto.Reply
	if err := proto.ReadFrame(conn, &reply); err != nil {
		fatal("%v", err)
	}
	if reply.LocalCommandSetName == nil || reply.LocalCommandSetName.Status != proto.LocalCommandSetNameOk {
		fatal("rendezvous for %q (uid %s) timed out", key, u.Uid)
	}
}

// cmdSSHRemoteCommandLock is the remote half of the SSH rendezvous: it is
// what an sshd ForceCommand invocation runs on the daemon's host, with no
// session name of its own. It blocks until a local operator runs
// "ssh-local-command-set-name NAME" against the same daemon, then attaches
// to whatever name that deposits.
func cmdSSHRemoteCommandLock(socketPath string) {
	conn, err := client.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	req := proto.Request{Type: proto.ReqRemoteCommandLock}
	if err := proto.WriteFrame(conn, req); err != nil {
		fatal("%v", err)
	}
	var reply proto.Reply
	if err := proto.ReadFrame(conn, &reply); err != nil {
		fatal("%v", err)
	}
	if reply.Attach == nil {
		fatal("daemon sent no attach reply")
	}

	switch reply.Attach.Status {
	case proto.StatusAttached, proto.StatusCreated:
	case proto.StatusTimeout:
		fatal("timed out waiting for a local operator to set a session name")
	case proto.StatusSshExtensionParkingSlotFull:
		fatal("another remote login is already waiting for a session name")
	case proto.StatusUnexpectedError:
		fatal("daemon error: %s", reply.Attach.Message)
	default:
		fatal("unexpected attach status %s", reply.Attach.Status)
	}

	// The name the daemon picked isn't disclosed on this reply, so resize
	// forwarding on this connection is best-effort: a SIGWINCH-triggered
	// resize would need the session name to route to, which this command
	// never learns.
	if err := client.Pipe(conn, "", socketPath); err != nil {
		fatal("%v", err)
	}
}

// resolveSessions falls back to $CORRAL_SESSION_NAME when no session names
// are given on the command line, so "corral detach"/"corral kill" with no
// arguments act on the session the caller is currently inside (the
// variable ptyhost.Spawn sets for every shell it forks).
func resolveSessions(args []string) []string {
	if len(args) > 0 {
		return args
	}
	if name := os.Getenv(ptyhost.SessionNameEnvVar); name != "" {
		return []string{name}
	}
	return args
}

// attachEnvWhitelist is the small slice of the attacher's own environment
// forwarded in an AttachHeader — never the whole environment, so a daemon
// started outside any SSH session doesn't inherit one client's agent
// sockets or locale quirks through another's attach.
var attachEnvWhitelist = []string{"SSH_AUTH_SOCK", "TERM", "LANG", "LC_ALL", "COLORTERM"}

func collectEnv() [][2]string {
	out := make([][2]string, 0, len(attachEnvWhitelist))
	for _, k := range attachEnvWhitelist {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}
