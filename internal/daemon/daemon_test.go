package daemon

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/corral/internal/config"
	"github.com/ianremillard/corral/internal/proto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T) (socketPath string, d *Daemon) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "corrald.sock")

	d = New(&config.Config{Shell: "/bin/sh"}, testLogger())
	require.NoError(t, d.Listen(socketPath))
	go d.Serve()
	t.Cleanup(d.Shutdown)
	return socketPath, d
}

func dial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAttachCreatesNewSessionAndEchoesInput(t *testing.T) {
	socketPath, _ := startDaemon(t)
	conn := dial(t, socketPath)

	req := proto.Request{Type: proto.ReqAttach, Attach: &proto.AttachHeader{Name: "work"}}
	require.NoError(t, proto.WriteFrame(conn, req))

	var reply proto.Reply
	require.NoError(t, proto.ReadFrame(conn, &reply))
	require.NotNil(t, reply.Attach)
	assert.Equal(t, proto.StatusCreated, reply.Attach.Status)

	_, err := conn.Write([]byte("echo hello-corral\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 8192)
	var collected []byte
	for i := 0; i < 50; i++ {
		kind, payload, err := proto.ReadChunk(conn, buf)
		if err != nil {
			break
		}
		if kind == proto.ChunkData {
			collected = append(collected, payload...)
		}
		if len(collected) > 0 && containsHello(collected) {
			break
		}
	}
	assert.True(t, containsHello(collected), "expected echoed shell output to contain hello-corral, got %q", collected)
}

func containsHello(b []byte) bool {
	return len(b) > 0 && indexOf(string(b), "hello-corral") >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestSecondAttachWithoutForceReturnsBusy(t *testing.T) {
	socketPath, _ := startDaemon(t)

	first := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(first, proto.Request{Type: proto.ReqAttach, Attach: &proto.AttachHeader{Name: "work"}}))
	var reply proto.Reply
	require.NoError(t, proto.ReadFrame(first, &reply))
	require.Equal(t, proto.StatusCreated, reply.Attach.Status)

	second := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(second, proto.Request{Type: proto.ReqAttach, Attach: &proto.AttachHeader{Name: "work"}}))
	var reply2 proto.Reply
	require.NoError(t, proto.ReadFrame(second, &reply2))
	assert.Equal(t, proto.StatusBusy, reply2.Attach.Status)
}

func TestListReturnsAttachedSession(t *testing.T) {
	socketPath, _ := startDaemon(t)
	conn := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(conn, proto.Request{Type: proto.ReqAttach, Attach: &proto.AttachHeader{Name: "listed"}}))
	var attachReply proto.Reply
	require.NoError(t, proto.ReadFrame(conn, &attachReply))

	lister := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(lister, proto.Request{Type: proto.ReqList}))
	var listReply proto.Reply
	require.NoError(t, proto.ReadFrame(lister, &listReply))
	require.NotNil(t, listReply.List)

	found := false
	for _, s := range listReply.List.Sessions {
		if s.Name == "listed" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestKillRemovesSessionFromList(t *testing.T) {
	socketPath, _ := startDaemon(t)
	conn := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(conn, proto.Request{Type: proto.ReqAttach, Attach: &proto.AttachHeader{Name: "to-kill"}}))
	var attachReply proto.Reply
	require.NoError(t, proto.ReadFrame(conn, &attachReply))

	killer := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(killer, proto.Request{Type: proto.ReqKill, Kill: &proto.KillRequest{Sessions: []string{"to-kill"}}}))
	var killReply proto.Reply
	require.NoError(t, proto.ReadFrame(killer, &killReply))
	require.NotNil(t, killReply.Kill)
	assert.Empty(t, killReply.Kill.NotFoundSessions)

	lister := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(lister, proto.Request{Type: proto.ReqList}))
	var listReply proto.Reply
	require.NoError(t, proto.ReadFrame(lister, &listReply))
	for _, s := range listReply.List.Sessions {
		assert.NotEqual(t, "to-kill", s.Name)
	}
}

func TestKillUnknownSessionReportsNotFound(t *testing.T) {
	socketPath, _ := startDaemon(t)
	killer := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(killer, proto.Request{Type: proto.ReqKill, Kill: &proto.KillRequest{Sessions: []string{"never-existed"}}}))
	var killReply proto.Reply
	require.NoError(t, proto.ReadFrame(killer, &killReply))
	require.NotNil(t, killReply.Kill)
	assert.Equal(t, []string{"never-existed"}, killReply.Kill.NotFoundSessions)
}

func TestSSHRendezvousHandsNameFromLocalToRemote(t *testing.T) {
	socketPath, _ := startDaemon(t)

	remote := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(remote, proto.Request{Type: proto.ReqRemoteCommandLock}))

	// Give the remote side time to park before the local side deposits a
	// name, so this exercises the "remote arrived first" ordering.
	time.Sleep(20 * time.Millisecond)

	local := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(local, proto.Request{Type: proto.ReqLocalCommandSetName, LocalCommandSetName: &proto.LocalCommandSetNameRequest{
		Name: "ssh-session", Term: "xterm",
	}}))
	var localReply proto.Reply
	require.NoError(t, proto.ReadFrame(local, &localReply))
	require.NotNil(t, localReply.LocalCommandSetName)
	assert.Equal(t, proto.LocalCommandSetNameOk, localReply.LocalCommandSetName.Status)

	var remoteReply proto.Reply
	require.NoError(t, proto.ReadFrame(remote, &remoteReply))
	require.NotNil(t, remoteReply.Attach)
	assert.Equal(t, proto.StatusCreated, remoteReply.Attach.Status)

	lister := dial(t, socketPath)
	require.NoError(t, proto.WriteFrame(lister, proto.Request{Type: proto.ReqList}))
	var listReply proto.Reply
	require.NoError(t, proto.ReadFrame(lister, &listReply))
	found := false
	for _, s := range listReply.List.Sessions {
		if s.Name == "ssh-session" {
			found = true
		}
	}
	assert.True(t, found, "expected the rendezvous-assigned session name to be registered")
}

func TestSocketActivationFallsBackToExplicitBind(t *testing.T) {
	// Without LISTEN_FDS set, Listen should fall back to binding
	// socketPath directly rather than erroring.
	os.Unsetenv("LISTEN_FDS")
	os.Unsetenv("LISTEN_PID")

	socketPath := filepath.Join(t.TempDir(), "corrald.sock")
	d := New(&config.Config{}, testLogger())
	require.NoError(t, d.Listen(socketPath))
	defer d.Shutdown()

	_, err := os.Stat(socketPath)
	assert.NoError(t, err)
}
