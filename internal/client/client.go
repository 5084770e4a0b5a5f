// Package client implements corral's attacher: it dials the daemon's
// socket, sends an Attach request, puts the local terminal into raw
// mode, and pipes bytes between the terminal and the session's Chunk
// stream until the connection ends or the user detaches.
package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/corral/internal/proto"
	"github.com/ianremillard/corral/internal/tty"
)

// stuckGrace bounds how long Pipe waits for its reader/writer goroutines
// to notice a close before giving up on them and exiting anyway, so a
// hung socket never leaves a terminal stuck in raw mode forever.
const stuckGrace = 1500 * time.Millisecond

const readBufSize = 16 * 1024

// Dial connects to the daemon's unix socket.
func Dial(socketPath string) (net.Conn, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return conn, nil
}

// Attach sends an AttachHeader and returns the resulting status. On
// StatusAttached or StatusCreated the connection is now a live Chunk
// stream and the caller should proceed to Pipe; any other status means
// the daemon has nothing more to say and the connection should be
// closed.
func Attach(conn net.Conn, hdr proto.AttachHeader) (proto.AttachStatus, string, error) {
	req := proto.Request{Type: proto.ReqAttach, Attach: &hdr}
	if err := proto.WriteFrame(conn, req); err != nil {
		return 0, "", fmt.Errorf("sending attach request: %w", err)
	}
	var reply proto.Reply
	if err := proto.ReadFrame(conn, &reply); err != nil {
		return 0, "", fmt.Errorf("reading attach reply: %w", err)
	}
	if reply.Attach == nil {
		return 0, "", fmt.Errorf("daemon sent no attach reply")
	}
	return reply.Attach.Status, reply.Attach.Message, nil
}

// Pipe drives the interactive session once attached: stdin raw bytes
// flow to the socket, Chunk data flows to stdout, and SIGWINCH triggers a
// short-lived resize request on a side connection so the primary stream
// stays dedicated to data.
func Pipe(conn net.Conn, sessionName, socketPath string) error {
	guard, err := tty.EnterRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer guard.Restore()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	stopResize := make(chan struct{})
	go watchResize(winch, stopResize, sessionName, socketPath)
	defer close(stopResize)

	var wg sync.WaitGroup
	wg.Add(2)

	errCh := make(chan error, 2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(conn, os.Stdin)
		errCh <- err
	}()

	go func() {
		defer wg.Done()
		errCh <- copyChunksToStdout(conn)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	first := <-errCh
	select {
	case <-done:
	case <-time.After(stuckGrace):
		// One sibling is stuck on a blocking read with nothing left to
		// read; force the connection closed so it unblocks, restore the
		// terminal, and exit rather than hang forever.
		_ = conn.Close()
		guard.Restore()
		select {
		case <-done:
		case <-time.After(stuckGrace):
			os.Exit(1)
		}
	}

	if first != nil && first != io.EOF {
		return first
	}
	return nil
}

func copyChunksToStdout(conn net.Conn) error {
	buf := make([]byte, readBufSize)
	for {
		kind, payload, err := proto.ReadChunk(conn, buf)
		if err != nil {
			return err
		}
		if kind == proto.ChunkData && len(payload) > 0 {
			if _, werr := os.Stdout.Write(payload); werr != nil {
				return werr
			}
		}
	}
}

func watchResize(winch chan os.Signal, stop chan struct{}, sessionName, socketPath string) {
	for {
		select {
		case <-stop:
			return
		case <-winch:
			sendResize(sessionName, socketPath)
		}
	}
}

// sendResize opens a short-lived side connection to push a resize
// message, so the primary attach stream never has to interleave a
// control message with the Chunk framing it already speaks.
func sendResize(sessionName, socketPath string) {
	size, err := tty.SizeFromFd(int(os.Stdin.Fd()))
	if err != nil {
		return
	}
	conn, err := Dial(socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	req := proto.Request{Type: proto.ReqSessionMessage, SessionMessage: &proto.SessionMessageRequest{
		SessionName: sessionName,
		PayloadType: proto.SessionMsgResize,
		Resize:      &proto.ResizeRequest{TTYSize: size},
	}}
	if err := proto.WriteFrame(conn, req); err != nil {
		return
	}
	var reply proto.Reply
	_ = proto.ReadFrame(conn, &reply)
}
