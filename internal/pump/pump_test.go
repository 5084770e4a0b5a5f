package pump

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/corral/internal/proto"
	"github.com/ianremillard/corral/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// TestPumpEchoesClientInputBackAsChunks exercises W1 and W2 together: a
// PTY in its default cooked mode echoes whatever is written to its master
// back out on the same master, so writing through the "client" side of a
// net.Pipe should arrive back as a Data chunk.
func TestPumpEchoesClientInputBackAsChunks(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer slave.Close()

	sess := &registry.Session{Master: master}
	clientSide, daemonSide := net.Pipe()

	p := New(sess, daemonSide, discardLogger())

	outcomeCh := make(chan Outcome, 1)
	go func() { outcomeCh <- p.Run() }()

	_, err = clientSide.Write([]byte("hi\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	var collected []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clientSide.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		kind, payload, err := proto.ReadChunk(clientSide, buf)
		if err != nil {
			continue
		}
		if kind == proto.ChunkData {
			collected = append(collected, payload...)
			if len(collected) >= len("hi\n") {
				break
			}
		}
	}
	assert.Contains(t, string(collected), "hi")

	clientSide.Close()
	select {
	case outcome := <-outcomeCh:
		assert.Equal(t, OutcomeClientGone, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("pump never wound down after client disconnected")
	}
}

func TestWindDownRemovesSessionOnChildExit(t *testing.T) {
	reg := registry.New()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer slave.Close()
	defer master.Close()

	conn, _ := net.Pipe()
	defer conn.Close()

	_, err = reg.Attach("work", conn, false, func() (*registry.Session, error) {
		return &registry.Session{Master: master}, nil
	})
	require.NoError(t, err)
	sess, _ := reg.Get("work")

	WindDown(reg, sess, conn, OutcomeChildExited)
	_, ok := reg.Get("work")
	assert.False(t, ok)
}

func TestWindDownClearsAttachmentOnClientGone(t *testing.T) {
	reg := registry.New()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer slave.Close()
	defer master.Close()

	conn, _ := net.Pipe()
	defer conn.Close()

	_, err = reg.Attach("work", conn, false, func() (*registry.Session, error) {
		return &registry.Session{Master: master}, nil
	})
	require.NoError(t, err)
	sess, _ := reg.Get("work")

	WindDown(reg, sess, conn, OutcomeClientGone)
	_, ok := reg.Get("work")
	assert.True(t, ok)
	assert.False(t, sess.IsAttached())
}
