package registry

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/corral/internal/proto"
)

func pipeSession(t *testing.T) *Session {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return &Session{Master: r}
}

func TestAttachCreatesOnFirstCall(t *testing.T) {
	reg := New()
	client, _ := net.Pipe()
	defer client.Close()

	spawned := false
	result, err := reg.Attach("work", client, false, func() (*Session, error) {
		spawned = true
		return pipeSession(t), nil
	})
	require.NoError(t, err)
	assert.True(t, spawned)
	assert.Equal(t, proto.StatusCreated, result.Status)
	assert.Nil(t, result.Evicted)

	sess, ok := reg.Get("work")
	require.True(t, ok)
	assert.Same(t, result.Session, sess)
	assert.True(t, sess.IsAttached())
}

func TestAttachToDetachedSessionReattaches(t *testing.T) {
	reg := New()
	first, _ := net.Pipe()
	defer first.Close()
	_, err := reg.Attach("work", first, false, func() (*Session, error) { return pipeSession(t), nil })
	require.NoError(t, err)

	sess, _ := reg.Get("work")
	sess.ClearIfCurrent(first)
	assert.False(t, sess.IsAttached())

	second, _ := net.Pipe()
	defer second.Close()
	result, err := reg.Attach("work", second, false, func() (*Session, error) {
		t.Fatal("spawn should not be called for an existing session")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusAttached, result.Status)
}

func TestAttachReturnsBusyWithoutForce(t *testing.T) {
	reg := New()
	first, _ := net.Pipe()
	defer first.Close()
	_, err := reg.Attach("work", first, false, func() (*Session, error) { return pipeSession(t), nil })
	require.NoError(t, err)

	second, _ := net.Pipe()
	defer second.Close()
	result, err := reg.Attach("work", second, false, func() (*Session, error) {
		t.Fatal("spawn should not be called for a busy session")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusBusy, result.Status)
	assert.Nil(t, result.Evicted)
}

func TestForcedAttachEvictsPreviousClient(t *testing.T) {
	reg := New()
	first, _ := net.Pipe()
	defer first.Close()
	_, err := reg.Attach("work", first, false, func() (*Session, error) { return pipeSession(t), nil })
	require.NoError(t, err)

	second, _ := net.Pipe()
	defer second.Close()
	result, err := reg.Attach("work", second, true, func() (*Session, error) {
		t.Fatal("spawn should not be called for a forced re-attach")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusAttached, result.Status)
	assert.Same(t, first, result.Evicted)
	assert.Same(t, second, result.Session.Client())
}

func TestRemoveToleratesMissingSession(t *testing.T) {
	reg := New()
	assert.NotPanics(t, func() { reg.Remove("never-existed") })
}

func TestListSnapshotsSessions(t *testing.T) {
	reg := New()
	client, _ := net.Pipe()
	defer client.Close()
	_, err := reg.Attach("work", client, false, func() (*Session, error) { return pipeSession(t), nil })
	require.NoError(t, err)

	entries := reg.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "work", entries[0].Name)
}

func TestClearIfCurrentIgnoresStaleConn(t *testing.T) {
	reg := New()
	first, _ := net.Pipe()
	defer first.Close()
	_, err := reg.Attach("work", first, false, func() (*Session, error) { return pipeSession(t), nil })
	require.NoError(t, err)

	sess, _ := reg.Get("work")
	second, _ := net.Pipe()
	defer second.Close()
	// A stale pump for a connection that was already superseded must not
	// clear the newer attachment.
	sess.ClearIfCurrent(second)
	assert.True(t, sess.IsAttached())
}
