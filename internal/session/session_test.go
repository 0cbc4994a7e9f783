package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/replconn"
)

type fakeLifecycle struct {
	started, stopped, aborted bool
	startErr, stopErr, abortErr error
}

func (f *fakeLifecycle) StartBackup(label string, fast bool) error { f.started = true; return f.startErr }
func (f *fakeLifecycle) StopBackup() error                         { f.stopped = true; return f.stopErr }
func (f *fakeLifecycle) AbortBackup() error                        { f.aborted = true; return f.abortErr }

func setupDataDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "PG_VERSION"), []byte("16\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pg_tblspc"), 0755))
	return root
}

// drain reads a full batch off the peer side so SendBaseBackup doesn't
// block on an unbuffered-beyond-capacity channel pair.
func drain(t *testing.T, peer *replconn.FakeConn) {
	t.Helper()
	_, err := peer.ReadRowDescription()
	require.NoError(t, err)
	_, err = peer.ReadDataRow()
	require.NoError(t, err)
	_, err = peer.ReadCommandComplete()
	require.NoError(t, err)
	for {
		data, err := peer.NextCopyData()
		if err == replconn.ErrClosed {
			return
		}
		require.NoError(t, err)
		_ = data
	}
}

func TestSendBaseBackupPrimaryOnly(t *testing.T) {
	root := setupDataDir(t)
	a, b := replconn.NewFakeConnPair()
	lc := &fakeLifecycle{}
	s := New(a, lc, root, logutil.Default(false), nil)

	done := make(chan error, 1)
	go func() { done <- s.SendBaseBackup("test backup", false) }()

	drain(t, b)

	require.NoError(t, <-done)
	assert.True(t, lc.started)
	assert.True(t, lc.stopped)
	assert.False(t, lc.aborted)
}

func TestSendBaseBackupAbortsOnTablespaceWalkFailure(t *testing.T) {
	root := setupDataDir(t)
	// A tablespace symlink pointing at a regular file (not a directory)
	// makes dirwalk.Walk fail deterministically once it reaches that
	// batch, regardless of the test's file permissions.
	notADir := filepath.Join(t.TempDir(), "not-a-directory")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0644))
	require.NoError(t, os.Symlink(notADir, filepath.Join(root, "pg_tblspc", "16401")))

	a, b := replconn.NewFakeConnPair()
	lc := &fakeLifecycle{}
	s := New(a, lc, root, logutil.Default(false), nil)

	done := make(chan error, 1)
	go func() { done <- s.SendBaseBackup("test backup", false) }()

	// Drain the primary batch (which succeeds) before the tablespace
	// batch fails.
	_, err := b.ReadRowDescription()
	require.NoError(t, err)
	_, err = b.ReadDataRow()
	require.NoError(t, err)
	_, err = b.ReadCommandComplete()
	require.NoError(t, err)
	for {
		_, err := b.NextCopyData()
		if err == replconn.ErrClosed {
			break
		}
		require.NoError(t, err)
	}

	sendErr := <-done
	assert.Error(t, sendErr)
	assert.True(t, lc.aborted)
	assert.False(t, lc.stopped)
}
