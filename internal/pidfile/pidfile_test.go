package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "flowsync.pid")
	p := New(path)

	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring our own file is allowed.
	require.NoError(t, p.Acquire())

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, p.Release())
}

func TestAcquireRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.pid")
	other := &Pidfile{path: path, pid: os.Getppid()}
	require.NoError(t, other.write())

	err := New(path).Acquire()
	assert.ErrorIs(t, err, ErrRunning)

	// Release by a process that does not own the file leaves it alone.
	require.NoError(t, New(path).Release())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	p := New(path)
	require.NoError(t, p.Acquire())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}
