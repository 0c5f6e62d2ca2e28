package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axiom/internal/classifier"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: []\n"), 0o644))

	var calls int32
	w := New(50*time.Millisecond, func(p string) error {
		assert.Equal(t, filepath.Clean(path), p)
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer w.Shutdown()
	require.NoError(t, w.Watch(path))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("profiles: []\n"), 0o644))
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2), "bursts are coalesced")
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: []\n"), 0o644))

	var calls int32
	w := New(20*time.Millisecond, func(string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer w.Shutdown()
	require.NoError(t, w.Watch(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestWatcherUnwatchStopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var calls int32
	w := New(20*time.Millisecond, func(string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("ignored")
	})
	require.NoError(t, w.Watch(path))
	require.NoError(t, w.Watch(path), "watching twice is a no-op")
	w.Unwatch(path)

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestWatcherHotReloadsProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: []\n"), 0o644))

	lib := classifier.NewLibrary()
	require.NoError(t, lib.LoadFile(path))
	_, ok := lib.Get("aider")
	require.False(t, ok)

	w := New(20*time.Millisecond, lib.LoadFile)
	defer w.Shutdown()
	require.NoError(t, w.Watch(path))

	content := "profiles:\n  - name: aider\n    markers:\n      ready: [\"> \"]\n    submit: \"\\r\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := lib.Get("aider")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
