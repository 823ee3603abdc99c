package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	t.Cleanup(r.Close)
	return r
}

// collector gathers notification batches thread-safely.
type collector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *collector) fn(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, paths)
}

func (c *collector) snapshot() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.batches))
	copy(out, c.batches)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCoalescesIntoOneBatch(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry(t)

	var c collector
	unsub, err := r.Subscribe(dir, c.fn)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))

	waitFor(t, func() bool { return len(c.snapshot()) > 0 })
	// Give any stray second flush time to land.
	time.Sleep(2 * debounceWindow)

	batches := c.snapshot()
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, batches[0])
}

func TestDeduplicatesPaths(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry(t)

	var c collector
	unsub, err := r.Subscribe(dir, c.fn)
	require.NoError(t, err)
	defer unsub()

	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("22"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("333"), 0o644))

	waitFor(t, func() bool { return len(c.snapshot()) > 0 })
	batches := c.snapshot()
	assert.Equal(t, []string{"a.txt"}, batches[0])
}

func TestIgnoresHiddenEntries(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry(t)

	var c collector
	unsub, err := r.Subscribe(dir, c.fn)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seen.txt"), []byte("y"), 0o644))

	waitFor(t, func() bool { return len(c.snapshot()) > 0 })
	assert.Equal(t, []string{"seen.txt"}, c.snapshot()[0])
}

func TestWatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry(t)

	var c collector
	unsub, err := r.Subscribe(dir, c.fn)
	require.NoError(t, err)
	defer unsub()

	sub := filepath.Join(dir, "newdir")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitFor(t, func() bool { return len(c.snapshot()) > 0 })

	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("z"), 0o644))
	waitFor(t, func() bool {
		for _, batch := range c.snapshot() {
			for _, p := range batch {
				if p == "newdir/inner.txt" {
					return true
				}
			}
		}
		return false
	})
}

func TestMultipleSubscribers(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry(t)

	var c1, c2 collector
	unsub1, err := r.Subscribe(dir, c1.fn)
	require.NoError(t, err)
	defer unsub1()
	unsub2, err := r.Subscribe(dir, c2.fn)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	waitFor(t, func() bool { return len(c1.snapshot()) > 0 && len(c2.snapshot()) > 0 })

	// After unsubscribing, c2 stops receiving.
	unsub2()
	before := len(c2.snapshot())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	waitFor(t, func() bool { return len(c1.snapshot()) >= 2 })
	assert.Equal(t, before, len(c2.snapshot()))
}

func TestStopSilencesWatcher(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry(t)

	var c collector
	_, err := r.Subscribe(dir, c.fn)
	require.NoError(t, err)

	r.Stop(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	time.Sleep(3 * debounceWindow)
	assert.Empty(t, c.snapshot())
}
