package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axiom/internal/bus"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileStoreAppend(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Append("t1", Entry{Type: "task.created", TaskID: "t1", Detail: "sequential"}))
	require.NoError(t, s.Append("t1", Entry{Type: "session.output", TaskID: "t1", SessionID: "s1", Output: "hi\n", Offset: 3}))

	entries := readEntries(t, s.Path("t1"))
	require.Len(t, entries, 2)
	assert.Equal(t, "task.created", entries[0].Type)
	assert.Equal(t, "hi\n", entries[1].Output)
	assert.Equal(t, int64(3), entries[1].Offset)
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, s.Append(id, Entry{}), "id %q", id)
	}
}

func TestFileStoreConcurrentAppends(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, s.Append("t1", Entry{Type: "session.output", Offset: int64(i*100 + j)}))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, readEntries(t, s.Path("t1")), 200)
}

type memAppender struct {
	mu      sync.Mutex
	entries map[string][]Entry
	fail    bool
}

func (m *memAppender) Append(taskID string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	if m.entries == nil {
		m.entries = make(map[string][]Entry)
	}
	m.entries[taskID] = append(m.entries[taskID], e)
	return nil
}

func (m *memAppender) count(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[taskID])
}

func TestRecorderWritesEventsInOrder(t *testing.T) {
	app := &memAppender{}
	r := NewRecorder(app)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Observe(bus.Event{Type: bus.EventTaskCreated, TaskID: "t1"})
	r.Observe(bus.Event{Type: bus.EventSessionOutput, TaskID: "t1", SessionID: "s1", Data: []byte("abc"), Offset: 3})
	r.Observe(bus.Event{Type: bus.EventSessionExited, TaskID: "t1", SessionID: "s1", State: "completed", Exit: &bus.ExitResult{}})
	r.Observe(bus.Event{Type: bus.EventIntervention, SessionID: "orphan"})

	assert.Eventually(t, func() bool { return app.count("t1") == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	app.mu.Lock()
	defer app.mu.Unlock()
	entries := app.entries["t1"]
	assert.Equal(t, "task.created", entries[0].Type)
	assert.Equal(t, "abc", entries[1].Output)
	assert.Equal(t, "completed", entries[2].State)
	assert.Empty(t, app.entries[""])
}

func TestRecorderCountsFailures(t *testing.T) {
	app := &memAppender{fail: true}
	r := NewRecorder(app)
	r.Observe(bus.Event{Type: bus.EventTaskCreated, TaskID: "t1"})
	r.Flush()

	assert.Equal(t, int64(1), r.Failed())
}
