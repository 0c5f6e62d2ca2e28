//go:build !windows

package spawn

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axiom/internal/bus"
	"axiom/internal/classifier"
	"axiom/internal/failure"
	"axiom/internal/session"
)

const (
	// argScript becomes ready, then exits 3 when its prompt is "fail" and
	// 0 otherwise.
	argScript = `printf 'READY> '; sleep 0.1; [ "$1" = fail ] && exit 3; exit 0`
	// longScript becomes ready and stays up.
	longScript = `printf 'READY> '; sleep 30`
	// chatScript answers each line with a busy marker and an idle prompt.
	chatScript = `printf 'READY> '; while IFS= read -r line; do printf 'WORKING on %s\n' "$line"; sleep 0.05; printf 'DONE> '; done`
)

type harness struct {
	coord *Coordinator
	bus   *bus.Bus

	mu      sync.Mutex
	events  []bus.Event
	live    int
	maxLive int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	lib := classifier.NewLibrary()
	require.NoError(t, lib.Replace([]classifier.Profile{{
		Name: "test",
		Markers: map[classifier.Kind][]string{
			classifier.KindReady: {"READY>"},
			classifier.KindBusy:  {"WORKING"},
			classifier.KindIdle:  {"DONE>"},
		},
		Interrupt: "\x03",
		Submit:    "\n",
		Exit:      "\x04",
	}}))

	h := &harness{bus: bus.New()}
	opts := Options{
		AllowAll:           true,
		MaxSessions:        10,
		DefaultParallelism: 2,
		LaunchTimeout:      5 * time.Second,
		KillGrace:          500 * time.Millisecond,
		Profiles:           lib,
		Publisher:          h.bus,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.coord = New(opts)
	h.bus.Handle(h.coord.Observe)
	h.bus.Handle(h.record)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.coord.Shutdown(ctx)
		h.bus.Close()
	})
	return h
}

func (h *harness) record(e bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	switch e.Type {
	case bus.EventSessionStarted:
		h.live++
		if h.live > h.maxLive {
			h.maxLive = h.live
		}
	case bus.EventSessionExited:
		h.live--
	}
}

func (h *harness) count(t bus.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func shellRequest(pattern Pattern, script string, prompts ...string) Request {
	return Request{
		Pattern:    pattern,
		Prompts:    prompts,
		Command:    "/bin/sh",
		Args:       []string{"-c", script, "sh"},
		Profile:    "test",
		PromptMode: PromptArg,
	}
}

func waitTask(t *testing.T, task *Task) TaskState {
	t.Helper()
	select {
	case <-task.Done():
		return task.State()
	case <-time.After(15 * time.Second):
		t.Fatalf("task %s did not finish, state %s", task.ID, task.State())
		return ""
	}
}

func TestSpawnValidation(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AllowAll = false
		o.AllowedCommands = []string{"sh"}
	})
	base := shellRequest(PatternSequential, argScript, "ok")

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing command", func(r *Request) { r.Command = "" }},
		{"command not allowed", func(r *Request) { r.Command = "/usr/bin/env" }},
		{"allowed name in another directory", func(r *Request) { r.Command = "/tmp/elsewhere/sh" }},
		{"allowed name as relative path", func(r *Request) { r.Command = "./sh" }},
		{"loader env", func(r *Request) { r.Env = []string{"LD_PRELOAD=/tmp/x.so"} }},
		{"path env", func(r *Request) { r.Env = []string{"PATH=/tmp/elsewhere"} }},
		{"malformed env", func(r *Request) { r.Env = []string{"NOEQUALS"} }},
		{"missing pattern", func(r *Request) { r.Pattern = "" }},
		{"unknown pattern", func(r *Request) { r.Pattern = "fanout" }},
		{"negative parallelism", func(r *Request) { r.Parallelism = -1 }},
		{"unknown prompt mode", func(r *Request) { r.PromptMode = "stdin" }},
		{"unknown profile", func(r *Request) { r.Profile = "nope" }},
		{"prompt with mode none", func(r *Request) { r.PromptMode = PromptNone }},
		{"decomposer on parallel", func(r *Request) { r.Pattern = PatternParallel; r.Decomposer = DecomposerLines }},
		{"decomposed without spec", func(r *Request) { r.Pattern = PatternDecomposed; r.Prompts = nil }},
		{"decomposed with prompts", func(r *Request) { r.Pattern = PatternDecomposed; r.Spec = "a" }},
		{"unknown decomposer", func(r *Request) {
			r.Pattern = PatternDecomposed
			r.Prompts = nil
			r.Spec = "a"
			r.Decomposer = "llm"
		}},
		{"decomposed into nothing", func(r *Request) {
			r.Pattern = PatternDecomposed
			r.Prompts = nil
			r.Spec = "\n\n---\n"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			req.Args = append([]string(nil), base.Args...)
			tt.mutate(&req)
			_, err := h.coord.Spawn(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, failure.CodeInvalidSpec, failure.CodeOf(err))
		})
	}
	assert.Equal(t, 0, h.count(bus.EventTaskCreated), "nothing is created for invalid requests")
	assert.Equal(t, 0, h.count(bus.EventSessionStarted))
}

func TestCommandAllowedResolvesBareEntries(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AllowAll = false
		o.AllowedCommands = []string{"sh", "/usr/bin/env"}
	})
	resolved, err := exec.LookPath("sh")
	require.NoError(t, err)

	assert.True(t, h.coord.commandAllowed("sh"))
	assert.True(t, h.coord.commandAllowed(resolved), "the file sh resolves to on PATH")
	assert.True(t, h.coord.commandAllowed("/usr/bin/env"))
	assert.False(t, h.coord.commandAllowed("env"), "path entries match exactly")
	assert.False(t, h.coord.commandAllowed("/tmp/elsewhere/sh"))
	assert.False(t, h.coord.commandAllowed("bin/sh"))
}

func TestSpawnEnvAllowedWithAllowAll(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternSequential, argScript, "ok")
	req.Env = []string{"LD_LIBRARY_PATH=/tmp"}
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, waitTask(t, task))
}

func TestSpawnSequentialCompletes(t *testing.T) {
	h := newHarness(t, nil)
	task, err := h.coord.Spawn(context.Background(), shellRequest(PatternSequential, argScript, "one", "two"))
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, waitTask(t, task))
	assert.Len(t, task.Sessions(), 2)
	assert.Equal(t, 1, h.maxLive, "sequential children never overlap")
}

func TestSpawnSequentialShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	task, err := h.coord.Spawn(context.Background(), shellRequest(PatternSequential, argScript, "fail", "ok"))
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, waitTask(t, task))
	require.Len(t, task.Sessions(), 1, "second child never starts")
	assert.Equal(t, 1, h.count(bus.EventSessionStarted))

	info := task.Sessions()[0].Info()
	assert.Equal(t, session.StateFailed, info.State)
	require.NotNil(t, info.Exit)
	assert.Equal(t, 3, info.Exit.Code)
}

func TestSpawnParallelBoundsConcurrency(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternParallel, argScript, "a", "b", "c")
	req.Parallelism = 2
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, waitTask(t, task))
	assert.LessOrEqual(t, h.maxLive, 2)
	assert.Equal(t, 3, h.count(bus.EventSessionStarted))
	assert.Equal(t, 3, h.count(bus.EventSessionExited))
}

func TestSpawnParallelAggregates(t *testing.T) {
	h := newHarness(t, nil)

	task, err := h.coord.Spawn(context.Background(), shellRequest(PatternParallel, argScript, "ok", "fail"))
	require.NoError(t, err)
	assert.Equal(t, TaskPartialFailure, waitTask(t, task))

	task, err = h.coord.Spawn(context.Background(), shellRequest(PatternParallel, argScript, "fail", "fail"))
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, waitTask(t, task))
}

func TestSpawnLaunchErrorFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternParallel, argScript, "ok", "ok")
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, waitTask(t, task))

	req.Command = "/nonexistent/binary-xyz"
	task, err = h.coord.Spawn(context.Background(), req)
	require.NoError(t, err, "launch errors surface in the task, not the spawn call")
	assert.Equal(t, TaskFailed, waitTask(t, task))
}

func TestSpawnDecomposed(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternDecomposed, argScript)
	req.Spec = "ok\n\nok\n---\nfail"
	req.SubPattern = PatternParallel
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TaskPartialFailure, waitTask(t, task))
	subtasks := task.Subtasks()
	require.Len(t, subtasks, 2)
	assert.Equal(t, task.ID, subtasks[0].ParentID)
	assert.Equal(t, TaskCompleted, subtasks[0].State())
	assert.Len(t, subtasks[0].Sessions(), 2)
	assert.Equal(t, TaskFailed, subtasks[1].State())
	assert.Equal(t, 3, h.count(bus.EventTaskCreated))
	assert.LessOrEqual(t, h.maxLive, 2, "parallelism bounds the whole tree")

	out, _ := task.Output(0)
	assert.Contains(t, string(out), "READY>", "subtask output reaches the parent")
}

func TestSpawnCapacityExceeded(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxSessions = 2 })
	req := shellRequest(PatternParallel, longScript, "a", "b", "c")
	req.Parallelism = 2
	first, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)

	before := h.count(bus.EventTaskCreated)
	_, err = h.coord.Spawn(context.Background(), shellRequest(PatternSequential, longScript, "x"))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeCapacity))
	assert.Equal(t, before, h.count(bus.EventTaskCreated), "rejected spawn has no side effect")

	require.NoError(t, h.coord.KillTask(first.ID))
	assert.Equal(t, TaskKilled, waitTask(t, first))

	var next *Task
	require.Eventually(t, func() bool {
		next, err = h.coord.Spawn(context.Background(), shellRequest(PatternSequential, argScript, "ok"))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "capacity is released after the task ends")
	assert.Equal(t, TaskCompleted, waitTask(t, next))
}

func TestKillTaskCascades(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternParallel, longScript, "a", "b", "c")
	req.Parallelism = 2
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sessions := task.Sessions()
		if len(sessions) < 2 {
			return false
		}
		for _, s := range sessions {
			if s.State() != session.StateReady {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.coord.KillTask(task.ID))
	assert.Less(t, time.Since(start), time.Second, "kill does not wait for exits")
	require.NoError(t, h.coord.KillTask(task.ID))

	assert.Equal(t, TaskKilled, waitTask(t, task))
	sessions := task.Sessions()
	assert.Len(t, sessions, 2, "the queued child never starts")
	for _, s := range sessions {
		assert.Equal(t, session.StateKilled, s.State())
	}
	require.NoError(t, h.coord.KillTask(task.ID))
	assert.Equal(t, 2, h.count(bus.EventSessionExited))
}

func TestKillTaskUnknown(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, failure.Is(h.coord.KillTask("missing"), failure.CodeNotFound))
}

func TestSpawnInjectAndCloseOnIdle(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternSequential, chatScript, "first job", "second job")
	req.PromptMode = PromptInject
	req.CloseOnIdle = true
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, waitTask(t, task))
	sessions := task.Sessions()
	require.Len(t, sessions, 2)

	data, _ := sessions[0].ReadBuffer(0)
	assert.Contains(t, string(data), "WORKING on first job")
	data, _ = sessions[1].ReadBuffer(0)
	assert.Contains(t, string(data), "WORKING on second job")

	audit := h.coord.Dispatcher().Audit(sessions[0].ID())
	require.NotEmpty(t, audit)
	assert.Equal(t, "first job", audit[0].Payload)

	out, _ := task.Output(0)
	assert.True(t, strings.Index(string(out), "first job") < strings.Index(string(out), "second job"))
}

func TestSpawnStallIsForwardedToSession(t *testing.T) {
	h := newHarness(t, nil)
	req := shellRequest(PatternSequential, longScript)
	req.PromptMode = PromptNone
	task, err := h.coord.Spawn(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := task.Sessions()
		return len(s) == 1 && s[0].State() == session.StateReady
	}, 5*time.Second, 10*time.Millisecond)
	s := task.Sessions()[0]

	// The script never reads, so the session stays busy after a write.
	_, err = s.Write("anything")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	h.bus.Publish(bus.Event{Type: bus.EventSessionStalled, TaskID: task.ID, SessionID: s.ID()})
	assert.Eventually(t, func() bool { return s.State() == session.StateStalled }, 2*time.Second, 10*time.Millisecond)
}
