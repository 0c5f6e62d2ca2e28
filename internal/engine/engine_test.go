//go:build !windows

package engine

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axiom/internal/bus"
	"axiom/internal/classifier"
	"axiom/internal/config"
	"axiom/internal/failure"
	"axiom/internal/registry"
	"axiom/internal/spawn"
	"axiom/internal/store"
)

const (
	chatScript = `printf 'READY> '; while IFS= read -r line; do printf 'WORKING on %s\n' "$line"; sleep 0.05; printf 'DONE> '; done`
	// Goes quiet while busy, then keeps producing output.
	stallScript = `printf 'READY> '; read -r line; printf 'WORKING\n'; sleep 0.8; while :; do printf 'tick\n'; sleep 0.05; done`
)

func testProfiles(t *testing.T) *classifier.Library {
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
	return lib
}

func newTestEngine(t *testing.T, mutate func(*config.Config, *Options)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DangerouslyAllowAll = true
	cfg.LaunchTimeout = 5 * time.Second
	cfg.KillGrace = 500 * time.Millisecond
	opts := Options{Profiles: testProfiles(t)}
	if mutate != nil {
		mutate(&cfg, &opts)
	}

	e, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func chatRequest(prompts ...string) spawn.Request {
	return spawn.Request{
		Pattern: spawn.PatternSequential,
		Prompts: prompts,
		Command: "/bin/sh",
		Args:    []string{"-c", chatScript, "sh"},
		Profile: "test",
	}
}

func waitStatus(t *testing.T, e *Engine, id string, pred func(registry.StatusRecord) bool) registry.StatusRecord {
	t.Helper()
	var last registry.StatusRecord
	require.Eventually(t, func() bool {
		recs, err := e.Status(id)
		if err != nil || len(recs) == 0 {
			return false
		}
		last = recs[0]
		return pred(last)
	}, 5*time.Second, 10*time.Millisecond, "last status: %+v", last)
	return last
}

func stateIs(s string) func(registry.StatusRecord) bool {
	return func(r registry.StatusRecord) bool { return r.State == s }
}

func TestEngineSteeringRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	taskID, err := e.Spawn(context.Background(), chatRequest("first"))
	require.NoError(t, err)

	rec := waitStatus(t, e, taskID, stateIs("idle"))
	assert.Equal(t, taskID, rec.TaskID)
	assert.Equal(t, "running", rec.TaskState)

	require.NoError(t, e.Send(taskID, "second"))
	waitStatus(t, e, taskID, stateIs("idle"))

	data, next, err := e.Output(taskID, 0)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WORKING on first")
	assert.Contains(t, string(data), "WORKING on second")
	assert.LessOrEqual(t, rec.Bytes, next)

	more, next2, err := e.Output(taskID, next)
	require.NoError(t, err)
	assert.Empty(t, more)
	assert.Equal(t, next, next2)

	audit, err := e.Audit(rec.SessionID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "second", audit[1].Payload)

	require.NoError(t, e.Kill(taskID))
	state, err := e.Wait(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, spawn.TaskKilled, state)

	err = e.Send(taskID, "too late")
	require.Error(t, err)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.CodeState, fe.Code)
	assert.Equal(t, "rejected-dead", fe.Detail("outcome"))

	require.NoError(t, e.Kill(taskID), "kill is idempotent")
	require.NoError(t, e.Interrupt(taskID), "interrupting a finished task is a no-op")
}

func TestEngineStatusAll(t *testing.T) {
	e := newTestEngine(t, nil)
	a, err := e.Spawn(context.Background(), chatRequest("a"))
	require.NoError(t, err)
	b, err := e.Spawn(context.Background(), chatRequest("b"))
	require.NoError(t, err)

	recs, err := e.Status("")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, a, recs[0].TaskID)
	assert.Equal(t, b, recs[1].TaskID)

	info, err := e.Task(a)
	require.NoError(t, err)
	assert.Equal(t, spawn.PatternSequential, info.Pattern)
}

func TestEngineUnknownIDs(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Status("nope")
	assert.True(t, failure.Is(err, failure.CodeNotFound))
	_, _, err = e.Output("nope", 0)
	assert.True(t, failure.Is(err, failure.CodeNotFound))
	assert.True(t, failure.Is(e.Send("nope", "x"), failure.CodeNotFound))
	assert.True(t, failure.Is(e.Interrupt("nope"), failure.CodeNotFound))
	assert.True(t, failure.Is(e.Kill("nope"), failure.CodeNotFound))
	_, err = e.Audit("nope")
	assert.True(t, failure.Is(err, failure.CodeNotFound))
}

func TestEngineLaunchFailureVisibleInStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	taskID, err := e.Spawn(context.Background(), spawn.Request{
		Pattern:    spawn.PatternSequential,
		Command:    "/nonexistent/binary-xyz",
		PromptMode: spawn.PromptNone,
		Profile:    "test",
	})
	require.NoError(t, err)

	state, err := e.Wait(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, spawn.TaskFailed, state)

	rec := waitStatus(t, e, taskID, func(r registry.StatusRecord) bool {
		return r.SessionID != "" && r.TaskState == "failed"
	})
	assert.Equal(t, "failed", rec.State)
	assert.Contains(t, rec.Reason, "LAUNCH_ERROR")

	byID, err := e.Status(rec.SessionID)
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, taskID, byID[0].TaskID)
}

func TestEngineTaskOutputOffsetsStayMonotonic(t *testing.T) {
	e := newTestEngine(t, nil)
	req := chatRequest("one", "two")
	req.CloseOnIdle = true
	taskID, err := e.Spawn(context.Background(), req)
	require.NoError(t, err)

	var (
		all  []byte
		next int64
	)
	// Reads continue across the switch from the first child to the second.
	require.Eventually(t, func() bool {
		data, n, err := e.Output(taskID, next)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, next, "task offsets never move backwards")
		all = append(all, data...)
		next = n
		return strings.Contains(string(all), "WORKING on two")
	}, 10*time.Second, 5*time.Millisecond)
	assert.Contains(t, string(all), "WORKING on one")

	whole, _, err := e.Output(taskID, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(whole), string(all)), "incremental reads reassemble the task output")

	state, err := e.Wait(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, spawn.TaskCompleted, state)

	info, err := e.Task(taskID)
	require.NoError(t, err)
	require.Len(t, info.Sessions, 2)
	first, _, err := e.Output(info.Sessions[0], 0)
	require.NoError(t, err)
	assert.Contains(t, string(first), "WORKING on one")
	assert.NotContains(t, string(first), "WORKING on two")
}

func TestEngineSendAmbiguousTask(t *testing.T) {
	e := newTestEngine(t, nil)
	req := chatRequest("a", "b")
	req.Pattern = spawn.PatternParallel
	req.Parallelism = 2
	taskID, err := e.Spawn(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, _ := e.Status(taskID)
		if len(recs) != 2 {
			return false
		}
		return recs[0].State == "idle" && recs[1].State == "idle"
	}, 5*time.Second, 10*time.Millisecond)

	err = e.Send(taskID, "which one?")
	assert.True(t, failure.Is(err, failure.CodeState))

	recs, _ := e.Status(taskID)
	require.NoError(t, e.Send(recs[0].SessionID, "this one"))
}

func TestEngineStallFlaggedOnceAndCleared(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config, _ *Options) {
		c.StallThreshold = 200 * time.Millisecond
	})
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	req := chatRequest()
	req.Args = []string{"-c", stallScript, "sh"}
	req.PromptMode = spawn.PromptNone
	taskID, err := e.Spawn(context.Background(), req)
	require.NoError(t, err)

	rec := waitStatus(t, e, taskID, stateIs("ready"))
	require.NoError(t, e.Send(rec.SessionID, "go"))

	waitStatus(t, e, taskID, func(r registry.StatusRecord) bool { return r.Stalled && r.State == "stalled" })
	waitStatus(t, e, taskID, func(r registry.StatusRecord) bool { return !r.Stalled && r.State == "busy" })

	stalls := 0
	deadline := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == bus.EventSessionStalled {
				stalls++
			}
		case <-deadline:
			done = true
		}
	}
	assert.Equal(t, 1, stalls)
}

func TestEngineRecordsToStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DangerouslyAllowAll = true
	e, err := New(cfg, Options{Store: fs, Profiles: testProfiles(t)})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	req := chatRequest("hello")
	req.CloseOnIdle = true
	taskID, err := e.Spawn(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := e.Wait(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, spawn.TaskCompleted, state)
	require.NoError(t, e.Shutdown(ctx))

	data, err := os.ReadFile(fs.Path(taskID))
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, `"type":"task.created"`)
	assert.Contains(t, log, `"type":"session.exited"`)
	assert.Contains(t, log, "WORKING on hello")
	assert.True(t, strings.Index(log, "task.created") < strings.Index(log, "session.exited"))
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSessions = 0
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestEngineStartTwice(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.True(t, failure.Is(e.Start(context.Background()), failure.CodeState))
}
