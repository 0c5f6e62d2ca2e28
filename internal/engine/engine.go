// Package engine wires the bus, registry, heartbeat monitor, coordinator and
// recorder into one owned component with explicit start and shutdown, and
// exposes the operations callers use.
package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"axiom/internal/bus"
	"axiom/internal/classifier"
	"axiom/internal/config"
	"axiom/internal/dispatch"
	"axiom/internal/failure"
	"axiom/internal/heartbeat"
	"axiom/internal/logging"
	"axiom/internal/registry"
	"axiom/internal/session"
	"axiom/internal/spawn"
	"axiom/internal/store"
	"axiom/internal/watcher"
)

// Options overrides collaborators built from the config.
type Options struct {
	// Store receives the lifecycle log. When nil and the config names a
	// store directory, a FileStore is used there.
	Store store.Appender
	// Profiles is the marker profile library. When nil a new library is
	// created and seeded from the config's profile file.
	Profiles *classifier.Library
}

// Engine is the session orchestration engine.
type Engine struct {
	cfg      config.Config
	log      *logrus.Entry
	bus      *bus.Bus
	registry *registry.Registry
	monitor  *heartbeat.Monitor
	coord    *spawn.Coordinator
	recorder *store.Recorder
	profiles *classifier.Library
	watcher  *watcher.Watcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	profiles := opts.Profiles
	if profiles == nil {
		profiles = classifier.NewLibrary()
		if cfg.ProfileFile != "" {
			if err := profiles.LoadFile(cfg.ProfileFile); err != nil {
				return nil, err
			}
		}
	}

	app := opts.Store
	if app == nil && cfg.StoreDir != "" {
		fs, err := store.NewFileStore(cfg.StoreDir)
		if err != nil {
			return nil, err
		}
		app = fs
	}

	b := bus.New()
	e := &Engine{
		cfg:      cfg,
		log:      logging.NewLogger("engine"),
		bus:      b,
		registry: registry.New(),
		monitor:  heartbeat.New(cfg.StallThreshold, b),
		profiles: profiles,
	}
	e.coord = spawn.New(spawn.Options{
		AllowAll:           cfg.DangerouslyAllowAll,
		AllowedCommands:    cfg.AllowedCommands,
		MaxSessions:        cfg.MaxSessions,
		DefaultParallelism: cfg.DefaultParallelism,
		LaunchTimeout:      cfg.LaunchTimeout,
		KillGrace:          cfg.KillGrace,
		BufferCap:          cfg.OutputBufferCap,
		BusyPolicy:         session.BusyPolicy(cfg.BusyPolicy),
		Profiles:           profiles,
		Publisher:          b,
	})

	// Handlers run in this order for every event.
	b.Handle(e.registry.Apply)
	b.Handle(e.coord.Observe)
	b.Handle(e.monitor.Observe)
	if app != nil {
		e.recorder = store.NewRecorder(app)
		b.Handle(e.recorder.Observe)
	}
	if cfg.ProfileFile != "" {
		e.watcher = watcher.New(0, profiles.LoadFile)
	}
	return e, nil
}

// Start runs the background loops. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return failure.New(failure.CodeState, "engine already started")
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx)
	}()
	if e.recorder != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.recorder.Run(ctx)
		}()
	}
	if e.watcher != nil {
		if err := e.watcher.Watch(e.cfg.ProfileFile); err != nil {
			e.log.WithError(err).Warn("Profile hot reload disabled")
		}
	}

	e.log.WithFields(logrus.Fields{
		"max_sessions":    e.cfg.MaxSessions,
		"stall_threshold": e.cfg.StallThreshold,
		"profiles":        e.profiles.Names(),
	}).Info("Engine started")
	return nil
}

// Shutdown kills every task, waits for sessions to exit (bounded by ctx),
// flushes the recorder and closes the bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.coord.Shutdown(ctx)
	if e.watcher != nil {
		e.watcher.Shutdown()
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.bus.Close()

	e.log.Info("Engine stopped")
	return err
}

// Spawn starts a task and returns its id.
func (e *Engine) Spawn(ctx context.Context, req spawn.Request) (string, error) {
	t, err := e.coord.Spawn(ctx, req)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Status returns every task (id == ""), the sessions of a task, or one
// session.
func (e *Engine) Status(id string) ([]registry.StatusRecord, error) {
	return e.registry.Status(id)
}

// Task returns a snapshot of a task.
func (e *Engine) Task(id string) (spawn.TaskInfo, error) {
	t, ok := e.coord.Task(id)
	if !ok {
		return spawn.TaskInfo{}, failure.Newf(failure.CodeNotFound, "task %s not found", id)
	}
	return t.Info(), nil
}

// Output reads buffered output from offset from. A session id reads that
// session's buffer and a task id reads the task's combined output, so
// offsets returned for an id are always valid for the same id.
func (e *Engine) Output(id string, from int64) ([]byte, int64, error) {
	if s, ok := e.coord.Session(id); ok {
		data, next := s.ReadBuffer(from)
		return data, next, nil
	}
	t, ok := e.coord.Task(id)
	if !ok {
		return nil, 0, failure.Newf(failure.CodeNotFound, "no task or session %s", id)
	}
	data, next := t.Output(from)
	return data, next, nil
}

// Interrupt interrupts a session, or every live session of a task.
func (e *Engine) Interrupt(id string) error {
	if _, ok := e.coord.Session(id); ok {
		_, err := e.coord.Dispatcher().Interrupt(id)
		return err
	}
	t, ok := e.coord.Task(id)
	if !ok {
		return failure.Newf(failure.CodeNotFound, "no task or session %s", id)
	}
	for _, s := range t.Live() {
		if _, err := e.coord.Dispatcher().Interrupt(s.ID()); err != nil {
			e.log.WithError(err).WithField("session", s.ID()).Warn("Interrupt failed")
		}
	}
	return nil
}

// Send writes text to a session, or to the only live session of a task.
func (e *Engine) Send(id, text string) error {
	target, err := e.sendTarget(id)
	if err != nil {
		return err
	}
	_, err = e.coord.Dispatcher().Send(target, text)
	return err
}

func (e *Engine) sendTarget(id string) (string, error) {
	if _, ok := e.coord.Session(id); ok {
		return id, nil
	}
	t, ok := e.coord.Task(id)
	if !ok {
		return "", failure.Newf(failure.CodeNotFound, "no task or session %s", id)
	}
	live := t.Live()
	switch {
	case len(live) == 1:
		return live[0].ID(), nil
	case len(live) > 1:
		return "", failure.Newf(failure.CodeState, "task %s has %d live sessions; send to a session id", id, len(live)).
			WithDetail("reason", "ambiguous")
	}
	// Nothing live: address the most recent session so the caller gets
	// its terminal state back.
	if sessions := t.Sessions(); len(sessions) > 0 {
		return sessions[len(sessions)-1].ID(), nil
	}
	return "", failure.Newf(failure.CodeState, "task %s has no sessions yet", id).
		WithDetail("state", string(t.State()))
}

// Kill kills a session, or a whole task tree.
func (e *Engine) Kill(id string) error {
	if _, ok := e.coord.Session(id); ok {
		_, err := e.coord.Dispatcher().Kill(id)
		return err
	}
	return e.coord.KillTask(id)
}

// Audit returns the intervention history of a session.
func (e *Engine) Audit(sessionID string) ([]dispatch.Command, error) {
	if _, ok := e.coord.Session(sessionID); !ok {
		return nil, failure.Newf(failure.CodeNotFound, "session %s not found", sessionID)
	}
	return e.coord.Dispatcher().Audit(sessionID), nil
}

// Subscribe returns a channel of every bus event. Slow subscribers lose
// events rather than stall the engine.
func (e *Engine) Subscribe() (<-chan bus.Event, func()) {
	return e.bus.Subscribe()
}

// Profiles returns the names of the available marker profiles.
func (e *Engine) Profiles() []string {
	return e.profiles.Names()
}

// Wait blocks until the task is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, taskID string) (spawn.TaskState, error) {
	t, ok := e.coord.Task(taskID)
	if !ok {
		return "", failure.Newf(failure.CodeNotFound, "task %s not found", taskID)
	}
	select {
	case <-t.Done():
		return t.State(), nil
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}
