// Package spawn runs tasks: it starts child sessions under a spawn pattern,
// bounds how many run at once, and folds their outcomes into a task state.
package spawn

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"axiom/internal/bus"
	"axiom/internal/classifier"
	"axiom/internal/dispatch"
	"axiom/internal/failure"
	"axiom/internal/logging"
	"axiom/internal/session"
)

// Options configures a Coordinator.
type Options struct {
	AllowAll        bool
	AllowedCommands []string
	// MaxSessions is the global ceiling on reserved session slots.
	MaxSessions        int
	DefaultParallelism int
	LaunchTimeout      time.Duration
	KillGrace          time.Duration
	BufferCap          int
	BusyPolicy         session.BusyPolicy
	AuditCap           int
	Profiles           *classifier.Library
	Publisher          bus.Publisher
}

// Coordinator owns every task and session of the engine.
type Coordinator struct {
	opts     Options
	pub      bus.Publisher
	log      *logrus.Entry
	global   *semaphore.Weighted
	dispatch *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	tasks       map[string]*Task
	sessions    map[string]*session.Controller
	decomposers map[string]Decomposer
}

// New creates a coordinator. Register its Observe method as a bus handler
// so task output and stall flags are tracked.
func New(opts Options) *Coordinator {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.DefaultParallelism < 1 {
		opts.DefaultParallelism = 1
	}
	if opts.Profiles == nil {
		opts.Profiles = classifier.NewLibrary()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:        opts,
		pub:         opts.Publisher,
		log:         logging.NewLogger("spawn"),
		global:      semaphore.NewWeighted(int64(opts.MaxSessions)),
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[string]*Task),
		sessions:    make(map[string]*session.Controller),
		decomposers: builtinDecomposers(),
	}
	c.dispatch = dispatch.New(c.lookupTarget, opts.Publisher, opts.AuditCap)
	return c
}

// Dispatcher returns the dispatcher all interventions go through.
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher { return c.dispatch }

// RegisterDecomposer adds or replaces a named decomposer.
func (c *Coordinator) RegisterDecomposer(name string, d Decomposer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decomposers[name] = d
}

func (c *Coordinator) decomposer(name string) (Decomposer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.decomposers[name]
	return d, ok
}

// Task returns a task by id.
func (c *Coordinator) Task(id string) (*Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

// Session returns a session by id.
func (c *Coordinator) Session(id string) (*session.Controller, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Coordinator) lookupTarget(id string) (dispatch.Target, bool) {
	s, ok := c.Session(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Observe feeds task output buffers and forwards stall flags to sessions.
func (c *Coordinator) Observe(e bus.Event) {
	switch e.Type {
	case bus.EventSessionOutput:
		t, ok := c.Task(e.TaskID)
		for ok && t != nil {
			t.output.Append(e.Data)
			t = t.parent
		}
	case bus.EventSessionStalled:
		if s, ok := c.Session(e.SessionID); ok {
			s.MarkStalled()
		}
	}
}

// Spawn validates req, reserves capacity and starts the task in the
// background. It returns once the task exists; completion is observed on
// the bus or through Task.Done.
func (c *Coordinator) Spawn(ctx context.Context, req Request) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, failure.New(failure.CodeState, "coordinator is shutting down")
	}
	p, err := c.validate(&req)
	if err != nil {
		return nil, err
	}

	parallelism := req.Parallelism
	if parallelism == 0 {
		parallelism = c.opts.DefaultParallelism
	}
	weight := int64(parallelism)
	if leaves := int64(p.leaves()); leaves < weight {
		weight = leaves
	}
	if !c.global.TryAcquire(weight) {
		return nil, failure.Newf(failure.CodeCapacity,
			"global ceiling of %d sessions reached (task needs %d)", c.opts.MaxSessions, weight).
			WithDetail("max_sessions", c.opts.MaxSessions).
			WithDetail("requested", weight)
	}

	sem := semaphore.NewWeighted(int64(parallelism))
	root := c.buildTask(c.ctx, nil, p, &req, parallelism, sem)

	c.log.WithFields(logrus.Fields{
		"task":        root.ID,
		"pattern":     root.Pattern,
		"parallelism": parallelism,
		"sessions":    p.leaves(),
	}).Info("Task spawned")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.global.Release(weight)
		c.run(root)
	}()
	return root, nil
}

// buildTask creates and registers a task tree, publishing task.created for
// each node.
func (c *Coordinator) buildTask(parentCtx context.Context, parent *Task, p *plan, req *Request, parallelism int, sem *semaphore.Weighted) *Task {
	ctx, cancel := context.WithCancel(parentCtx)
	t := &Task{
		ID:          uuid.New().String(),
		Pattern:     p.pattern,
		Parallelism: parallelism,
		Prompts:     p.prompts,
		CreatedAt:   time.Now().UTC(),
		parent:      parent,
		req:         req,
		sem:         sem,
		ctx:         ctx,
		cancel:      cancel,
		output:      session.NewBuffer(c.opts.BufferCap),
		done:        make(chan struct{}),
		state:       TaskPending,
	}
	if parent != nil {
		t.ParentID = parent.ID
	}

	c.mu.Lock()
	c.tasks[t.ID] = t
	c.mu.Unlock()
	c.publish(bus.Event{
		Type:     bus.EventTaskCreated,
		TaskID:   t.ID,
		ParentID: t.ParentID,
		State:    string(TaskPending),
		Detail:   string(t.Pattern),
	})

	for _, sp := range p.subtasks {
		st := c.buildTask(ctx, t, sp, req, parallelism, sem)
		t.subtasks = append(t.subtasks, st)
	}
	return t
}

func (c *Coordinator) run(t *Task) {
	defer t.cancel()
	c.setState(t, TaskRunning)

	var results []TaskState
	switch t.Pattern {
	case PatternSequential:
		results = c.runSequential(t)
	case PatternParallel:
		results = c.runParallel(t)
	case PatternDecomposed:
		results = c.runSubtasks(t)
	}

	final := Aggregate(t.Pattern, results)
	if t.isKilled() || (t.ctx.Err() != nil && final != TaskCompleted) {
		final = TaskKilled
	}
	c.setState(t, final)
	close(t.done)
}

func (c *Coordinator) runSequential(t *Task) []TaskState {
	var results []TaskState
	for i, prompt := range t.Prompts {
		if t.ctx.Err() != nil {
			break
		}
		r := c.runChild(t, i, prompt)
		if r == "" {
			break
		}
		results = append(results, r)
		if r != TaskCompleted {
			c.log.WithFields(logrus.Fields{"task": t.ID, "child": i, "result": r}).
				Info("Sequential task stopped; remaining children will not start")
			break
		}
	}
	return results
}

func (c *Coordinator) runParallel(t *Task) []TaskState {
	results := make([]TaskState, len(t.Prompts))
	var g errgroup.Group
	for i, prompt := range t.Prompts {
		g.Go(func() error {
			results[i] = c.runChild(t, i, prompt)
			return nil
		})
	}
	_ = g.Wait()

	// Children cut off by a kill never started and have no result.
	out := results[:0]
	for _, r := range results {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (c *Coordinator) runSubtasks(t *Task) []TaskState {
	subtasks := t.Subtasks()
	results := make([]TaskState, len(subtasks))
	var g errgroup.Group
	for i, st := range subtasks {
		g.Go(func() error {
			c.run(st)
			results[i] = st.State()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runChild runs one leaf session to completion and returns its result. An
// empty result means the child never started.
func (c *Coordinator) runChild(t *Task, index int, prompt string) TaskState {
	if err := t.sem.Acquire(t.ctx, 1); err != nil {
		return ""
	}
	defer t.sem.Release(1)
	if t.ctx.Err() != nil {
		return ""
	}

	req := t.req
	args := append([]string(nil), req.Args...)
	if req.PromptMode == PromptArg && prompt != "" {
		args = append(args, prompt)
	}

	ctrl := session.New(session.Options{
		TaskID:        t.ID,
		Profile:       c.profileFor(req),
		LaunchTimeout: c.opts.LaunchTimeout,
		KillGrace:     c.opts.KillGrace,
		BufferCap:     c.opts.BufferCap,
		BusyPolicy:    c.opts.BusyPolicy,
		Env:           req.Env,
		Publisher:     c.pub,
		Logger:        c.log.WithFields(logrus.Fields{"task": t.ID, "child": index}),
	})
	c.mu.Lock()
	c.sessions[ctrl.ID()] = ctrl
	c.mu.Unlock()
	t.mu.Lock()
	t.sessions = append(t.sessions, ctrl)
	t.mu.Unlock()

	if err := ctrl.Start(req.Command, args, req.WorkDir); err != nil {
		<-ctrl.Done()
		return fromSession(ctrl.State())
	}

	stop := context.AfterFunc(t.ctx, func() {
		_, _ = c.dispatch.Kill(ctrl.ID())
	})
	defer stop()

	c.drive(t.ctx, ctrl, req, prompt)
	<-ctrl.Done()
	return fromSession(ctrl.State())
}

// drive delivers the prompt and finishes the session once its turn is
// over when the request asks for that.
func (c *Coordinator) drive(ctx context.Context, ctrl *session.Controller, req *Request, prompt string) {
	log := c.log.WithField("session", ctrl.ID())

	if req.PromptMode == PromptInject && prompt != "" {
		st, err := ctrl.Await(ctx, session.StateReady, session.StateIdle)
		if err != nil || st.Terminal() {
			return
		}
		if _, err := c.dispatch.Send(ctrl.ID(), prompt); err != nil {
			log.WithError(err).Warn("Failed to deliver prompt")
			return
		}
	}
	if !req.CloseOnIdle {
		return
	}
	st, err := ctrl.Await(ctx, session.StateIdle)
	if err != nil || st.Terminal() {
		return
	}
	log.Debug("Turn finished, closing session")
	_ = ctrl.Finish()
}

func (c *Coordinator) profileFor(req *Request) *classifier.Compiled {
	if req.Profile != "" {
		if p, ok := c.opts.Profiles.Get(req.Profile); ok {
			return p
		}
	}
	if p, ok := c.opts.Profiles.Get(filepath.Base(req.Command)); ok {
		return p
	}
	p, _ := c.opts.Profiles.Get(classifier.ProfileShell)
	return p
}

// KillTask kills every live session of the task tree and stops children
// that have not started. It returns once the kills are issued. Killing a
// finished task is a no-op.
func (c *Coordinator) KillTask(id string) error {
	t, ok := c.Task(id)
	if !ok {
		return failure.Newf(failure.CodeNotFound, "task %s not found", id)
	}
	if t.State().Terminal() {
		return nil
	}
	t.markKilled()
	live := t.Live()
	t.cancel()
	for _, s := range live {
		if _, err := c.dispatch.Kill(s.ID()); err != nil {
			c.log.WithError(err).WithField("session", s.ID()).Warn("Kill failed")
		}
	}
	c.log.WithFields(logrus.Fields{"task": id, "sessions": len(live)}).Info("Task killed")
	return nil
}

// Tasks returns every task in no particular order.
func (c *Coordinator) Tasks() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// Shutdown kills every task and waits for them to finish or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, t := range c.Tasks() {
		if t.parent == nil {
			_ = c.KillTask(t.ID)
		}
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) setState(t *Task, s TaskState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	if s.Terminal() {
		t.finishedAt = time.Now().UTC()
	}
	t.mu.Unlock()

	c.log.WithFields(logrus.Fields{"task": t.ID, "state": s}).Debug("Task state changed")
	c.publish(bus.Event{
		Type:     bus.EventTaskState,
		TaskID:   t.ID,
		ParentID: t.ParentID,
		State:    string(s),
		Detail:   string(t.Pattern),
	})
}

func (c *Coordinator) publish(e bus.Event) {
	if c.pub != nil {
		c.pub.Publish(e)
	}
}
