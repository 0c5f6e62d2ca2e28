// Package session runs one interactive program on a pseudo-terminal and
// tracks its lifecycle from the output it produces.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"axiom/internal/bus"
	"axiom/internal/classifier"
	"axiom/internal/failure"
	"axiom/internal/logging"
)

const (
	defaultLaunchTimeout = 30 * time.Second
	defaultKillGrace     = 5 * time.Second
	readBufSize          = 32 * 1024
	inputQueueCap        = 64
	pendingCap           = inputQueueCap
	drainTimeout         = 2 * time.Second
	ptyRows              = 50
	ptyCols              = 200
)

// Options configures a Controller.
type Options struct {
	// ID is generated when empty.
	ID     string
	TaskID string
	// Profile drives output classification and the byte sequences used
	// for submit, interrupt and exit.
	Profile       *classifier.Compiled
	LaunchTimeout time.Duration
	KillGrace     time.Duration
	// BufferCap caps retained output bytes; 0 keeps everything.
	BufferCap  int
	BusyPolicy BusyPolicy
	// Env is appended to the server's environment.
	Env       []string
	Publisher bus.Publisher
	Logger    *logrus.Entry
}

type inputItem struct {
	data   []byte
	delay  time.Duration
	submit []byte
}

// Controller owns exactly one subprocess and its pseudo-terminal. Every
// public method returns without waiting on the process.
type Controller struct {
	id      string
	taskID  string
	opts    Options
	profile *classifier.Compiled
	log     *logrus.Entry
	buf     *Buffer
	emit    *emitter

	mu              sync.Mutex
	state           State
	changed         chan struct{}
	cmd             *exec.Cmd
	ptmx            *os.File
	pid             int
	command         string
	args            []string
	workDir         string
	createdAt       time.Time
	lastActivity    time.Time
	exit            *ExitResult
	reason          string
	pending         []string
	killRequested   bool
	finishRequested bool
	launchTimedOut  bool
	everReady       bool
	launchTimer     *time.Timer

	input        chan inputItem
	readDone     chan struct{}
	done         chan struct{}
	reaped       atomic.Bool
	terminalOnce sync.Once
}

// New creates a controller in the starting state. The process is launched
// by Start.
func New(opts Options) *Controller {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Profile == nil {
		opts.Profile = classifier.MustCompile(classifier.Builtins()[classifier.ProfileShell])
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = defaultLaunchTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.BusyPolicy == "" {
		opts.BusyPolicy = BusyReject
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("session")
	}
	now := time.Now().UTC()
	return &Controller{
		id:           opts.ID,
		taskID:       opts.TaskID,
		opts:         opts,
		profile:      opts.Profile,
		log:          log.WithField("session", opts.ID),
		buf:          NewBuffer(opts.BufferCap),
		emit:         newEmitter(opts.Publisher),
		state:        StateStarting,
		changed:      make(chan struct{}),
		createdAt:    now,
		lastActivity: now,
		input:        make(chan inputItem, inputQueueCap),
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// TaskID returns the id of the task that owns the session.
func (c *Controller) TaskID() string { return c.taskID }

// Done is closed once the session is terminal and all of its events have
// been published.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		ID:           c.id,
		TaskID:       c.taskID,
		State:        c.state,
		Command:      c.command,
		Args:         append([]string(nil), c.args...),
		WorkDir:      c.workDir,
		PID:          c.pid,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		Bytes:        c.buf.Len(),
		Pending:      len(c.pending),
		Reason:       c.reason,
	}
	if c.exit != nil {
		exit := *c.exit
		info.Exit = &exit
	}
	return info
}

// Start launches command on a new pseudo-terminal in workDir. It fails with
// a LAUNCH_ERROR when the working directory is unusable or the executable
// cannot be started; the session is then terminal (failed).
func (c *Controller) Start(command string, args []string, workDir string) error {
	c.mu.Lock()
	if c.cmd != nil || c.state.Terminal() {
		state := c.state
		c.mu.Unlock()
		return failure.Newf(failure.CodeState, "session %s already started (%s)", c.id, state)
	}
	c.command = command
	c.args = append([]string(nil), args...)
	c.workDir = workDir
	c.mu.Unlock()

	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil {
			return c.failLaunch(failure.Wrap(err, failure.CodeLaunch, "working directory does not exist: "+workDir))
		}
		if !info.IsDir() {
			return c.failLaunch(failure.New(failure.CodeLaunch, "path is not a directory: "+workDir))
		}
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, c.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return c.failLaunch(failure.Wrap(err, failure.CodeLaunch, "start "+command))
	}

	c.mu.Lock()
	if c.killRequested {
		// Killed while we were launching; the process must not outlive that.
		c.cmd = cmd
		c.ptmx = ptmx
		c.pid = cmd.Process.Pid
		c.mu.Unlock()
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		go c.readLoop(ptmx)
		go c.waitLoop(cmd, ptmx)
		return nil
	}
	c.cmd = cmd
	c.ptmx = ptmx
	c.pid = cmd.Process.Pid
	c.lastActivity = time.Now().UTC()
	c.launchTimer = time.AfterFunc(c.opts.LaunchTimeout, c.onLaunchTimeout)
	c.emit.emit(bus.Event{
		Type:      bus.EventSessionStarted,
		TaskID:    c.taskID,
		SessionID: c.id,
		State:     string(c.state),
		Detail:    strings.TrimSpace(command + " " + strings.Join(args, " ")),
	})
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"command": command, "pid": cmd.Process.Pid}).Info("Session started")

	go c.writeLoop(ptmx)
	go c.readLoop(ptmx)
	go c.waitLoop(cmd, ptmx)
	return nil
}

func (c *Controller) failLaunch(err *failure.Error) error {
	c.log.WithError(err).Warn("Session failed to launch")
	c.finalize(StateFailed, nil, err.Error())
	return err
}

// Write injects text followed by the profile's submit sequence. It is
// accepted only in ready or idle; in starting, busy or stalled it is
// rejected or queued according to the busy policy. queued reports whether
// the text was held for later delivery. At most pendingCap texts are held.
func (c *Controller) Write(text string) (queued bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() || c.killRequested || c.finishRequested {
		return false, c.deadError()
	}
	if c.state.AcceptsInput() {
		if err := c.enqueueInput(text); err != nil {
			return false, err
		}
		c.lastActivity = time.Now().UTC()
		c.setState(StateBusy)
		return false, nil
	}
	if c.opts.BusyPolicy == BusyQueue {
		if len(c.pending) >= pendingCap {
			return false, failure.Newf(failure.CodeCapacity, "session %s has %d queued inputs", c.id, len(c.pending)).
				WithDetail("reason", ReasonBusy).
				WithDetail("state", string(c.state))
		}
		c.pending = append(c.pending, text)
		return true, nil
	}
	return false, failure.Newf(failure.CodeState, "session %s is %s", c.id, c.state).
		WithDetail("reason", ReasonBusy).
		WithDetail("state", string(c.state))
}

// Interrupt asks the program to cancel its current turn. It is best-effort
// and a no-op unless the session is busy or stalled.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	if c.cmd == nil || c.state.Terminal() || c.killRequested {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateBusy && c.state != StateStalled {
		c.mu.Unlock()
		return nil
	}
	if seq := c.profile.Profile().Interrupt; seq != "" {
		select {
		case c.input <- inputItem{data: []byte(seq)}:
		default:
			c.log.Warn("Input queue full, interrupt sequence dropped")
		}
		c.mu.Unlock()
		return nil
	}
	pid := c.pid
	c.mu.Unlock()
	return signalGroup(pid, syscall.SIGINT)
}

// Kill terminates the process: SIGTERM to its process group now, SIGKILL
// after the grace period if it is still around. Idempotent; the session
// becomes killed once the exit is observed.
func (c *Controller) Kill() error {
	c.mu.Lock()
	if c.state.Terminal() || c.killRequested {
		c.mu.Unlock()
		return nil
	}
	c.killRequested = true
	c.pending = nil
	if c.cmd == nil {
		c.mu.Unlock()
		c.finalize(StateKilled, nil, "killed before launch")
		return nil
	}
	pid := c.pid
	c.mu.Unlock()

	c.log.Info("Killing session")
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		c.log.WithError(err).Warn("SIGTERM failed")
	}
	c.escalate(pid, syscall.SIGKILL)
	return nil
}

// Finish asks the program to exit by writing the profile's exit sequence,
// and forces it after the grace period. The resulting exit counts as
// completed.
func (c *Controller) Finish() error {
	c.mu.Lock()
	if c.cmd == nil || c.state.Terminal() || c.killRequested || c.finishRequested {
		c.mu.Unlock()
		return nil
	}
	c.finishRequested = true
	c.pending = nil
	if seq := c.profile.Profile().Exit; seq != "" {
		select {
		case c.input <- inputItem{data: []byte(seq)}:
		default:
		}
	}
	pid := c.pid
	c.mu.Unlock()

	c.escalate(pid, syscall.SIGKILL)
	return nil
}

func (c *Controller) escalate(pid int, sig syscall.Signal) {
	time.AfterFunc(c.opts.KillGrace, func() {
		if c.reaped.Load() {
			return
		}
		_ = signalGroup(pid, sig)
	})
}

// MarkStalled flags a busy session as stalled. The next output clears it.
func (c *Controller) MarkStalled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateBusy {
		c.setState(StateStalled)
	}
}

// ReadBuffer returns output from offset from onwards and the next offset.
func (c *Controller) ReadBuffer(from int64) ([]byte, int64) {
	return c.buf.Read(from)
}

// Await blocks until the session is in one of states or terminal, or ctx
// is done. It returns the state it observed.
func (c *Controller) Await(ctx context.Context, states ...State) (State, error) {
	for {
		c.mu.Lock()
		s, changed := c.state, c.changed
		c.mu.Unlock()

		if s.Terminal() {
			return s, nil
		}
		for _, want := range states {
			if s == want {
				return s, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// setState must be called with c.mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.emit.emit(bus.Event{
		Type:      bus.EventSessionState,
		TaskID:    c.taskID,
		SessionID: c.id,
		State:     string(s),
		Detail:    string(prev),
		Offset:    c.buf.Len(),
	})
	c.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("State changed")
}

// enqueueInput must be called with c.mu held.
func (c *Controller) enqueueInput(text string) error {
	p := c.profile.Profile()
	item := inputItem{data: []byte(text), delay: p.SubmitDelay, submit: []byte(p.Submit)}
	select {
	case c.input <- item:
		return nil
	default:
		return failure.Newf(failure.CodeCapacity, "session %s input queue is full", c.id)
	}
}

// flushPending delivers one queued write if the session can take it. Must
// be called with c.mu held.
func (c *Controller) flushPending() {
	if len(c.pending) == 0 || !c.state.AcceptsInput() {
		return
	}
	if err := c.enqueueInput(c.pending[0]); err != nil {
		return
	}
	c.pending = c.pending[1:]
	c.lastActivity = time.Now().UTC()
	c.setState(StateBusy)
}

func (c *Controller) deadError() *failure.Error {
	return failure.Newf(failure.CodeState, "session %s has terminated", c.id).
		WithDetail("reason", ReasonDead).
		WithDetail("state", string(c.state))
}

func (c *Controller) writeLoop(w io.Writer) {
	for {
		select {
		case item := <-c.input:
			if _, err := w.Write(item.data); err != nil {
				c.log.WithError(err).Debug("Write to terminal failed")
				continue
			}
			if len(item.submit) == 0 {
				continue
			}
			if item.delay > 0 {
				select {
				case <-time.After(item.delay):
				case <-c.done:
					return
				}
			}
			if _, err := w.Write(item.submit); err != nil {
				c.log.WithError(err).Debug("Write to terminal failed")
			}
		case <-c.done:
			return
		}
	}
}

func (c *Controller) readLoop(r io.Reader) {
	defer close(c.readDone)
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.onOutput(chunk)
		}
		if err != nil {
			// EIO is how Linux reports that the terminal's other end closed.
			c.log.WithError(err).Debug("Read loop finished")
			return
		}
	}
}

func (c *Controller) onOutput(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.buf.Append(chunk)
	c.lastActivity = time.Now().UTC()
	c.emit.emit(bus.Event{
		Type:      bus.EventSessionOutput,
		TaskID:    c.taskID,
		SessionID: c.id,
		State:     string(c.state),
		Data:      chunk,
		Offset:    end,
	})
	if c.state.Terminal() {
		return
	}
	if c.state == StateStalled {
		c.setState(StateBusy)
	}

	sig, ok := classifier.Classify(c.state.kind(), chunk, end, c.profile)
	if !ok {
		return
	}
	c.emit.emit(bus.Event{
		Type:      bus.EventSessionSignal,
		TaskID:    c.taskID,
		SessionID: c.id,
		State:     string(c.state),
		Signal:    string(sig.Kind),
		Offset:    sig.Offset,
	})
	c.applySignal(sig.Kind)
}

// applySignal must be called with c.mu held.
func (c *Controller) applySignal(kind classifier.Kind) {
	switch kind {
	case classifier.KindReady:
		switch c.state {
		case StateStarting:
			c.everReady = true
			if c.launchTimer != nil {
				c.launchTimer.Stop()
			}
			c.setState(StateReady)
			c.flushPending()
		case StateBusy:
			c.setState(StateIdle)
			c.flushPending()
		}
	case classifier.KindIdle:
		if c.state == StateBusy || c.state == StateReady {
			c.setState(StateIdle)
			c.flushPending()
		}
	case classifier.KindBusy:
		if c.state.AcceptsInput() {
			c.setState(StateBusy)
		}
	}
	// Terminated markers are advisory; the process exit decides.
}

func (c *Controller) onLaunchTimeout() {
	c.mu.Lock()
	if c.state != StateStarting || c.killRequested || c.cmd == nil {
		c.mu.Unlock()
		return
	}
	c.launchTimedOut = true
	pid := c.pid
	c.mu.Unlock()

	c.log.WithField("timeout", c.opts.LaunchTimeout).Warn("Session did not become ready in time")
	_ = signalGroup(pid, syscall.SIGKILL)
}

func (c *Controller) waitLoop(cmd *exec.Cmd, ptmx *os.File) {
	_ = cmd.Wait()
	c.reaped.Store(true)

	// Let the reader drain what the program wrote before it exited.
	select {
	case <-c.readDone:
	case <-time.After(drainTimeout):
	}
	ptmx.Close()
	select {
	case <-c.readDone:
	case <-time.After(drainTimeout):
		c.log.Warn("Read loop did not stop after terminal close")
	}

	result := exitResult(cmd.ProcessState)
	c.mu.Lock()
	state, reason := c.exitState(result)
	c.mu.Unlock()
	c.finalize(state, &result, reason)
}

// exitState decides the terminal state for an observed exit. Must be
// called with c.mu held.
func (c *Controller) exitState(res ExitResult) (State, string) {
	switch {
	case c.killRequested:
		return StateKilled, "killed"
	case c.launchTimedOut:
		return StateFailed, failure.Newf(failure.CodeLaunch, "not ready after %s", c.opts.LaunchTimeout).Error()
	case c.finishRequested:
		return StateCompleted, ""
	case !c.everReady:
		return StateFailed, failure.Newf(failure.CodeLaunch, "exited before ready (%s)", describeExit(res)).Error()
	case res.Code == 0:
		return StateCompleted, ""
	default:
		return StateFailed, failure.Newf(failure.CodeUnexpectedExit, "exited unexpectedly (%s)", describeExit(res)).Error()
	}
}

func describeExit(res ExitResult) string {
	if res.Signal != "" {
		return "signal " + res.Signal
	}
	return fmt.Sprintf("code %d", res.Code)
}

// finalize performs the single terminal transition and releases the
// process handle. Later calls are no-ops.
func (c *Controller) finalize(state State, exit *ExitResult, reason string) {
	c.terminalOnce.Do(func() {
		c.mu.Lock()
		if c.launchTimer != nil {
			c.launchTimer.Stop()
		}
		c.exit = exit
		c.reason = reason
		c.pending = nil
		c.cmd = nil
		c.ptmx = nil
		c.setState(state)
		ev := bus.Event{
			Type:      bus.EventSessionExited,
			TaskID:    c.taskID,
			SessionID: c.id,
			State:     string(state),
			Detail:    reason,
			Exit:      exit,
			Offset:    c.buf.Len(),
		}
		c.emit.emit(ev)
		c.mu.Unlock()

		entry := c.log.WithField("state", state)
		if exit != nil {
			entry = entry.WithField("exit_code", exit.Code)
		}
		if reason != "" {
			entry = entry.WithField("reason", reason)
		}
		entry.Info("Session ended")

		c.emit.close()
		go func() {
			<-c.emit.finished
			close(c.done)
		}()
	})
}
