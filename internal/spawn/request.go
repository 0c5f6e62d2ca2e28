package spawn

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"axiom/internal/failure"
)

// Pattern is a spawn pattern.
type Pattern string

const (
	PatternSequential Pattern = "sequential"
	PatternParallel   Pattern = "parallel"
	PatternDecomposed Pattern = "decomposed"
)

// PromptMode says how a child's prompt reaches the program.
type PromptMode string

const (
	// PromptInject writes the prompt into the session once it is ready.
	PromptInject PromptMode = "inject"
	// PromptArg appends the prompt as the last command argument.
	PromptArg PromptMode = "arg"
	// PromptNone starts the program without a prompt.
	PromptNone PromptMode = "none"
)

// Request describes a task to spawn.
type Request struct {
	// Spec is the task text. For sequential and parallel tasks without
	// Prompts it is the single child's prompt; for decomposed tasks it is
	// the input of the decomposer.
	Spec string `json:"spec,omitempty"`
	// Prompts gives one child session per entry.
	Prompts     []string `json:"prompts,omitempty"`
	Pattern     Pattern  `json:"pattern"`
	Parallelism int      `json:"parallelism,omitempty"`

	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workDir,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Profile names the marker profile; empty picks the profile named
	// after the command, falling back to the shell profile.
	Profile    string     `json:"profile,omitempty"`
	PromptMode PromptMode `json:"promptMode,omitempty"`
	// CloseOnIdle finishes each child once its prompt's turn is over.
	CloseOnIdle bool `json:"closeOnIdle,omitempty"`

	// Decomposer names the decomposition strategy of a decomposed task.
	Decomposer string `json:"decomposer,omitempty"`
	// SubPattern is the pattern of each subtask of a decomposed task.
	SubPattern Pattern `json:"subPattern,omitempty"`
}

// plan is a validated request turned into a tree of prompts.
type plan struct {
	pattern  Pattern
	prompts  []string
	subtasks []*plan
}

func (p *plan) leaves() int {
	n := len(p.prompts)
	for _, s := range p.subtasks {
		n += s.leaves()
	}
	return n
}

func invalid(format string, args ...interface{}) *failure.Error {
	return failure.Newf(failure.CodeInvalidSpec, format, args...)
}

// validate checks a request and expands it into a plan. Nothing is
// started for a request that fails here.
func (c *Coordinator) validate(req *Request) (*plan, error) {
	if req.Command == "" {
		return nil, invalid("command is required")
	}
	if !c.opts.AllowAll && !c.commandAllowed(req.Command) {
		return nil, invalid("command %q is not on the allow-list", req.Command).
			WithDetail("command", req.Command)
	}
	if err := c.checkEnv(req.Env); err != nil {
		return nil, err
	}
	if req.Parallelism < 0 {
		return nil, invalid("parallelism must be at least 1, got %d", req.Parallelism)
	}
	switch req.PromptMode {
	case "":
		req.PromptMode = PromptInject
	case PromptInject, PromptArg, PromptNone:
	default:
		return nil, invalid("unknown prompt mode %q", req.PromptMode)
	}
	if req.Profile != "" {
		if _, ok := c.opts.Profiles.Get(req.Profile); !ok {
			return nil, invalid("unknown profile %q", req.Profile)
		}
	}

	switch req.Pattern {
	case PatternSequential, PatternParallel:
		if req.Decomposer != "" || req.SubPattern != "" {
			return nil, invalid("decomposer and subPattern only apply to the decomposed pattern")
		}
		prompts := req.Prompts
		if len(prompts) == 0 {
			prompts = []string{req.Spec}
		}
		if err := checkPrompts(req.PromptMode, prompts); err != nil {
			return nil, err
		}
		return &plan{pattern: req.Pattern, prompts: prompts}, nil

	case PatternDecomposed:
		if req.Spec == "" {
			return nil, invalid("decomposed pattern needs a spec")
		}
		if len(req.Prompts) > 0 {
			return nil, invalid("decomposed pattern takes a spec, not prompts")
		}
		sub := req.SubPattern
		if sub == "" {
			sub = PatternSequential
		}
		if sub != PatternSequential && sub != PatternParallel {
			return nil, invalid("subPattern must be sequential or parallel, got %q", sub)
		}
		name := req.Decomposer
		if name == "" {
			name = DecomposerSeparator
		}
		d, ok := c.decomposer(name)
		if !ok {
			return nil, invalid("unknown decomposer %q", name)
		}
		parts, err := d.Decompose(req.Spec)
		if err != nil {
			return nil, failure.Wrap(err, failure.CodeInvalidSpec, "decompose spec")
		}
		if len(parts) == 0 {
			return nil, invalid("decomposer %q produced no subtasks", name)
		}
		root := &plan{pattern: PatternDecomposed}
		for _, prompts := range parts {
			if len(prompts) == 0 {
				return nil, invalid("decomposer %q produced an empty subtask", name)
			}
			if err := checkPrompts(req.PromptMode, prompts); err != nil {
				return nil, err
			}
			root.subtasks = append(root.subtasks, &plan{pattern: sub, prompts: prompts})
		}
		return root, nil

	case "":
		return nil, invalid("pattern is required")
	default:
		return nil, invalid("unknown pattern %q", req.Pattern)
	}
}

func checkPrompts(mode PromptMode, prompts []string) error {
	if mode != PromptNone {
		return nil
	}
	for _, p := range prompts {
		if p != "" {
			return invalid("prompt mode none does not take prompts")
		}
	}
	return nil
}

// commandAllowed matches command against the allow-list exactly. An
// absolute path is also accepted when it is the same file a bare entry
// resolves to on PATH, so "sh" allows "/bin/sh" but not "/tmp/x/sh".
func (c *Coordinator) commandAllowed(command string) bool {
	for _, allowed := range c.opts.AllowedCommands {
		if command == allowed {
			return true
		}
	}
	if !filepath.IsAbs(command) {
		return false
	}
	target, err := os.Stat(command)
	if err != nil {
		return false
	}
	for _, allowed := range c.opts.AllowedCommands {
		if strings.ContainsRune(allowed, filepath.Separator) {
			continue
		}
		resolved, err := exec.LookPath(allowed)
		if err != nil {
			continue
		}
		if info, err := os.Stat(resolved); err == nil && os.SameFile(info, target) {
			return true
		}
	}
	return false
}

// loaderEnv lists variables that change which code an allowed command
// runs. They are refused while the allow-list is enforced.
var loaderEnv = []string{"PATH", "LD_*", "DYLD_*"}

func (c *Coordinator) checkEnv(env []string) error {
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return invalid("env entry %q is not KEY=VALUE", kv)
		}
		if c.opts.AllowAll {
			continue
		}
		for _, pattern := range loaderEnv {
			if matched, _ := filepath.Match(pattern, key); matched {
				return invalid("env %s is not allowed unless all commands are allowed", key).
					WithDetail("env", key)
			}
		}
	}
	return nil
}
