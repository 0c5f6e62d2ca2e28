package classifier

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes how to read and steer one kind of interactive program.
type Profile struct {
	Name    string            `yaml:"name"`
	Markers map[Kind][]string `yaml:"markers"`
	// Interrupt is written to the terminal to cancel the current turn.
	// Empty means send SIGINT to the process group instead.
	Interrupt string `yaml:"interrupt"`
	// Submit is written after injected text.
	Submit string `yaml:"submit"`
	// SubmitDelay separates the text from the submit sequence, for programs
	// that treat a fast trailing newline as part of a paste.
	SubmitDelay time.Duration `yaml:"submit_delay"`
	// Exit is written to ask the program to end the session.
	Exit string `yaml:"exit"`
}

// Built-in profile names.
const (
	ProfileClaude = "claude"
	ProfileShell  = "shell"
)

// Builtins returns the built-in profiles.
func Builtins() map[string]Profile {
	return map[string]Profile{
		ProfileClaude: {
			Name: ProfileClaude,
			Markers: map[Kind][]string{
				KindReady:      {"? for shortcuts", "Welcome to Claude"},
				KindBusy:       {"esc to interrupt", "re:(?i)thinking…"},
				KindIdle:       {"re:(?m)^\\s*>\\s*$"},
				KindTerminated: {"Goodbye!"},
			},
			Interrupt:   "\x1b",
			Submit:      "\r",
			SubmitDelay: 100 * time.Millisecond,
			Exit:        "/exit\r",
		},
		ProfileShell: {
			Name: ProfileShell,
			Markers: map[Kind][]string{
				KindReady: {"re:[$#%>] $"},
			},
			Interrupt: "\x03",
			Submit:    "\r",
			Exit:      "\x04",
		},
	}
}

// Library is the set of profiles available to new and running sessions.
// It is swapped atomically on reload, so lookups never block.
type Library struct {
	current atomic.Pointer[map[string]*Compiled]
}

// NewLibrary creates a library seeded with the built-in profiles.
func NewLibrary() *Library {
	l := &Library{}
	set := make(map[string]*Compiled)
	for name, p := range Builtins() {
		set[name] = MustCompile(p)
	}
	l.current.Store(&set)
	return l
}

// Get returns the compiled profile with the given name.
func (l *Library) Get(name string) (*Compiled, bool) {
	c, ok := (*l.current.Load())[name]
	return c, ok
}

// Names returns the sorted profile names.
func (l *Library) Names() []string {
	set := *l.current.Load()
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Replace installs profiles on top of the built-ins. Either every profile
// compiles and the whole set is swapped in, or nothing changes.
func (l *Library) Replace(profiles []Profile) error {
	set := make(map[string]*Compiled)
	for name, p := range Builtins() {
		set[name] = MustCompile(p)
	}
	for _, p := range profiles {
		if p.Name == "" {
			return fmt.Errorf("profile without a name")
		}
		c, err := Compile(p)
		if err != nil {
			return err
		}
		set[p.Name] = c
	}
	l.current.Store(&set)
	return nil
}

// profileFile is the on-disk format of a profile file.
type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile reads a yaml profile file and replaces the library's profiles.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse profiles %s: %w", path, err)
	}
	return l.Replace(pf.Profiles)
}
