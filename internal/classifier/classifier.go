// Package classifier infers a session's lifecycle signal from the chunks of
// output it produces.
//
// Classification is driven entirely by a Profile of text markers. It is a
// heuristic: a program that changes its phrasing will be misread. Callers
// should treat the result as advisory and rely on the heartbeat monitor for
// liveness.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Kind is a lifecycle signal kind.
type Kind string

const (
	KindStarting   Kind = "starting"
	KindReady      Kind = "ready"
	KindBusy       Kind = "busy"
	KindIdle       Kind = "idle"
	KindStalled    Kind = "stalled"
	KindTerminated Kind = "terminated"
)

// priority lists the chunk-derived kinds, strongest first. Stalled is never
// chunk-derived; it comes from the heartbeat monitor.
var priority = []Kind{KindTerminated, KindReady, KindBusy, KindIdle}

// Signal is a detected lifecycle signal and the buffer offset at which it
// was detected (the end of the chunk that carried the marker).
type Signal struct {
	Kind   Kind  `json:"kind"`
	Offset int64 `json:"offset"`
}

// Compiled is a Profile with its markers prepared for matching. It is
// immutable and safe to share between sessions.
type Compiled struct {
	profile  Profile
	matchers map[Kind][]matcher
}

type matcher struct {
	literal string
	re      *regexp.Regexp
}

func (m matcher) match(text string) bool {
	if m.re != nil {
		return m.re.MatchString(text)
	}
	return strings.Contains(text, m.literal)
}

// Compile validates and prepares a profile. Markers prefixed with "re:" are
// regular expressions; everything else is a literal substring.
func Compile(p Profile) (*Compiled, error) {
	c := &Compiled{profile: p, matchers: make(map[Kind][]matcher)}
	for kind, markers := range p.Markers {
		switch kind {
		case KindReady, KindBusy, KindIdle, KindTerminated:
		default:
			return nil, fmt.Errorf("profile %s: markers for %q are not allowed", p.Name, kind)
		}
		for _, m := range markers {
			if m == "" {
				continue
			}
			if expr, ok := strings.CutPrefix(m, "re:"); ok {
				re, err := regexp.Compile(expr)
				if err != nil {
					return nil, fmt.Errorf("profile %s: marker %q: %w", p.Name, m, err)
				}
				c.matchers[kind] = append(c.matchers[kind], matcher{re: re})
				continue
			}
			c.matchers[kind] = append(c.matchers[kind], matcher{literal: m})
		}
	}
	return c, nil
}

// MustCompile is Compile for built-in profiles.
func MustCompile(p Profile) *Compiled {
	c, err := Compile(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Profile returns the source profile.
func (c *Compiled) Profile() Profile {
	return c.profile
}

// Classify scans one new chunk of output and reports the signal it implies
// given the previous kind. It reports at most one signal; when several
// markers match, the strongest kind wins (terminated, ready, busy, idle).
// No signal is reported when the strongest match equals prev. The result
// depends only on the arguments.
//
// If the profile defines no ready markers, the first non-empty chunk seen
// while starting counts as ready.
func Classify(prev Kind, chunk []byte, end int64, c *Compiled) (Signal, bool) {
	text := ansi.Strip(string(chunk))

	for _, kind := range priority {
		for _, m := range c.matchers[kind] {
			if m.match(text) {
				if kind == prev {
					return Signal{}, false
				}
				return Signal{Kind: kind, Offset: end}, true
			}
		}
	}

	if prev == KindStarting && len(c.matchers[KindReady]) == 0 && strings.TrimSpace(text) != "" {
		return Signal{Kind: KindReady, Offset: end}, true
	}
	return Signal{}, false
}
