package spawn

import (
	"strings"
)

// Built-in decomposer names.
const (
	DecomposerSeparator = "separator"
	DecomposerLines     = "lines"
)

// Decomposer splits a task spec into subtasks. Each element holds the
// prompts of one subtask.
type Decomposer interface {
	Decompose(spec string) ([][]string, error)
}

// DecomposerFunc adapts a function to Decomposer.
type DecomposerFunc func(spec string) ([][]string, error)

// Decompose calls f.
func (f DecomposerFunc) Decompose(spec string) ([][]string, error) {
	return f(spec)
}

// SplitSections splits spec on lines consisting of "---". Within a section,
// paragraphs separated by blank lines are the subtask's prompts.
func SplitSections(spec string) ([][]string, error) {
	var out [][]string
	var section []string
	var para []string

	flushPara := func() {
		if len(para) > 0 {
			section = append(section, strings.Join(para, "\n"))
			para = nil
		}
	}
	flushSection := func() {
		flushPara()
		if len(section) > 0 {
			out = append(out, section)
			section = nil
		}
	}

	for _, line := range strings.Split(spec, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "---":
			flushSection()
		case trimmed == "":
			flushPara()
		default:
			para = append(para, strings.TrimRight(line, " \t\r"))
		}
	}
	flushSection()
	return out, nil
}

// SplitLines makes one single-prompt subtask per non-empty line.
func SplitLines(spec string) ([][]string, error) {
	var out [][]string
	for _, line := range strings.Split(spec, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, []string{s})
		}
	}
	return out, nil
}

func builtinDecomposers() map[string]Decomposer {
	return map[string]Decomposer{
		DecomposerSeparator: DecomposerFunc(SplitSections),
		DecomposerLines:     DecomposerFunc(SplitLines),
	}
}
