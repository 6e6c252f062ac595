package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TextAsserter compares rendered text line by line, ignoring trailing
// whitespace, and reports a unified diff.
type TextAsserter struct {
	t *testing.T
}

func NewTextAsserter(t *testing.T) *TextAsserter {
	return &TextAsserter{t: t}
}

// Assert compares actual text against expected text
func (ta *TextAsserter) Assert(actual, expected string) {
	ta.t.Helper()
	if diff := TextDiff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed - unified diff:\n%s", diff)
	}
}

// TextDiff returns a unified diff of expected against actual, or "" if they match.
func TextDiff(actual, expected string) string {
	a, e := normalizeText(actual), normalizeText(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	return fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
}

func normalizeText(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n") + "\n"
}
