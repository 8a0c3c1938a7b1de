package diagram

import (
	"strings"

	"github.com/dlclark/regexp2"
)

// Kind is the coarse classification of a diagram source.
type Kind string

const (
	// KindFlowchart is a source starting with "graph" or "flowchart".
	KindFlowchart Kind = "flowchart"
	// KindOther is every other diagram kind; it is never rewritten.
	KindOther Kind = "other"
)

// LineBreak replaces literal newlines inside quoted labels.
const LineBreak = "<br/>"

// The patterns are written for ECMAScript semantics, matching the syntax the rendering engine parses.
var (
	quotedBracketLabel = regexp2.MustCompile(`\["([\s\S]*?)"\]`, regexp2.ECMAScript)
	bareParenLabel     = regexp2.MustCompile(`(\w+)\(([^")\n]+)\)`, regexp2.ECMAScript)
	bareBracketLabel   = regexp2.MustCompile(`(\w+)\[([^"\]\n]+)\]`, regexp2.ECMAScript)
)

// Classify trims code and classifies it by its leading keyword. The check is a prefix heuristic: a
// flowchart introduced by any other keyword is classified KindOther.
func Classify(code string) Kind {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "graph") || strings.HasPrefix(trimmed, "flowchart") {
		return KindFlowchart
	}
	return KindOther
}

// Sanitize trims code and, for flowcharts only, rewrites the two label forms the engine rejects: line breaks
// inside ["..."] labels become LineBreak, and bare A(text) / A[text] labels get quoted. Other kinds are
// returned trimmed but otherwise untouched.
func Sanitize(code string) (string, Kind, error) {
	trimmed := strings.TrimSpace(code)
	kind := Classify(trimmed)
	if kind != KindFlowchart {
		return trimmed, kind, nil
	}

	out, err := quotedBracketLabel.ReplaceFunc(trimmed, func(m regexp2.Match) string {
		label := m.GroupByNumber(1).String()
		label = strings.ReplaceAll(label, "\r\n", "\n")
		return `["` + strings.ReplaceAll(label, "\n", LineBreak) + `"]`
	}, -1, -1)
	if err != nil {
		return "", kind, err
	}
	if out, err = bareParenLabel.Replace(out, `$1("$2")`, -1, -1); err != nil {
		return "", kind, err
	}
	if out, err = bareBracketLabel.Replace(out, `$1["$2"]`, -1, -1); err != nil {
		return "", kind, err
	}
	return out, kind, nil
}
