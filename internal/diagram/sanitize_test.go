package diagram_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/cognitutor/internal/diagram"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want diagram.Kind
	}{
		{"graph TD\nA-->B", diagram.KindFlowchart},
		{"  \n flowchart LR\nA-->B", diagram.KindFlowchart},
		{"sequenceDiagram\nA->>B: hi", diagram.KindOther},
		{"classDiagram\nclass A", diagram.KindOther},
		{"%% comment\ngraph TD", diagram.KindOther},
		{"", diagram.KindOther},
	}
	for _, tt := range tests {
		if got := diagram.Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
		kind diagram.Kind
	}{
		{
			name: "multi-line quoted label",
			code: "graph TD\n A[\"line1\nline2\"]",
			want: "graph TD\n A[\"line1<br/>line2\"]",
			kind: diagram.KindFlowchart,
		},
		{
			name: "crlf inside quoted label",
			code: "graph TD\r\n A[\"one\r\ntwo\"]",
			want: "graph TD\r\n A[\"one<br/>two\"]",
			kind: diagram.KindFlowchart,
		},
		{
			name: "unquoted parenthesis label",
			code: "graph TD\nA(Start Node) --> B",
			want: "graph TD\nA(\"Start Node\") --> B",
			kind: diagram.KindFlowchart,
		},
		{
			name: "unquoted bracket label",
			code: "flowchart LR\nA[Mass and Energy] --> B[E = mc^2]",
			want: "flowchart LR\nA[\"Mass and Energy\"] --> B[\"E = mc^2\"]",
			kind: diagram.KindFlowchart,
		},
		{
			name: "already quoted labels untouched",
			code: "graph TD\nA[\"Start\"] --> B(\"End\")",
			want: "graph TD\nA[\"Start\"] --> B(\"End\")",
			kind: diagram.KindFlowchart,
		},
		{
			name: "non-flowchart passes through",
			code: "classDiagram\nA(Start Node)\nclass B[Thing]",
			want: "classDiagram\nA(Start Node)\nclass B[Thing]",
			kind: diagram.KindOther,
		},
		{
			name: "trimmed",
			code: "\n\n sequenceDiagram\nA->>B: hi \n",
			want: "sequenceDiagram\nA->>B: hi",
			kind: diagram.KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kind, err := diagram.Sanitize(tt.code)
			if err != nil {
				t.Fatalf("Sanitize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Sanitize() = %q, want %q", got, tt.want)
			}
			if kind != tt.kind {
				t.Errorf("kind = %v, want %v", kind, tt.kind)
			}
		})
	}
}

func TestSanitizeLeavesNoNewlineInQuotedSpans(t *testing.T) {
	code := "graph TD\nA[\"first\nsecond\nthird\"] --> B[\"x\ny\"]\nB --> C"
	got, _, err := diagram.Sanitize(code)
	if err != nil {
		t.Fatal(err)
	}
	inQuote := false
	for _, r := range got {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '\n' && inQuote:
			t.Fatalf("raw newline inside quoted span: %q", got)
		}
	}
	if strings.Count(got, diagram.LineBreak) != 3 {
		t.Errorf("got %q, want three line break markers", got)
	}
}
