package highlight_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/cognitutor/internal/highlight"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		s, q string
		want []highlight.Node
	}{
		{"gravity", "", []highlight.Node{highlight.Text("gravity")}},
		{"gravity", "mass", []highlight.Node{highlight.Text("gravity")}},
		{"Gravity pulls", "gravity", []highlight.Node{highlight.Mark("Gravity"), highlight.Text(" pulls")}},
		{"a GRAVITY b gravity", "Gravity", []highlight.Node{
			highlight.Text("a "), highlight.Mark("GRAVITY"), highlight.Text(" b "), highlight.Mark("gravity"),
		}},
		{"aaa", "a", []highlight.Node{highlight.Mark("a"), highlight.Mark("a"), highlight.Mark("a")}},
	}
	for _, tt := range tests {
		got := highlight.Split(tt.s, tt.q)
		if len(got) != len(tt.want) {
			t.Errorf("Split(%q, %q) = %#v, want %#v", tt.s, tt.q, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Split(%q, %q)[%d] = %#v, want %#v", tt.s, tt.q, i, got[i], tt.want[i])
			}
		}
	}
}

func TestApplyIsPureAndRecursive(t *testing.T) {
	tree := &highlight.Element{Tag: "ul", Children: []highlight.Node{
		&highlight.Element{Tag: "li", Children: []highlight.Node{highlight.Text("Newton on gravity")}},
		&highlight.Element{Tag: "li", Children: []highlight.Node{
			highlight.Text("nothing here"),
			&highlight.Element{Tag: "strong", Children: []highlight.Node{highlight.Text("GRAVITY wells")}},
		}},
	}}

	got := highlight.Apply(tree, "gravity")

	if highlight.TextOf(got) != highlight.TextOf(tree) {
		t.Errorf("text changed: %q vs %q", highlight.TextOf(got), highlight.TextOf(tree))
	}
	if leaf := tree.Children[0].(*highlight.Element).Children[0]; leaf != highlight.Text("Newton on gravity") {
		t.Error("input tree was mutated")
	}

	var sb strings.Builder
	if err := highlight.WriteHTML(&sb, got); err != nil {
		t.Fatal(err)
	}
	want := `<ul><li>Newton on <mark class="search-match">gravity</mark></li>` +
		`<li>nothing here<strong><mark class="search-match">GRAVITY</mark> wells</strong></li></ul>`
	if sb.String() != want {
		t.Errorf("WriteHTML() = %s\nwant %s", sb.String(), want)
	}
}

func TestWriteHTMLEscapes(t *testing.T) {
	var sb strings.Builder
	n := highlight.Apply(highlight.Text("<b>x</b> & x"), "x")
	if err := highlight.WriteHTML(&sb, n); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sb.String(), "<b>") {
		t.Errorf("unescaped output: %s", sb.String())
	}
}

func TestContains(t *testing.T) {
	if !highlight.Contains("Photosynthesis", "SYNTH") {
		t.Error("Contains should ignore case")
	}
	if highlight.Contains("atom", "molecule") {
		t.Error("unexpected match")
	}
}
