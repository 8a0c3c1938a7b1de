package diagram_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/cognitutor/internal/diagram"
)

type mockEngine struct {
	ids   []string
	codes []string
	opts  []diagram.Options
	err   error
	panic bool
}

func (m *mockEngine) Render(_ context.Context, id, code string, opts diagram.Options) (diagram.Visual, error) {
	if m.panic {
		panic("engine exploded")
	}
	m.ids = append(m.ids, id)
	m.codes = append(m.codes, code)
	m.opts = append(m.opts, opts)
	if m.err != nil {
		return diagram.Visual{}, m.err
	}
	return diagram.Visual{SVG: "<svg>" + code + "</svg>"}, nil
}

func newRenderer(engine diagram.Engine) *diagram.Renderer {
	return diagram.NewRenderer(engine, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRenderSuccess(t *testing.T) {
	engine := &mockEngine{}
	r := newRenderer(engine)

	res := r.Render(context.Background(), "graph TD\nA(Start Node) --> B", true)
	ok, isSuccess := res.(diagram.Success)
	if !isSuccess {
		t.Fatalf("Render() = %#v, want Success", res)
	}
	if engine.codes[0] != "graph TD\nA(\"Start Node\") --> B" {
		t.Errorf("engine got %q", engine.codes[0])
	}
	if ok.Visual.ID != engine.ids[0] || !strings.HasPrefix(ok.Visual.ID, "mermaid-") {
		t.Errorf("visual ID = %q, engine ID = %q", ok.Visual.ID, engine.ids[0])
	}
	opts := engine.opts[0]
	if opts.Theme != diagram.ThemeDark || opts.FontFamily != diagram.DefaultFontFamily ||
		opts.SecurityLevel != diagram.SecurityLevelLoose {
		t.Errorf("options = %+v", opts)
	}
}

func TestRenderIDsAreUnique(t *testing.T) {
	engine := &mockEngine{}
	r := newRenderer(engine)
	for range 50 {
		r.Render(context.Background(), "graph TD\nA-->B", false)
	}
	seen := make(map[string]bool)
	for _, id := range engine.ids {
		if seen[id] {
			t.Fatalf("duplicate render ID %q", id)
		}
		seen[id] = true
	}
	if engine.opts[0].Theme != diagram.ThemeDefault {
		t.Errorf("theme = %v, want default", engine.opts[0].Theme)
	}
}

func TestRenderFailureKeepsOriginalCode(t *testing.T) {
	tests := []struct {
		name   string
		engine *mockEngine
	}{
		{name: "engine error", engine: &mockEngine{err: errors.New("Parse error on line 2")}},
		{name: "engine panic", engine: &mockEngine{panic: true}},
	}

	code := "  graph TD\nA(Start Node) -->> \n"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newRenderer(tt.engine).Render(context.Background(), code, false)
			fail, ok := res.(diagram.Failure)
			if !ok {
				t.Fatalf("Render() = %#v, want Failure", res)
			}
			if fail.Code != code {
				t.Errorf("Failure.Code = %q, want the untransformed %q", fail.Code, code)
			}
			if fail.Err == nil {
				t.Error("Failure.Err should be set")
			}
		})
	}
}
