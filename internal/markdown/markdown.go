// Package markdown renders message text to HTML. Mermaid code fences are handed to a diagram callback,
// other code fences are syntax highlighted, and text leaves can carry search match marks.
package markdown

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/MegaGrindStone/cognitutor/internal/diagram"
	"github.com/MegaGrindStone/cognitutor/internal/highlight"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	ghtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
)

// DiagramFunc renders the body of a mermaid code fence.
type DiagramFunc func(code string) diagram.Result

// Options controls a single Render call.
type Options struct {
	// Query, when not empty, wraps case-insensitive matches in text with <mark>.
	Query string
	// Diagram renders mermaid fences. When nil they are shown as plain code blocks, which is what a
	// message that is still streaming wants.
	Diagram DiagramFunc
}

// Renderer converts markdown to HTML. The zero value uses the default code style.
type Renderer struct {
	style string
}

const (
	// DefaultStyle is the chroma style used for code blocks.
	DefaultStyle = "github"
	// DarkStyle is used when the page is in dark mode.
	DarkStyle = "monokai"

	mermaidLanguage = "mermaid"
	// priority must be lower than the html renderer (1000) and highlighting (200) so these funcs win.
	tutorPriority = 100
)

// NewRenderer creates a Renderer that highlights code with the given chroma style.
func NewRenderer(style string) Renderer {
	return Renderer{style: style}
}

// Render writes the HTML form of text to w.
func (r Renderer) Render(w io.Writer, text string, opts Options) error {
	style := r.style
	if style == "" {
		style = DefaultStyle
	}
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(util.Prioritized(newNodeRenderer(style, opts), tutorPriority)),
		),
	)
	if err := md.Convert([]byte(text), w); err != nil {
		return fmt.Errorf("failed to convert markdown: %w", err)
	}
	return nil
}

// RenderString is Render into a string.
func (r Renderer) RenderString(text string, opts Options) (string, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf, text, opts); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// PlainHTML escapes text for display without markdown, marking query matches and keeping line breaks.
func PlainHTML(text, query string) (string, error) {
	var sb strings.Builder
	if err := highlight.WriteHTML(&sb, highlight.Apply(highlight.Text(text), query)); err != nil {
		return "", err
	}
	return strings.ReplaceAll(sb.String(), "\n", "<br>\n"), nil
}

type nodeRenderer struct {
	opts Options

	fencedCode renderer.NodeRendererFunc
	text       renderer.NodeRendererFunc
}

// capture records the funcs another NodeRenderer would register so they can be delegated to.
type capture map[ast.NodeKind]renderer.NodeRendererFunc

func (c capture) Register(kind ast.NodeKind, f renderer.NodeRendererFunc) {
	c[kind] = f
}

func newNodeRenderer(style string, opts Options) *nodeRenderer {
	hl := capture{}
	highlighting.NewHTMLRenderer(highlighting.WithStyle(style)).RegisterFuncs(hl)
	base := capture{}
	ghtml.NewRenderer().RegisterFuncs(base)

	return &nodeRenderer{
		opts:       opts,
		fencedCode: hl[ast.KindFencedCodeBlock],
		text:       base[ast.KindText],
	}
}

func (n *nodeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, n.renderFencedCode)
	reg.Register(ast.KindText, n.renderText)
}

func (n *nodeRenderer) renderFencedCode(
	w util.BufWriter,
	source []byte,
	node ast.Node,
	entering bool,
) (ast.WalkStatus, error) {
	block, ok := node.(*ast.FencedCodeBlock)
	if !ok || n.opts.Diagram == nil || !strings.EqualFold(string(block.Language(source)), mermaidLanguage) {
		return n.fencedCode(w, source, node, entering)
	}
	if !entering {
		return ast.WalkContinue, nil
	}

	var code strings.Builder
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		code.Write(line.Value(source))
	}

	switch res := n.opts.Diagram(code.String()).(type) {
	case diagram.Success:
		_, _ = fmt.Fprintf(w, "<div class=\"diagram\" id=\"%s\">%s</div>\n",
			html.EscapeString(res.Visual.ID), res.Visual.SVG)
	case diagram.Failure:
		_, _ = w.WriteString("<details class=\"diagram-failure\"><summary>Diagram could not be rendered</summary>")
		_, _ = fmt.Fprintf(w, "<pre><code>%s</code></pre></details>\n", html.EscapeString(res.Code))
	}
	return ast.WalkSkipChildren, nil
}

func (n *nodeRenderer) renderText(
	w util.BufWriter,
	source []byte,
	node ast.Node,
	entering bool,
) (ast.WalkStatus, error) {
	t, ok := node.(*ast.Text)
	if !ok || !entering || n.opts.Query == "" || t.IsRaw() {
		return n.text(w, source, node, entering)
	}
	segment := string(t.Segment.Value(source))
	if !highlight.Contains(segment, n.opts.Query) {
		return n.text(w, source, node, entering)
	}

	if err := highlight.WriteHTML(w, highlight.Apply(highlight.Text(segment), n.opts.Query)); err != nil {
		return ast.WalkStop, err
	}
	switch {
	case t.HardLineBreak():
		_, _ = w.WriteString("<br>\n")
	case t.SoftLineBreak():
		_ = w.WriteByte('\n')
	}
	return ast.WalkContinue, nil
}
