// Package highlight marks search matches inside a tree of rendered content. The transform is pure: it
// returns a rebuilt tree in which every text leaf containing the query is split into plain and marked
// spans, and never mutates its input.
package highlight

import (
	"html"
	"io"
	"strings"
)

// Node is a content tree node: a Text leaf, a Mark leaf or an Element.
type Node interface {
	node()
}

// Text is a plain text leaf.
type Text string

// Mark is a text leaf that matched the query.
type Mark string

// Element is a composite node with a tag name and ordered children.
type Element struct {
	Tag      string
	Class    string
	Children []Node
}

func (Text) node()     {}
func (Mark) node()     {}
func (*Element) node() {}

// Apply returns n with every case-insensitive occurrence of query inside text leaves split out as a Mark.
// An empty query returns n unchanged.
func Apply(n Node, query string) Node {
	if query == "" {
		return n
	}
	switch v := n.(type) {
	case Text:
		parts := Split(string(v), query)
		if len(parts) == 1 {
			return parts[0]
		}
		return &Element{Children: parts}
	case *Element:
		children := make([]Node, len(v.Children))
		for i, c := range v.Children {
			children[i] = Apply(c, query)
		}
		return &Element{Tag: v.Tag, Class: v.Class, Children: children}
	default:
		return n
	}
}

// Split cuts s around case-insensitive occurrences of query. The original casing of s is preserved.
func Split(s, query string) []Node {
	if query == "" || s == "" {
		return []Node{Text(s)}
	}
	lower := strings.ToLower(s)
	q := strings.ToLower(query)
	// Lowercasing can change byte lengths outside ASCII; fall back to no highlighting then.
	if len(lower) != len(s) || len(q) != len(query) {
		return []Node{Text(s)}
	}

	var parts []Node
	for {
		i := strings.Index(lower, q)
		if i < 0 {
			break
		}
		if i > 0 {
			parts = append(parts, Text(s[:i]))
		}
		parts = append(parts, Mark(s[i:i+len(q)]))
		s, lower = s[i+len(q):], lower[i+len(q):]
	}
	if s != "" || len(parts) == 0 {
		parts = append(parts, Text(s))
	}
	return parts
}

// Contains reports whether s contains query, ignoring case.
func Contains(s, query string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(query))
}

// WriteHTML writes n as escaped HTML. Marks become <mark> elements; an Element without a tag only writes
// its children.
func WriteHTML(w io.Writer, n Node) error {
	var err error
	write := func(s string) {
		if err == nil {
			_, err = io.WriteString(w, s)
		}
	}
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Text:
			write(html.EscapeString(string(v)))
		case Mark:
			write(`<mark class="search-match">` + html.EscapeString(string(v)) + `</mark>`)
		case *Element:
			if v.Tag != "" {
				write("<" + v.Tag)
				if v.Class != "" {
					write(` class="` + html.EscapeString(v.Class) + `"`)
				}
				write(">")
			}
			for _, c := range v.Children {
				walk(c)
			}
			if v.Tag != "" {
				write("</" + v.Tag + ">")
			}
		}
	}
	walk(n)
	return err
}

// TextOf concatenates every leaf of n.
func TextOf(n Node) string {
	var sb strings.Builder
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Text:
			sb.WriteString(string(v))
		case Mark:
			sb.WriteString(string(v))
		case *Element:
			for _, c := range v.Children {
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}
