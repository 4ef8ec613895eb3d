// Package htmltext renders HTML mail bodies as readable plain text.
package htmltext

import (
	"bytes"
	"fmt"
	"strings"

	css "github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped matches subtrees that never contribute visible text.
var skipped = css.MustCompile("head, script, style, noscript, template, title")

var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Div: true, atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Fieldset: true,
	atom.Figure: true, atom.Footer: true, atom.Form: true, atom.H1: true, atom.H2: true,
	atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true, atom.Header: true,
	atom.Hr: true, atom.Li: true, atom.Main: true, atom.Nav: true, atom.Ol: true,
	atom.P: true, atom.Pre: true, atom.Section: true, atom.Table: true, atom.Tr: true,
	atom.Ul: true,
}

// Renderer converts HTML to text. The zero value is ready to use.
type Renderer struct{}

// RenderText returns a best-effort plain text rendering of doc.
func (Renderer) RenderText(doc []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	w := &textWriter{}
	w.walk(root)
	return w.String(), nil
}

type textWriter struct {
	lines []string
	cur   strings.Builder
	pre   int
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		if skipped.Match(n) {
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		w.breakLine()
	}
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Br:
			w.breakLine()
		case atom.Li:
			w.cur.WriteString("- ")
		case atom.Pre:
			w.pre++
			defer func() { w.pre-- }()
		case atom.Td, atom.Th:
			w.space()
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}

	if block {
		w.breakLine()
		if n.DataAtom == atom.P || isHeading(n.DataAtom) {
			w.blank()
		}
	}
}

func (w *textWriter) text(s string) {
	if w.pre > 0 {
		parts := strings.Split(s, "\n")
		for i, p := range parts {
			if i > 0 {
				w.breakLine()
			}
			w.cur.WriteString(p)
		}
		return
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			w.space()
		}
		return
	}
	if startsWithSpace(s) {
		w.space()
	}
	w.cur.WriteString(strings.Join(fields, " "))
	if endsWithSpace(s) {
		w.space()
	}
}

// space separates inline runs with a single space.
func (w *textWriter) space() {
	if line := w.cur.String(); line != "" && !strings.HasSuffix(line, " ") {
		w.cur.WriteString(" ")
	}
}

func (w *textWriter) breakLine() {
	line := strings.TrimRight(w.cur.String(), " \t")
	w.cur.Reset()
	if line == "" && w.pre == 0 {
		return
	}
	w.lines = append(w.lines, line)
}

func (w *textWriter) blank() {
	if n := len(w.lines); n > 0 && w.lines[n-1] != "" {
		w.lines = append(w.lines, "")
	}
}

func (w *textWriter) String() string {
	w.breakLine()
	out := make([]string, 0, len(w.lines))
	for _, l := range w.lines {
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func isHeading(a atom.Atom) bool {
	switch a {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func startsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\r\n\f", rune(s[0]))
}

func endsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\r\n\f", rune(s[len(s)-1]))
}
