// ABOUTME: Flattens markdown search content into plain text for prompt context
// ABOUTME: Drops images, raw HTML, and link destinations via the goldmark AST

package search

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// sanitize renders markdown content down to plain text. Image nodes, raw
// HTML, and autolinked URLs are dropped entirely; regular links keep their
// text but lose their destination. Search engines return content with
// arbitrary markup, and the prompt must carry neither image references nor
// inline raw URLs.
func sanitize(content string) string {
	src := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			// Separate block-level elements with a newline.
			switch n.(type) {
			case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
				buf.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteString("\n")
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.FencedCodeBlock:
			writeCodeLines(&buf, src, node.BaseBlock)
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			writeCodeLines(&buf, src, node.BaseBlock)
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			buf.WriteString("- ")
		}
		return ast.WalkContinue, nil
	})

	return collapseBlank(buf.String())
}

// writeCodeLines copies the raw lines of a code block.
func writeCodeLines(buf *bytes.Buffer, src []byte, block ast.BaseBlock) {
	lines := block.Lines()
	for i := range lines.Len() {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
}

// collapseBlank trims the result and squeezes runs of blank lines.
func collapseBlank(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
