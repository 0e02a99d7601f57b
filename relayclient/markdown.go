// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// minWrapWidth keeps nested quotes and lists readable on narrow
	// terminals.
	minWrapWidth = 20

	wrapBreakpoints = "-/,"
)

// Palette, ANSI 256-color codes.
const (
	colorText   = lipgloss.Color("252")
	colorFaint  = lipgloss.Color("245")
	colorAccent = lipgloss.Color("141")
)

var replyMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// renderMarkdown renders a reviewer reply for a terminal of the given
// width. Every line starts with indent. Soft line breaks reflow; code
// blocks keep their lines and are highlighted when the language is known
// and the renderer has color.
func renderMarkdown(source string, renderer *lipgloss.Renderer, width int, indent string) string {
	if strings.TrimSpace(source) == "" {
		return ""
	}
	data := []byte(source)
	document := replyMarkdown.Parser().Parse(text.NewReader(data))

	r := &replyRenderer{source: data, style: renderer, width: width}
	if indent != "" {
		r.indent = []string{indent}
	}
	ast.Walk(document, r.walk)
	return strings.TrimRight(r.out.String(), "\n")
}

type replyRenderer struct {
	source []byte
	style  *lipgloss.Renderer
	width  int

	out    strings.Builder
	inline strings.Builder

	// indent holds one entry per open quote or list item.
	indent []string
	// bullet replaces the indent on the next emitted line.
	bullet string
	lists  []*listLevel

	bold, italic, strike int
}

type listLevel struct {
	ordered bool
	next    int
}

func (r *replyRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Paragraph:
		if entering {
			r.gap()
			r.inline.Reset()
		} else {
			r.flush()
		}

	case *ast.TextBlock:
		if entering {
			r.inline.Reset()
		} else {
			r.flush()
		}

	case *ast.Heading:
		if entering {
			r.gap()
			r.inline.Reset()
		} else {
			content := ansi.Strip(r.inline.String())
			r.inline.Reset()
			heading := r.style.NewStyle().Bold(true).Foreground(colorAccent)
			r.emit(ansi.Wrap(heading.Render(content), r.lineWidth(), wrapBreakpoints))
		}

	case *ast.FencedCodeBlock:
		if entering {
			r.gap()
			r.emitCode(blockText(n, r.source), string(n.Language(r.source)))
		}
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if entering {
			r.gap()
			r.emitCode(blockText(n, r.source), "")
		}
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if entering {
			r.gap()
			r.emit(r.faint(strings.TrimRight(blockText(n, r.source), "\n")))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			r.gap()
			r.indent = append(r.indent, r.faint("│ "))
		} else {
			r.indent = r.indent[:len(r.indent)-1]
		}

	case *ast.List:
		if entering {
			if len(r.lists) == 0 {
				r.gap()
			}
			r.lists = append(r.lists, &listLevel{ordered: n.IsOrdered(), next: n.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
		}

	case *ast.ListItem:
		if entering {
			marker := "- "
			if level := r.lists[len(r.lists)-1]; level.ordered {
				marker = fmt.Sprintf("%d. ", level.next)
				level.next++
			}
			r.bullet = r.prefix() + r.style.NewStyle().Foreground(colorAccent).Render(marker)
			r.indent = append(r.indent, strings.Repeat(" ", len(marker)))
		} else {
			r.indent = r.indent[:len(r.indent)-1]
		}

	case *ast.ThematicBreak:
		if entering {
			r.gap()
			r.emit(r.faint(strings.Repeat("─", r.lineWidth())))
		}

	case *extast.Table:
		if entering {
			r.gap()
			r.emitTable(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			r.inline.WriteString(r.styled(string(n.Segment.Value(r.source))))
			if n.HardLineBreak() {
				r.inline.WriteString("\n")
			} else if n.SoftLineBreak() {
				r.inline.WriteString(" ")
			}
		}

	case *ast.String:
		if entering {
			r.inline.WriteString(r.styled(string(n.Value)))
		}

	case *ast.Emphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if n.Level >= 2 {
			r.bold += delta
		} else {
			r.italic += delta
		}

	case *extast.Strikethrough:
		if entering {
			r.strike++
		} else {
			r.strike--
		}

	case *ast.CodeSpan:
		if entering {
			r.inline.WriteString(r.style.NewStyle().Foreground(colorAccent).Render(inlineText(n, r.source)))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Link:
		if !entering && len(n.Destination) > 0 {
			r.inline.WriteString(" " + r.faint("("+string(n.Destination)+")"))
		}

	case *ast.AutoLink:
		if entering {
			r.inline.WriteString(r.style.NewStyle().Underline(true).Render(string(n.URL(r.source))))
		}

	case *ast.Image:
		if entering {
			r.inline.WriteString(r.faint("[image " + string(n.Destination) + "]"))
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			var raw strings.Builder
			for index := 0; index < n.Segments.Len(); index++ {
				segment := n.Segments.At(index)
				raw.Write(segment.Value(r.source))
			}
			r.inline.WriteString(r.faint(raw.String()))
		}

	case *extast.TaskCheckBox:
		if entering {
			if n.IsChecked {
				r.inline.WriteString(r.style.NewStyle().Foreground(colorAccent).Render("[x]") + " ")
			} else {
				r.inline.WriteString("[ ] ")
			}
		}
	}
	return ast.WalkContinue, nil
}

// styled applies the open emphasis to content.
func (r *replyRenderer) styled(content string) string {
	style := r.style.NewStyle().Foreground(colorText)
	if r.bold > 0 {
		style = style.Bold(true)
	}
	if r.italic > 0 {
		style = style.Italic(true)
	}
	if r.strike > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

func (r *replyRenderer) faint(content string) string {
	return r.style.NewStyle().Foreground(colorFaint).Render(content)
}

func (r *replyRenderer) prefix() string {
	return strings.Join(r.indent, "")
}

func (r *replyRenderer) lineWidth() int {
	return max(r.width-ansi.StringWidth(r.prefix()), minWrapWidth)
}

// gap separates blocks with one blank line.
func (r *replyRenderer) gap() {
	if r.out.Len() == 0 || r.bullet != "" {
		return
	}
	if !strings.HasSuffix(r.out.String(), "\n\n") {
		r.out.WriteString("\n")
	}
}

// flush wraps the collected inline content and emits it.
func (r *replyRenderer) flush() {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		return
	}
	r.emit(ansi.Wrap(content, r.lineWidth(), wrapBreakpoints))
}

// emit writes block line by line behind the current indent.
func (r *replyRenderer) emit(block string) {
	for index, line := range strings.Split(block, "\n") {
		lead := r.prefix()
		if index == 0 && r.bullet != "" {
			lead, r.bullet = r.bullet, ""
		}
		r.out.WriteString(lead + line + "\n")
	}
}

func (r *replyRenderer) emitCode(code, language string) {
	code = strings.TrimRight(code, "\n")
	highlighted := ""
	if language != "" && r.style.ColorProfile() != termenv.Ascii {
		var buffer strings.Builder
		if err := quick.Highlight(&buffer, code, language, "terminal256", "monokai"); err == nil {
			highlighted = buffer.String()
		}
	}
	if highlighted == "" {
		highlighted = r.faint(code)
	}

	lines := strings.Split(highlighted, "\n")
	// Formatters may close with a reset sequence on a line of its own.
	for len(lines) > 1 && strings.TrimSpace(ansi.Strip(lines[len(lines)-1])) == "" {
		lines = lines[:len(lines)-1]
	}
	r.emit(strings.Join(lines, "\n"))
}

func (r *replyRenderer) emitTable(table *extast.Table) {
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(inlineText(cell, r.source)))
		}
		line := strings.Join(cells, r.faint(" │ "))
		if _, header := row.(*extast.TableHeader); header {
			line = r.style.NewStyle().Bold(true).Render(line)
		}
		r.emit(line)
	}
}

// blockText concatenates the raw lines of a block node.
func blockText(node ast.Node, source []byte) string {
	var content strings.Builder
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		content.Write(segment.Value(source))
	}
	return content.String()
}

// inlineText collects the unstyled text under node.
func inlineText(node ast.Node, source []byte) string {
	var content strings.Builder
	ast.Walk(node, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := child.(type) {
		case *ast.Text:
			content.Write(n.Segment.Value(source))
			if n.SoftLineBreak() {
				content.WriteString(" ")
			}
		case *ast.String:
			content.Write(n.Value)
		}
		return ast.WalkContinue, nil
	})
	return content.String()
}
