// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

// defaultWidth is used when the terminal size cannot be read.
const defaultWidth = 80

// Display prints an Ask's progress and its reply. Replies go to out;
// progress lines go to status and are suppressed when quiet. When out
// is a terminal the reply is rendered as Markdown; otherwise it is
// printed verbatim so scripts can consume it.
type Display struct {
	out    io.Writer
	status io.Writer
	quiet  bool

	// renderer is nil when out is not a terminal.
	renderer *lipgloss.Renderer
	width    int
}

// NewDisplay writes replies to out and progress to status.
func NewDisplay(out, status io.Writer, quiet bool) *Display {
	display := &Display{out: out, status: status, quiet: quiet}
	if file, ok := out.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		display.renderer = lipgloss.NewRenderer(out)
		if termenv.EnvNoColor() {
			display.renderer.SetColorProfile(termenv.Ascii)
		}
		display.width = defaultWidth
		if width, _, err := term.GetSize(int(file.Fd())); err == nil && width > 0 {
			display.width = width
		}
	}
	return display
}

// Observe prints a progress line for the transitions a waiting user
// cares about. Its signature matches AskConfig.Observer.
func (d *Display) Observe(from, to State) {
	if d.quiet {
		return
	}
	var line string
	switch to {
	case StateSent:
		line = "Message sent."
	case StateWaiting:
		line = "Waiting for a reply..."
	case StateNotified:
		line = "Reply received."
	default:
		return
	}
	fmt.Fprintln(d.status, line)
}

// Reply prints the reviewer's reply.
func (d *Display) Reply(message *schema.Message) {
	if d.renderer == nil {
		fmt.Fprintf(d.out, "%s: %s\n", message.Author, message.Content)
		return
	}
	author := d.renderer.NewStyle().Bold(true).Foreground(colorAccent).Render(message.Author)
	when := d.renderer.NewStyle().Foreground(colorFaint).Render(message.Timestamp.Local().Format("2006-01-02 15:04"))
	fmt.Fprintln(d.out, author+" "+when)
	fmt.Fprintln(d.out, renderMarkdown(message.Content, d.renderer, d.width, "  "))
}

// Error prints a failure to the status writer, even when quiet.
func (d *Display) Error(err error) {
	label := "error:"
	if file, ok := d.status.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		label = lipgloss.NewRenderer(file).NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render(label)
	}
	fmt.Fprintln(d.status, label, err)
}
