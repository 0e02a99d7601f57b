// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// FormatHTML is the Matrix format identifier for HTML formatted_body.
const FormatHTML = "org.matrix.custom.html"

// markdown renders CommonMark plus GFM tables, strikethrough and
// autolinks. Raw HTML in the source is omitted (goldmark's default), so
// tenant text cannot inject markup into the reviewer's client.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify))

// NewMarkdownMessage creates an m.text message whose body is the source
// text and whose formatted_body is its HTML rendering. If rendering fails
// or adds nothing beyond a single paragraph wrapper, the message is sent
// as plain text.
func NewMarkdownMessage(body string) MessageContent {
	content := NewTextMessage(body)

	var rendered bytes.Buffer
	if err := markdown.Convert([]byte(body), &rendered); err != nil {
		return content
	}
	html := strings.TrimSpace(rendered.String())
	if isPlainParagraph(html, body) {
		return content
	}
	content.Format = FormatHTML
	content.FormattedBody = html
	return content
}

// isPlainParagraph reports whether html is just body wrapped in <p>.
func isPlainParagraph(html, body string) bool {
	inner, ok := strings.CutPrefix(html, "<p>")
	if !ok {
		return false
	}
	inner, ok = strings.CutSuffix(inner, "</p>")
	return ok && inner == strings.TrimSpace(body)
}
