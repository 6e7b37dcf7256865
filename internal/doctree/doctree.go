// Package doctree defines the tree-structured document model exchanged with
// the rich-text surface and persisted as the saved snapshot. The shape
// mirrors the editor's JSON: typed nodes with optional attrs, children, text
// and marks.
package doctree

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Node is one node in the document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a formatting annotation on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// FromText builds a document tree from plain text. Each newline-separated
// line becomes a paragraph; empty lines become empty paragraphs so round
// trips preserve blank-line structure.
func FromText(text string) *Node {
	lines := strings.Split(text, "\n")
	doc := &Node{Type: "doc", Content: make([]Node, 0, len(lines))}
	for _, line := range lines {
		para := Node{Type: "paragraph"}
		if line != "" {
			para.Content = []Node{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, para)
	}
	return doc
}

// PlainText flattens the tree back into the newline-joined text the
// replicated sequence stores.
func PlainText(n *Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	writePlain(&b, n)
	return b.String()
}

func writePlain(b *strings.Builder, n *Node) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteByte('\n')
		return
	}
	for i := range n.Content {
		if isBlock(n.Content[i].Type) && i > 0 {
			b.WriteByte('\n')
		}
		writePlain(b, &n.Content[i])
	}
}

func isBlock(typ string) bool {
	switch typ {
	case "paragraph", "heading", "blockquote", "codeBlock", "listItem", "bulletList", "orderedList":
		return true
	}
	return false
}

// Parse decodes a JSON document tree.
func Parse(raw []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("parse document tree: %w", err)
	}
	return &n, nil
}

// ToHTML renders the tree for read-only display and export.
func ToHTML(n *Node) string {
	if n == nil {
		return ""
	}
	return renderNode(n)
}

func renderNode(n *Node) string {
	switch n.Type {
	case "doc":
		return renderContent(n.Content)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(n.Content))
	case "heading":
		level := 1
		if lvl, ok := n.Attrs["level"].(float64); ok {
			level = int(lvl)
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(n.Content), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(n.Content))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(n.Content))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(n.Content))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(n.Content))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(plainContent(n.Content)))
	case "text":
		return renderTextWithMarks(n.Text, n.Marks)
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	default:
		// Unknown node type - render content if any
		return renderContent(n.Content)
	}
}

func renderContent(content []Node) string {
	var b strings.Builder
	for i := range content {
		b.WriteString(renderNode(&content[i]))
	}
	return b.String()
}

func plainContent(content []Node) string {
	var b strings.Builder
	for i := range content {
		writePlain(&b, &content[i])
	}
	return b.String()
}

func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = fmt.Sprintf("<strong>%s</strong>", out)
		case "italic":
			out = fmt.Sprintf("<em>%s</em>", out)
		case "code":
			out = fmt.Sprintf("<code>%s</code>", out)
		case "strike":
			out = fmt.Sprintf("<s>%s</s>", out)
		case "underline":
			out = fmt.Sprintf("<u>%s</u>", out)
		case "link":
			href := ""
			if v, ok := marks[i].Attrs["href"].(string); ok {
				href = v
			}
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
