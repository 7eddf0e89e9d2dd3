package export

import (
	"fmt"
	"html"
	"strings"

	"docagent/api/internal/prosemirror"
)

// NodeToHTML renders a document tree as an HTML fragment. Unknown block types
// render their children only.
func NodeToHTML(doc *prosemirror.Node) string {
	if doc == nil {
		return ""
	}
	var b strings.Builder
	renderNode(&b, doc)
	return b.String()
}

func renderNode(b *strings.Builder, node *prosemirror.Node) {
	switch node.Type {
	case prosemirror.NodeDoc:
		renderContent(b, node)
	case prosemirror.NodeParagraph:
		b.WriteString("<p>")
		renderContent(b, node)
		b.WriteString("</p>\n")
	case prosemirror.NodeHeading:
		level := node.Level()
		if level < 1 || level > 6 {
			level = 1
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderContent(b, node)
		fmt.Fprintf(b, "</h%d>\n", level)
	case prosemirror.NodeText:
		b.WriteString(renderTextWithMarks(node.Text, node.Marks))
	default:
		renderContent(b, node)
	}
}

func renderContent(b *strings.Builder, node *prosemirror.Node) {
	for _, child := range node.Content {
		renderNode(b, child)
	}
}

func renderTextWithMarks(text string, marks []prosemirror.Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)

	// innermost mark is the last one
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "link":
			href, _ := mark.Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		}
	}
	return out
}
