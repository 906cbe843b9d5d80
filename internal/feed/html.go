package feed

import (
	"html"
	"strings"

	nethtml "golang.org/x/net/html"
)

// HTMLToText flattens an HTML fragment (HN comment bodies, RSS summaries)
// into plain terminal text: paragraphs and breaks become newlines, links
// keep their href when it adds information, everything else is stripped.
func HTMLToText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	doc, err := nethtml.Parse(strings.NewReader("<html><body>" + fragment + "</body></html>"))
	if err != nil {
		return strings.TrimSpace(html.UnescapeString(fragment))
	}
	var b strings.Builder
	renderTextNode(&b, doc)
	return collapseBlankLines(b.String())
}

func renderTextNode(b *strings.Builder, node *nethtml.Node) {
	if node == nil {
		return
	}
	switch node.Type {
	case nethtml.TextNode:
		b.WriteString(html.UnescapeString(node.Data))
		return
	case nethtml.ElementNode:
		switch strings.ToLower(node.Data) {
		case "script", "style", "noscript", "img":
			return
		case "br":
			b.WriteString("\n")
			return
		case "p", "blockquote", "pre", "div":
			b.WriteString("\n")
			if strings.EqualFold(node.Data, "blockquote") {
				b.WriteString("> ")
			}
		case "li":
			b.WriteString("\n- ")
		case "a":
			text := childText(node)
			href := strings.TrimSpace(nodeAttr(node, "href"))
			switch {
			case href == "" || strings.EqualFold(text, href):
				b.WriteString(text)
			case text == "":
				b.WriteString(href)
			default:
				b.WriteString(text + " (" + href + ")")
			}
			return
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		renderTextNode(b, child)
	}
}

func childText(node *nethtml.Node) string {
	var b strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		renderTextNode(&b, child)
	}
	return strings.TrimSpace(b.String())
}

func nodeAttr(node *nethtml.Node, name string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, name) {
			return attr.Val
		}
	}
	return ""
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, trimmed)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
