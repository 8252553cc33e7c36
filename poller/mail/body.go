package mail

import (
	"strings"

	"golang.org/x/net/html"
)

// htmlToText extracts the readable text from an HTML mail body. Script and
// style content is dropped, block-level boundaries become newlines. A parse
// failure falls back to the raw input so the message is never lost.
func htmlToText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head":
				return
			case "br":
				b.WriteByte('\n')
			}
		case html.TextNode:
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.Data) {
			b.WriteByte('\n')
		}
	}
	walk(root)

	return collapseBlankLines(b.String())
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "li", "tr", "table", "blockquote",
		"h1", "h2", "h3", "h4", "h5", "h6", "pre":
		return true
	}
	return false
}

// collapseBlankLines trims each line and squeezes runs of blank lines down to
// one, so formatted HTML does not turn into pages of whitespace.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
