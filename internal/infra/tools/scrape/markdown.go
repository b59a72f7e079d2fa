package scrape

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// mdWriter renders the subset of HTML that matters for reading: headings,
// paragraphs, lists, links, code and emphasis.
type mdWriter struct {
	sb    strings.Builder
	links bool
	pre   int
	list  []atom.Atom
	items []int
}

func (w *mdWriter) String() string { return w.sb.String() }

func (w *mdWriter) block() {
	w.sb.WriteString("\n\n")
}

func (w *mdWriter) render(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.textNode(n.Data)
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.block()
		w.sb.WriteString(strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		w.sb.WriteString(strings.TrimSpace(collapse(text(n))))
		w.block()
	case atom.P, atom.Div, atom.Section, atom.Table, atom.Blockquote:
		w.block()
		w.children(n)
		w.block()
	case atom.Br:
		w.sb.WriteString("\n")
	case atom.Tr:
		w.sb.WriteString("\n")
		w.children(n)
	case atom.Td, atom.Th:
		w.sb.WriteString(" | ")
		w.children(n)
	case atom.Ul, atom.Ol:
		w.list = append(w.list, n.DataAtom)
		w.items = append(w.items, 0)
		w.block()
		w.children(n)
		w.block()
		w.list = w.list[:len(w.list)-1]
		w.items = w.items[:len(w.items)-1]
	case atom.Li:
		w.sb.WriteString("\n" + strings.Repeat("  ", max(len(w.list)-1, 0)))
		if depth := len(w.list); depth > 0 && w.list[depth-1] == atom.Ol {
			w.items[depth-1]++
			w.sb.WriteString(strconv.Itoa(w.items[depth-1]) + ". ")
		} else {
			w.sb.WriteString("- ")
		}
		w.children(n)
	case atom.A:
		href := attr(n, "href")
		label := strings.TrimSpace(collapse(text(n)))
		if !w.links || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			w.sb.WriteString(label)
			return
		}
		w.sb.WriteString("[" + label + "](" + href + ")")
	case atom.Strong, atom.B:
		w.wrap(n, "**")
	case atom.Em, atom.I:
		w.wrap(n, "*")
	case atom.Code:
		if w.pre > 0 {
			w.children(n)
			return
		}
		w.wrap(n, "`")
	case atom.Pre:
		w.pre++
		w.sb.WriteString("\n\n```\n")
		w.sb.WriteString(text(n))
		w.sb.WriteString("\n```\n\n")
		w.pre--
	case atom.Img:
		if alt := attr(n, "alt"); alt != "" {
			w.sb.WriteString(alt)
		}
	default:
		w.children(n)
	}
}

func (w *mdWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.render(c)
	}
}

func (w *mdWriter) wrap(n *html.Node, mark string) {
	inner := strings.TrimSpace(collapse(text(n)))
	if inner == "" {
		return
	}
	w.sb.WriteString(mark + inner + mark)
}

func (w *mdWriter) textNode(s string) {
	if w.pre > 0 {
		w.sb.WriteString(s)
		return
	}
	w.sb.WriteString(collapse(s))
}

// collapse squeezes whitespace runs but keeps one separating space at either
// end so adjacent inline nodes don't run together.
func collapse(s string) string {
	f := strings.Join(strings.Fields(s), " ")
	if f == "" {
		if s != "" {
			return " "
		}
		return ""
	}
	if strings.TrimLeft(s, " \t\n\r") != s {
		f = " " + f
	}
	if strings.TrimRight(s, " \t\n\r") != s {
		f += " "
	}
	return f
}
