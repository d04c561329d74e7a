package fetch

import (
	"strings"

	"golang.org/x/net/html"
)

// ExtractText flattens page HTML into whitespace-normalized plain text,
// skipping script and style subtrees.
func ExtractText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return ""
	}

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// ExtractImages collects <img> references from page HTML in document order.
func ExtractImages(raw string) []ImageRef {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}

	var out []ImageRef
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			var ref ImageRef
			for _, attr := range n.Attr {
				switch attr.Key {
				case "src":
					ref.Src = attr.Val
				case "data-fullres-src":
					ref.FullResSrc = attr.Val
				case "alt":
					ref.AltText = attr.Val
				}
			}
			if ref.Src != "" || ref.FullResSrc != "" {
				out = append(out, ref)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}
