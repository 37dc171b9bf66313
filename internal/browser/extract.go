// File: internal/browser/extract.go
// Description: Pattern-driven data extraction over captured page HTML. A few
// common patterns get dedicated strategies; anything else falls back to a
// generic text/attribute match capped at a small result count.

package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// genericMatchLimit caps generic extraction so one broad pattern cannot flood
// the observation.
const genericMatchLimit = 20

type extractResult struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
	Items   []any  `json:"items"`
}

// Extract parses rawHTML and returns a JSON document of the elements matching
// pattern. Recognized patterns: "product prices", "article headlines",
// "navigation links", "form fields". Unrecognized patterns use a generic
// substring match against element text, id, class, and tag.
func Extract(rawHTML, pattern string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse page HTML: %w", err)
	}

	var items []any
	switch strings.ToLower(strings.TrimSpace(pattern)) {
	case "product prices":
		items = extractPrices(doc)
	case "article headlines":
		items = extractHeadlines(doc)
	case "navigation links":
		items = extractNavLinks(doc)
	case "form fields":
		items = extractFormFields(doc)
	default:
		items = extractGeneric(doc, pattern)
	}
	if items == nil {
		items = []any{}
	}

	out, err := jsonAPI.MarshalIndent(extractResult{
		Pattern: pattern,
		Count:   len(items),
		Items:   items,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize extraction result: %w", err)
	}
	return string(out), nil
}

// walkElements visits every element node in document order.
func walkElements(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, visit)
	}
}

// extractPrices finds elements whose id or class suggests a price.
func extractPrices(doc *html.Node) []any {
	var items []any
	walkElements(doc, func(n *html.Node) {
		marker := strings.ToLower(attrValue(n, "class") + " " + attrValue(n, "id"))
		if !strings.Contains(marker, "price") && !strings.Contains(marker, "amount") {
			return
		}
		text := nodeText(n)
		if text == "" {
			return
		}
		items = append(items, map[string]string{
			"text":     text,
			"selector": bestSelector(n),
		})
	})
	return items
}

// extractHeadlines finds heading elements and headline/title-classed nodes.
func extractHeadlines(doc *html.Node) []any {
	var items []any
	walkElements(doc, func(n *html.Node) {
		isHeading := n.Data == "h1" || n.Data == "h2" || n.Data == "h3"
		marker := strings.ToLower(attrValue(n, "class"))
		if !isHeading && !strings.Contains(marker, "headline") && !strings.Contains(marker, "title") {
			return
		}
		text := nodeText(n)
		if text == "" {
			return
		}
		items = append(items, map[string]string{
			"tag":  n.Data,
			"text": text,
		})
	})
	return items
}

// extractNavLinks finds anchors inside navigation containers.
func extractNavLinks(doc *html.Node) []any {
	var items []any
	walkElements(doc, func(n *html.Node) {
		if n.Data != "a" {
			return
		}
		if !insideNavContainer(n) {
			return
		}
		text := nodeText(n)
		href := attrValue(n, "href")
		if text == "" && href == "" {
			return
		}
		items = append(items, map[string]string{
			"text": text,
			"href": href,
		})
	})
	return items
}

// insideNavContainer reports whether n has a nav/header ancestor or one with a
// navigation/menu class.
func insideNavContainer(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if p.Data == "nav" || p.Data == "header" {
			return true
		}
		marker := strings.ToLower(attrValue(p, "class"))
		if strings.Contains(marker, "navigation") || strings.Contains(marker, "menu") {
			return true
		}
	}
	return false
}

// extractFormFields finds form controls and their identifying attributes.
func extractFormFields(doc *html.Node) []any {
	var items []any
	walkElements(doc, func(n *html.Node) {
		if n.Data != "input" && n.Data != "textarea" && n.Data != "select" {
			return
		}
		field := map[string]string{"tag": n.Data}
		for _, key := range []string{"type", "name", "id", "placeholder"} {
			if v := attrValue(n, key); v != "" {
				field[key] = v
			}
		}
		items = append(items, field)
	})
	return items
}

// extractGeneric matches pattern against each element's text, id, class, and
// tag name, capped at genericMatchLimit results.
func extractGeneric(doc *html.Node, pattern string) []any {
	needle := strings.ToLower(strings.TrimSpace(pattern))
	if needle == "" {
		return nil
	}
	var items []any
	walkElements(doc, func(n *html.Node) {
		if len(items) >= genericMatchLimit {
			return
		}
		if n.Data == "html" || n.Data == "head" || n.Data == "body" ||
			n.Data == "script" || n.Data == "style" {
			return
		}
		text := nodeText(n)
		haystack := strings.ToLower(strings.Join([]string{
			text, attrValue(n, "id"), attrValue(n, "class"), n.Data,
		}, " "))
		if !strings.Contains(haystack, needle) {
			return
		}
		// Prefer the innermost match; skip containers whose child also matches.
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && strings.Contains(strings.ToLower(nodeText(c)), needle) {
				return
			}
		}
		items = append(items, map[string]string{
			"tag":      n.Data,
			"text":     truncateText(text),
			"selector": bestSelector(n),
		})
	})
	return items
}

// bestSelector builds a usable CSS selector for an element: id first, then
// tag plus leading classes, then the bare tag.
func bestSelector(n *html.Node) string {
	if id := attrValue(n, "id"); id != "" {
		return "#" + id
	}
	if classes := strings.Fields(attrValue(n, "class")); len(classes) > 0 {
		if len(classes) > 2 {
			classes = classes[:2]
		}
		return n.Data + "." + strings.Join(classes, ".")
	}
	return n.Data
}
