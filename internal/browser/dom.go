// File: internal/browser/dom.go
// Description: Builds the simplified, depth-limited JSON view of a page's DOM
// from its captured HTML. Running over the captured markup instead of in-page
// script keeps the traversal deterministic and unit-testable.

package browser

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/html"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// textLimit caps the text captured per node so deep pages stay readable.
const textLimit = 50

// domNode is one element in the simplified tree. Empty fields are omitted to
// keep the serialized structure compact.
type domNode struct {
	Tag      string   `json:"tag,omitempty"`
	ID       string   `json:"id,omitempty"`
	Classes  []string `json:"classes,omitempty"`
	Href     string   `json:"href,omitempty"`
	Src      string   `json:"src,omitempty"`
	Alt      string   `json:"alt,omitempty"`
	Title    string   `json:"title,omitempty"`
	Children []any    `json:"children,omitempty"`
}

// BuildDOMTree parses rawHTML and returns an indented JSON tree of its
// structure, pruned at maxDepth. Script and style subtrees are dropped.
func BuildDOMTree(rawHTML string, maxDepth int) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse page HTML: %w", err)
	}

	root := findElement(doc, "html")
	if root == nil {
		root = doc
	}
	tree := simplifyNode(root, maxDepth, 0)
	if tree == nil {
		tree = &domNode{Tag: "html"}
	}

	out, err := jsonAPI.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize DOM tree: %w", err)
	}
	return string(out), nil
}

// simplifyNode converts one element node into its simplified form, recursing
// into children until the depth limit. Past the limit a node with children
// reports them as "..." so the model knows more structure exists.
func simplifyNode(n *html.Node, maxDepth, depth int) *domNode {
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return nil
	}
	if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
		return nil
	}

	node := &domNode{Tag: n.Data}
	for _, attr := range n.Attr {
		switch attr.Key {
		case "id":
			node.ID = attr.Val
		case "class":
			node.Classes = strings.Fields(attr.Val)
		case "href":
			node.Href = attr.Val
		case "src":
			node.Src = attr.Val
		case "alt":
			node.Alt = attr.Val
		case "title":
			node.Title = attr.Val
		}
	}

	hasChildElements := false
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if text := strings.TrimSpace(c.Data); text != "" {
				node.Children = append(node.Children, truncateText(text))
			}
		case html.ElementNode:
			hasChildElements = true
			if depth < maxDepth {
				if child := simplifyNode(c, maxDepth, depth+1); child != nil {
					node.Children = append(node.Children, child)
				}
			}
		}
	}
	if hasChildElements && depth >= maxDepth {
		node.Children = append(node.Children, "...")
	}

	return node
}

func truncateText(text string) string {
	if len(text) > textLimit {
		return text[:textLimit] + "..."
	}
	return text
}

// findElement returns the first element named tag in document order.
func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// nodeText collects the trimmed text content of a subtree.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// attrValue returns the value of the named attribute, or "".
func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}
