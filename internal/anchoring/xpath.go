package anchoring

import (
	"errors"
	"fmt"
	"strings"

	"chronicle/annotator/internal/dom"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

var errNoXPathNode = errors.New("xpath matched no element")

// XPathFromNode returns a simple XPath (`/div[1]/p[2]`) locating the element
// n relative to root. Highlight markers are never part of a path.
func XPathFromNode(n, root *html.Node) (string, error) {
	if n == root {
		return "/", nil
	}
	if !dom.Contains(root, n) {
		return "", fmt.Errorf("xpath: %w", dom.ErrNotContained)
	}
	var segments []string
	for ; n != nil && n != root; n = n.Parent {
		if !dom.IsElement(n) {
			return "", fmt.Errorf("xpath: non-element %q on path", n.Data)
		}
		segments = append(segments, fmt.Sprintf("%s[%d]", n.Data, sameNameIndex(n)))
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return "/" + strings.Join(segments, "/"), nil
}

func sameNameIndex(n *html.Node) int {
	idx := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if dom.IsElement(s) && s.Data == n.Data {
			idx++
		}
	}
	return idx
}

// NodeFromXPath evaluates a path produced by XPathFromNode against root.
func NodeFromXPath(path string, root *html.Node) (*html.Node, error) {
	if path == "" || path == "/" {
		return root, nil
	}
	expr, err := xpath.Compile("." + path)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrStaleDescriptor, path, err)
	}
	n := htmlquery.QuerySelector(root, expr)
	if n == nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrStaleDescriptor, path, errNoXPathNode)
	}
	return n, nil
}
