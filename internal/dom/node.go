// Package dom provides the document tree primitives the anchoring engine works
// on: text traversal, DOM-Range style regions, inline-style geometry and a
// small event target for host-driven input.
package dom

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// HighlightTag is the element name used for highlight markers. A custom name
// keeps page styling for ordinary spans from hiding highlights.
const HighlightTag = "annotator-highlight"

func IsText(n *html.Node) bool {
	return n != nil && n.Type == html.TextNode
}

func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// IsMarker reports whether n is a highlight marker element.
func IsMarker(n *html.Node) bool {
	return IsElement(n) && n.Data == HighlightTag
}

// RuneLen returns the length of s in characters.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// ByteOffset converts a character offset within s to a byte offset. Offsets
// past the end clamp to len(s).
func ByteOffset(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	i := 0
	for pos := range s {
		if i == runes {
			return pos
		}
		i++
	}
	return len(s)
}

// SliceRunes returns the characters [start, end) of s.
func SliceRunes(s string, start, end int) string {
	return s[ByteOffset(s, start):ByteOffset(s, end)]
}

// Next returns the node following n in document order, or nil.
func Next(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	return skip(n)
}

// skip returns the node following n's subtree in document order.
func skip(n *html.Node) *html.Node {
	for n != nil {
		if n.NextSibling != nil {
			return n.NextSibling
		}
		n = n.Parent
	}
	return nil
}

// TextNodes returns the text nodes below root in document order.
func TextNodes(root *html.Node) []*html.Node {
	var nodes []*html.Node
	if root == nil {
		return nodes
	}
	end := skip(root)
	if IsText(root) {
		return append(nodes, root)
	}
	for n := root.FirstChild; n != nil && n != end; n = Next(n) {
		if IsText(n) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// TextContent returns the concatenated text below n.
func TextContent(n *html.Node) string {
	var b strings.Builder
	for _, t := range TextNodes(n) {
		b.WriteString(t.Data)
	}
	return b.String()
}

// Contains reports whether n is ancestor or equal to other.
func Contains(n, other *html.Node) bool {
	for ; other != nil; other = other.Parent {
		if other == n {
			return true
		}
	}
	return false
}

// IsAttached reports whether n is still connected to a document node.
func IsAttached(n *html.Node) bool {
	if n == nil {
		return false
	}
	for n.Parent != nil {
		n = n.Parent
	}
	return n.Type == html.DocumentNode
}

// Closest returns the nearest inclusive ancestor of n matching match.
func Closest(n *html.Node, match func(*html.Node) bool) *html.Node {
	for ; n != nil; n = n.Parent {
		if match(n) {
			return n
		}
	}
	return nil
}

// Find returns the first element below root (excluding root) matching match.
func Find(root *html.Node, match func(*html.Node) bool) *html.Node {
	if root == nil {
		return nil
	}
	end := skip(root)
	for n := root.FirstChild; n != nil && n != end; n = Next(n) {
		if IsElement(n) && match(n) {
			return n
		}
	}
	return nil
}

// FindAll returns every element below root matching match.
func FindAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var found []*html.Node
	if root == nil {
		return found
	}
	end := skip(root)
	for n := root.FirstChild; n != nil && n != end; n = Next(n) {
		if IsElement(n) && match(n) {
			found = append(found, n)
		}
	}
	return found
}

// ChildAt returns the i-th child of n, or nil when out of range.
func ChildAt(n *html.Node, i int) *html.Node {
	c := n.FirstChild
	for ; c != nil && i > 0; i-- {
		c = c.NextSibling
	}
	if i != 0 {
		return nil
	}
	return c
}

func ChildCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}

// Tag matches elements by name.
func Tag(name string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return IsElement(n) && n.Data == name
	}
}

// Class matches elements carrying the class.
func Class(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return HasClass(n, class)
	}
}

func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func SetAttr(n *html.Node, key, value string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

func RemoveAttr(n *html.Node, key string) {
	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			attrs = append(attrs, a)
		}
	}
	n.Attr = attrs
}

func HasClass(n *html.Node, class string) bool {
	if !IsElement(n) {
		return false
	}
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// ToggleClass adds or removes class on n.
func ToggleClass(n *html.Node, class string, on bool) {
	if !IsElement(n) || HasClass(n, class) == on {
		return
	}
	if on {
		SetAttr(n, "class", strings.TrimSpace(Attr(n, "class")+" "+class))
		return
	}
	var kept []string
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c != class {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

// NewElement creates a detached element with the given class.
func NewElement(name, class string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: name}
	if class != "" {
		n.Attr = []html.Attribute{{Key: "class", Val: class}}
	}
	return n
}

// Unwrap replaces n with its children. A detached n is left alone.
func Unwrap(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
	MergeText(parent)
}

// MergeText joins adjacent text children of n.
func MergeText(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if IsText(c) && IsText(next) {
			c.Data += next.Data
			n.RemoveChild(next)
			continue
		}
		c = next
	}
}

// SplitText splits the text node n at a character offset and returns the
// new node holding the remainder. n keeps the leading part.
func SplitText(n *html.Node, offset int) *html.Node {
	at := ByteOffset(n.Data, offset)
	tail := &html.Node{Type: html.TextNode, Data: n.Data[at:]}
	n.Data = n.Data[:at]
	if n.Parent != nil {
		n.Parent.InsertBefore(tail, n.NextSibling)
	}
	return tail
}
