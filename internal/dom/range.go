package dom

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
)

var (
	// ErrOutOfRange reports a boundary offset outside its container.
	ErrOutOfRange = errors.New("offset out of range")
	// ErrNotContained reports a boundary node outside the expected root.
	ErrNotContained = errors.New("node not contained in root")
)

// Range is a live region of the tree. Offsets inside text nodes count
// characters; offsets inside elements count children.
type Range struct {
	StartContainer *html.Node
	StartOffset    int
	EndContainer   *html.Node
	EndOffset      int
}

// Segment is the part of one text node covered by a Range.
type Segment struct {
	Node  *html.Node
	Start int
	End   int
}

func (s Segment) Text() string {
	return SliceRunes(s.Node.Data, s.Start, s.End)
}

// Collapsed reports whether the range covers no characters.
func (r Range) Collapsed() bool {
	return len(r.Segments()) == 0
}

// Text returns the characters covered by the range.
func (r Range) Text() string {
	var b strings.Builder
	for _, s := range r.Segments() {
		b.WriteString(s.Text())
	}
	return b.String()
}

// textIndex is a flat view of the text nodes under one root.
type textIndex struct {
	nodes []*html.Node
	pos   map[*html.Node]int
}

func newTextIndex(root *html.Node) *textIndex {
	nodes := TextNodes(root)
	pos := make(map[*html.Node]int, len(nodes))
	for i, n := range nodes {
		pos[n] = i
	}
	return &textIndex{nodes: nodes, pos: pos}
}

// firstFrom returns the index of the first text node at or after n in
// document order, or len(nodes).
func (ix *textIndex) firstFrom(n *html.Node) int {
	for ; n != nil; n = Next(n) {
		if i, ok := ix.pos[n]; ok {
			return i
		}
	}
	return len(ix.nodes)
}

// point maps a boundary point to (text node index, character offset).
func (ix *textIndex) point(container *html.Node, offset int) (int, int, error) {
	if container == nil {
		return 0, 0, ErrNotContained
	}
	if IsText(container) {
		i, ok := ix.pos[container]
		if !ok {
			return 0, 0, ErrNotContained
		}
		if offset < 0 || offset > RuneLen(container.Data) {
			return 0, 0, ErrOutOfRange
		}
		return i, offset, nil
	}
	if offset < 0 || offset > ChildCount(container) {
		return 0, 0, ErrOutOfRange
	}
	if child := ChildAt(container, offset); child != nil {
		return ix.firstFrom(child), 0, nil
	}
	return ix.firstFrom(skip(container)), 0, nil
}

func topOf(n *html.Node) *html.Node {
	for n != nil && n.Parent != nil {
		n = n.Parent
	}
	return n
}

// Segments returns the non-empty text spans covered by the range in
// document order. Invalid boundaries yield no segments.
func (r Range) Segments() []Segment {
	ix := newTextIndex(topOf(r.StartContainer))
	si, so, err := ix.point(r.StartContainer, r.StartOffset)
	if err != nil {
		return nil
	}
	ei, eo, err := ix.point(r.EndContainer, r.EndOffset)
	if err != nil {
		return nil
	}
	var segs []Segment
	for i := si; i <= ei && i < len(ix.nodes); i++ {
		n := ix.nodes[i]
		start, end := 0, RuneLen(n.Data)
		if i == si {
			start = so
		}
		if i == ei {
			end = eo
		}
		if start < end {
			segs = append(segs, Segment{Node: n, Start: start, End: end})
		}
	}
	return segs
}

// SplitText splits the boundary text nodes so that the range covers whole
// text nodes, and returns those nodes. The tree is mutated.
func (r Range) SplitText() []*html.Node {
	segs := r.Segments()
	nodes := make([]*html.Node, 0, len(segs))
	for _, s := range segs {
		n := s.Node
		length := RuneLen(n.Data)
		if s.Start > 0 {
			n = SplitText(n, s.Start)
			length -= s.Start
		}
		if end := s.End - s.Start; end < length {
			SplitText(n, end)
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// TextOffset returns the character offset of a boundary point relative to
// the text of root.
func TextOffset(root, container *html.Node, offset int) (int, error) {
	if !Contains(root, container) {
		return 0, ErrNotContained
	}
	ix := newTextIndex(root)
	i, off, err := ix.point(container, offset)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range ix.nodes[:i] {
		total += RuneLen(n.Data)
	}
	return total + off, nil
}

// PointAt resolves a character offset within root's text to a text node and
// an offset inside it. Offsets on a node boundary resolve to the end of the
// earlier node.
func PointAt(root *html.Node, offset int) (*html.Node, int, error) {
	if offset < 0 {
		return nil, 0, ErrOutOfRange
	}
	nodes := TextNodes(root)
	if len(nodes) == 0 {
		if offset == 0 {
			return root, 0, nil
		}
		return nil, 0, ErrOutOfRange
	}
	acc := 0
	for _, n := range nodes {
		length := RuneLen(n.Data)
		if offset <= acc+length {
			return n, offset - acc, nil
		}
		acc += length
	}
	return nil, 0, ErrOutOfRange
}

// RangeAt builds a range covering characters [start, end) of root's text.
func RangeAt(root *html.Node, start, end int) (Range, error) {
	if end < start {
		return Range{}, ErrOutOfRange
	}
	sn, so, err := PointAt(root, start)
	if err != nil {
		return Range{}, err
	}
	en, eo, err := PointAt(root, end)
	if err != nil {
		return Range{}, err
	}
	return Range{StartContainer: sn, StartOffset: so, EndContainer: en, EndOffset: eo}, nil
}
