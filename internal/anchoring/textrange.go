package anchoring

import (
	"fmt"

	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
)

// TextPosition is a character offset within the text of an element.
type TextPosition struct {
	Element *html.Node
	Offset  int
}

// stableElement returns the nearest element ancestor of n (inclusive) that
// is not a highlight marker. Markers come and go as other regions are
// painted, so positions are never expressed against them.
func stableElement(n *html.Node) *html.Node {
	return dom.Closest(n, func(c *html.Node) bool {
		return (dom.IsElement(c) && !dom.IsMarker(c)) || c.Type == html.DocumentNode
	})
}

// TextPositionFromPoint converts a boundary point into a position relative
// to its nearest stable element.
func TextPositionFromPoint(node *html.Node, offset int) (TextPosition, error) {
	el := stableElement(node)
	if el == nil {
		return TextPosition{}, fmt.Errorf("%w: point has no element ancestor", ErrStaleDescriptor)
	}
	off, err := dom.TextOffset(el, node, offset)
	if err != nil {
		return TextPosition{}, fmt.Errorf("%w: %v", ErrStaleDescriptor, err)
	}
	return TextPosition{Element: el, Offset: off}, nil
}

// Resolve returns the text node and offset the position refers to.
func (p TextPosition) Resolve() (*html.Node, int, error) {
	if !dom.IsAttached(p.Element) {
		return nil, 0, fmt.Errorf("%w: element detached", ErrStaleDescriptor)
	}
	n, off, err := dom.PointAt(p.Element, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: offset %d: %v", ErrStaleDescriptor, p.Offset, err)
	}
	return n, off, nil
}

// TextRange describes a region as a pair of text positions. Unlike a live
// dom.Range it stays valid while markers are inserted around text below its
// elements.
type TextRange struct {
	Start TextPosition
	End   TextPosition
}

// FromRange converts a live region into a TextRange.
func FromRange(r dom.Range) (TextRange, error) {
	start, err := TextPositionFromPoint(r.StartContainer, r.StartOffset)
	if err != nil {
		return TextRange{}, err
	}
	end, err := TextPositionFromPoint(r.EndContainer, r.EndOffset)
	if err != nil {
		return TextRange{}, err
	}
	return TextRange{Start: start, End: end}, nil
}

// ToRange converts the descriptor back into a live region. It fails with
// ErrStaleDescriptor when the tree no longer holds the described text.
func (tr TextRange) ToRange() (dom.Range, error) {
	sn, so, err := tr.Start.Resolve()
	if err != nil {
		return dom.Range{}, err
	}
	en, eo, err := tr.End.Resolve()
	if err != nil {
		return dom.Range{}, err
	}
	return dom.Range{StartContainer: sn, StartOffset: so, EndContainer: en, EndOffset: eo}, nil
}

// Serialize renders the descriptor as a RangeSelector relative to root.
func (tr TextRange) Serialize(root *html.Node) (RangeSelector, error) {
	startPath, err := XPathFromNode(tr.Start.Element, root)
	if err != nil {
		return RangeSelector{}, err
	}
	endPath, err := XPathFromNode(tr.End.Element, root)
	if err != nil {
		return RangeSelector{}, err
	}
	return RangeSelector{
		StartContainer: startPath,
		StartOffset:    tr.Start.Offset,
		EndContainer:   endPath,
		EndOffset:      tr.End.Offset,
	}, nil
}

// TextRangeFromSelector is the inverse of Serialize.
func TextRangeFromSelector(root *html.Node, sel RangeSelector) (TextRange, error) {
	start, err := NodeFromXPath(sel.StartContainer, root)
	if err != nil {
		return TextRange{}, err
	}
	end, err := NodeFromXPath(sel.EndContainer, root)
	if err != nil {
		return TextRange{}, err
	}
	return TextRange{
		Start: TextPosition{Element: start, Offset: sel.StartOffset},
		End:   TextPosition{Element: end, Offset: sel.EndOffset},
	}, nil
}
