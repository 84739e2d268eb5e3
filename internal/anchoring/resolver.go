package anchoring

import (
	"context"
	"fmt"

	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
)

// Resolver converts selectors into regions of a tree rooted at a container,
// and regions back into selectors.
type Resolver interface {
	Anchor(ctx context.Context, root *html.Node, selectors Selectors) (dom.Range, error)
	Describe(root *html.Node, r dom.Range) (Selectors, error)
}

// TextResolver is the default Resolver. Structural and offset selectors are
// tried first and accepted only when the text they cover equals the quote;
// otherwise the quote itself is searched for.
type TextResolver struct {
	Matcher QuoteMatcher
}

func NewResolver() *TextResolver {
	return &TextResolver{Matcher: NewDiffMatcher()}
}

func (res *TextResolver) Anchor(ctx context.Context, root *html.Node, selectors Selectors) (dom.Range, error) {
	if err := ctx.Err(); err != nil {
		return dom.Range{}, err
	}
	quote, hasQuote := selectors.Quote()
	position, hasPosition := selectors.Position()

	verify := func(r dom.Range) bool {
		return !hasQuote || r.Text() == quote.Exact
	}

	if sel, ok := selectors.Range(); ok {
		if r, err := rangeFromSelector(root, *sel); err == nil && verify(r) {
			return r, nil
		}
	}
	if hasPosition {
		if r, err := dom.RangeAt(root, position.Start, position.End); err == nil && verify(r) {
			return r, nil
		}
	}
	if !hasQuote {
		return dom.Range{}, fmt.Errorf("%w: no usable selector", ErrAnchoringFailed)
	}

	hint := -1
	if hasPosition {
		hint = position.Start
	}
	matcher := res.Matcher
	if matcher == nil {
		matcher = NewDiffMatcher()
	}
	start, end, ok := matcher.Match(dom.TextContent(root), *quote, hint)
	if !ok {
		return dom.Range{}, fmt.Errorf("%w: quote %q not found", ErrAnchoringFailed, quote.Exact)
	}
	r, err := dom.RangeAt(root, start, end)
	if err != nil {
		return dom.Range{}, fmt.Errorf("%w: %v", ErrAnchoringFailed, err)
	}
	return r, nil
}

func rangeFromSelector(root *html.Node, sel RangeSelector) (dom.Range, error) {
	tr, err := TextRangeFromSelector(root, sel)
	if err != nil {
		return dom.Range{}, err
	}
	return tr.ToRange()
}

// Describe returns range, position and quote selectors for r.
func (res *TextResolver) Describe(root *html.Node, r dom.Range) (Selectors, error) {
	tr, err := FromRange(r)
	if err != nil {
		return nil, err
	}
	rangeSel, err := tr.Serialize(root)
	if err != nil {
		return nil, fmt.Errorf("describe range: %w", err)
	}
	start, err := dom.TextOffset(root, r.StartContainer, r.StartOffset)
	if err != nil {
		return nil, fmt.Errorf("describe start: %w", err)
	}
	end, err := dom.TextOffset(root, r.EndContainer, r.EndOffset)
	if err != nil {
		return nil, fmt.Errorf("describe end: %w", err)
	}
	quote := QuoteFor(dom.TextContent(root), start, end)
	return Selectors{
		&rangeSel,
		&TextPositionSelector{Start: start, End: end},
		&quote,
	}, nil
}
