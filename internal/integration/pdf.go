package integration

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
)

// minContentWidth is the narrowest the document may get when the sidebar is
// shown next to it rather than over it.
const minContentWidth = 680

// PDFIntegration handles documents shown in a paginated PDF viewer. Pages
// are rendered lazily, so selectors are first matched against the extracted
// page text and only resolved in the tree once the page's text layer exists.
type PDFIntegration struct {
	cfg     config.Config
	deps    Deps
	viewer  Viewer
	matcher anchoring.QuoteMatcher
}

func NewPDF(cfg config.Config, deps Deps) *PDFIntegration {
	deps.defaults()
	return &PDFIntegration{
		cfg:     cfg,
		deps:    deps,
		viewer:  deps.Viewer,
		matcher: anchoring.NewDiffMatcher(),
	}
}

func (p *PDFIntegration) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.PageWaitTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.PageWaitTimeout)
	}
	return context.WithCancel(ctx)
}

// WaitForTextLayer blocks until page index has a rendered text layer.
func (p *PDFIntegration) WaitForTextLayer(ctx context.Context, index int) error {
	ctx, cancel := p.waitContext(ctx)
	defer cancel()
	err := poll(ctx, func() bool {
		var rendered bool
		_ = p.deps.Document.Read(func(*html.Node) error {
			view, ok := p.viewer.PageView(index)
			rendered = ok && view.Rendered
			return nil
		})
		return rendered
	})
	if err != nil {
		return fmt.Errorf("wait for page %d: %w", index+1, err)
	}
	return nil
}

// pageTexts returns the text of every page, waiting until the viewer has
// extracted all of it. Page text does not depend on pages being rendered.
func (p *PDFIntegration) pageTexts(ctx context.Context) ([]string, error) {
	ctx, cancel := p.waitContext(ctx)
	defer cancel()
	var texts []string
	err := poll(ctx, func() bool {
		count := p.viewer.PageCount()
		if count == 0 {
			return false
		}
		texts = make([]string, count)
		for i := range texts {
			text, err := p.viewer.PageText(ctx, i)
			if err != nil {
				return false
			}
			texts[i] = text
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("wait for page text: %w", err)
	}
	return texts, nil
}

// locate finds the page holding the selected text and returns selectors
// relative to that page.
func (p *PDFIntegration) locate(ctx context.Context, selectors anchoring.Selectors) (int, anchoring.Selectors, error) {
	quote, hasQuote := selectors.Quote()
	position, hasPosition := selectors.Position()
	if !hasQuote && !hasPosition {
		return 0, nil, fmt.Errorf("%w: no usable selector", anchoring.ErrAnchoringFailed)
	}
	texts, err := p.pageTexts(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", anchoring.ErrAnchoringFailed, err)
	}
	starts := make([]int, len(texts))
	total := 0
	for i, text := range texts {
		starts[i] = total
		total += dom.RuneLen(text)
	}

	hintPage, hint := -1, -1
	if hasPosition {
		for i, text := range texts {
			if position.Start < starts[i] || position.Start >= starts[i]+dom.RuneLen(text) {
				continue
			}
			hintPage, hint = i, position.Start-starts[i]
			local := anchoring.TextPositionSelector{Start: hint, End: position.End - starts[i]}
			if local.End < local.Start {
				break
			}
			if !hasQuote || dom.SliceRunes(text, local.Start, min(local.End, dom.RuneLen(text))) == quote.Exact {
				sels := anchoring.Selectors{&local}
				if r, ok := selectors.Range(); ok {
					sels = append(sels, r)
				}
				if hasQuote {
					sels = append(sels, quote)
				}
				return i, sels, nil
			}
			break
		}
	}
	if !hasQuote {
		return 0, nil, fmt.Errorf("%w: position %d outside document", anchoring.ErrAnchoringFailed, position.Start)
	}

	order := make([]int, 0, len(texts))
	if hintPage >= 0 {
		order = append(order, hintPage)
	}
	for i := range texts {
		if i != hintPage {
			order = append(order, i)
		}
	}
	for _, i := range order {
		h := -1
		if i == hintPage {
			h = hint
		}
		start, end, ok := p.matcher.Match(texts[i], *quote, h)
		if !ok {
			continue
		}
		return i, anchoring.Selectors{&anchoring.TextPositionSelector{Start: start, End: end}, quote}, nil
	}
	return 0, nil, fmt.Errorf("%w: quote %q not found on any page", anchoring.ErrAnchoringFailed, quote.Exact)
}

func (p *PDFIntegration) Anchor(ctx context.Context, selectors anchoring.Selectors) (anchoring.TextRange, error) {
	page, local, err := p.locate(ctx, selectors)
	if err != nil {
		return anchoring.TextRange{}, err
	}
	if err := p.WaitForTextLayer(ctx, page); err != nil {
		return anchoring.TextRange{}, fmt.Errorf("%w: %v", anchoring.ErrAnchoringFailed, err)
	}
	var tr anchoring.TextRange
	err = p.deps.Document.Read(func(*html.Node) error {
		view, ok := p.viewer.PageView(page)
		if !ok || !view.Rendered {
			return fmt.Errorf("%w: page %d released", anchoring.ErrStaleDescriptor, page+1)
		}
		r, err := p.deps.Resolver.Anchor(ctx, view.TextLayer, local)
		if err != nil {
			return err
		}
		tr, err = anchoring.FromRange(r)
		return err
	})
	return tr, err
}

// PageForNode returns the index of the page n is rendered on.
func PageForNode(n *html.Node) (int, bool) {
	page := dom.Closest(n, dom.Class("page"))
	if page == nil {
		return 0, false
	}
	return PageIndex(page)
}

// Describe returns selectors relative to the text layer of the page the
// range starts on. The position selector is converted to document-wide
// offsets so it can locate the page again.
func (p *PDFIntegration) Describe(ctx context.Context, r dom.Range) (anchoring.Selectors, error) {
	page, ok := PageForNode(r.StartContainer)
	if !ok {
		return nil, fmt.Errorf("%w: selection outside any page", ErrNotApplicable)
	}
	view, ok := p.viewer.PageView(page)
	if !ok || view.TextLayer == nil {
		return nil, fmt.Errorf("%w: page %d not rendered", ErrNotApplicable, page+1)
	}
	sels, err := p.deps.Resolver.Describe(view.TextLayer, r)
	if err != nil {
		return nil, err
	}
	offset := 0
	for i := 0; i < page; i++ {
		text, err := p.viewer.PageText(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("describe page offset: %w", err)
		}
		offset += dom.RuneLen(text)
	}
	for i, sel := range sels {
		if pos, ok := sel.(*anchoring.TextPositionSelector); ok {
			sels[i] = &anchoring.TextPositionSelector{Start: pos.Start + offset, End: pos.End + offset}
		}
	}
	return sels, nil
}

// PageNumber returns the one-based number of the page r starts on.
func (p *PDFIntegration) PageNumber(r dom.Range) (int, bool) {
	index, ok := PageForNode(r.StartContainer)
	if !ok {
		return 0, false
	}
	return index + 1, true
}

func (p *PDFIntegration) PageEvents() dom.EventTarget {
	return p.viewer.Events()
}

// ShowPage navigates to a page and waits until its text layer is rendered.
// A page that is current and rendered is not requested again.
func (p *PDFIntegration) ShowPage(ctx context.Context, index int) error {
	var rendered bool
	_ = p.deps.Document.Read(func(*html.Node) error {
		view, ok := p.viewer.PageView(index)
		rendered = ok && view.Rendered
		return nil
	})
	if !rendered || p.viewer.CurrentPage() != index {
		p.viewer.SetCurrentPage(index)
	}
	return p.WaitForTextLayer(ctx, index)
}

// ScrollToAnchor brings the anchor's page into view, waits for it to be
// rendered and then scrolls to its highlights. The page is read from the
// live range, or from the page the anchor was resolved on when the text
// layer holding the range has since been released.
func (p *PDFIntegration) ScrollToAnchor(ctx context.Context, a *annotation.Anchor) error {
	var page int
	var ok bool
	_ = p.deps.Document.Read(func(*html.Node) error {
		if a.Range != nil {
			page, ok = PageForNode(a.Range.Start.Element)
		}
		return nil
	})
	if !ok && a.PageNumber > 0 {
		page, ok = a.PageNumber-1, true
	}
	if !ok {
		return nil
	}
	if err := p.ShowPage(ctx, page); err != nil {
		return err
	}
	return scrollToHighlights(ctx, p.deps, a)
}

func (p *PDFIntegration) ContentContainer() *html.Node {
	return p.viewer.Container()
}

// FitSideBySide narrows the viewer to make room for an expanded sidebar when
// enough width remains for the document.
func (p *PDFIntegration) FitSideBySide(layout SidebarLayout) bool {
	available := layout.WindowWidth - layout.Width
	active := layout.Expanded && available >= minContentWidth
	_ = p.deps.Document.Write(func(*html.Node) error {
		container := p.viewer.Container()
		if active {
			dom.SetStyle(container, "width", px(available))
		} else {
			dom.SetStyle(container, "width", "")
		}
		return nil
	})
	return active
}

func (p *PDFIntegration) waitForInit(ctx context.Context) (DocumentInfo, error) {
	ctx, cancel := p.waitContext(ctx)
	defer cancel()
	var info DocumentInfo
	err := poll(ctx, func() bool {
		var ok bool
		info, ok = p.viewer.Info()
		return ok && info.Fingerprint != ""
	})
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("%w: pdf viewer not initialised: %v", ErrNotApplicable, err)
	}
	return info, nil
}

func fingerprintURI(fingerprint string) string {
	return "urn:x-pdf:" + fingerprint
}

func (p *PDFIntegration) URI(ctx context.Context) (string, error) {
	info, err := p.waitForInit(ctx)
	if err != nil {
		return "", err
	}
	return fingerprintURI(info.Fingerprint), nil
}

func (p *PDFIntegration) Metadata(ctx context.Context) (annotation.DocumentMetadata, error) {
	info, err := p.waitForInit(ctx)
	if err != nil {
		return annotation.DocumentMetadata{}, err
	}
	meta := annotation.DocumentMetadata{
		Title: strings.TrimSpace(info.Title),
		Link:  []annotation.Link{{Href: fingerprintURI(info.Fingerprint)}},
	}
	if meta.Title == "" {
		_ = p.deps.Document.Read(func(*html.Node) error {
			if head := p.deps.Document.Head(); head != nil {
				if title := dom.Find(head, dom.Tag("title")); title != nil {
					meta.Title = strings.TrimSpace(dom.TextContent(title))
				}
			}
			return nil
		})
	}

	docURL := info.URL
	if docURL == "" {
		docURL = p.cfg.DocumentURL
	}
	if strings.HasPrefix(strings.ToLower(docURL), "file://") {
		if u, err := url.Parse(docURL); err == nil {
			meta.Filename = path.Base(u.Path)
		}
	} else if docURL != "" {
		meta.Link = append(meta.Link, annotation.Link{Href: docURL})
	}
	return meta, nil
}

// Destroy gives the viewer its full width back.
func (p *PDFIntegration) Destroy() {
	_ = p.deps.Document.Write(func(*html.Node) error {
		dom.SetStyle(p.viewer.Container(), "width", "")
		return nil
	})
}
