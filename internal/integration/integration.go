// Package integration supplies the document-type specific behaviour of the
// annotator: resolving selectors, describing selections, scrolling and
// document identity.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/dom"
	"chronicle/annotator/internal/highlight"
	"golang.org/x/net/html"
)

// ErrNotApplicable is returned when a capability is used on a document that
// cannot provide it, for example metadata of a PDF whose viewer has not
// finished loading.
var ErrNotApplicable = errors.New("integration: not applicable")

// SidebarLayout describes the sidebar as the host frame last reported it.
type SidebarLayout struct {
	Expanded    bool
	Width       float64
	WindowWidth float64
}

// Integration is implemented once per document type.
//
// Anchor returns a descriptor rather than a live range: resolution may wait
// for the renderer, and the tree can change while it does. Describe walks
// the tree and must be called with the document's read lock held.
type Integration interface {
	Anchor(ctx context.Context, selectors anchoring.Selectors) (anchoring.TextRange, error)
	Describe(ctx context.Context, r dom.Range) (anchoring.Selectors, error)
	ScrollToAnchor(ctx context.Context, a *annotation.Anchor) error
	ContentContainer() *html.Node
	FitSideBySide(layout SidebarLayout) bool
	URI(ctx context.Context) (string, error)
	Metadata(ctx context.Context) (annotation.DocumentMetadata, error)
	Destroy()
}

// Paged is implemented by integrations whose pages are rendered and
// released independently. Highlights on a released page are gone until the
// page is rendered and its annotations anchored again.
type Paged interface {
	// PageEvents carries EventPageRendered, EventPageReleased and
	// EventTextLoaded.
	PageEvents() dom.EventTarget
	// PageNumber returns the one-based page r lies on. It walks the tree.
	PageNumber(r dom.Range) (int, bool)
	ShowPage(ctx context.Context, index int) error
}

// Deps are the collaborators an integration is built from. Only Document
// is required.
type Deps struct {
	Document    *dom.Document
	Resolver    anchoring.Resolver
	Highlighter *highlight.Highlighter
	Viewport    dom.Viewport
	// Viewer is the PDF viewer; required when the document type is pdf.
	Viewer Viewer
	Logger *log.Logger
}

func (d *Deps) defaults() {
	if d.Resolver == nil {
		d.Resolver = anchoring.NewResolver()
	}
	if d.Highlighter == nil {
		d.Highlighter = highlight.New(nil)
	}
	if d.Viewport == nil {
		d.Viewport = &dom.ScrollPosition{}
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
}

// New builds the integration selected by cfg.DocumentType.
func New(cfg config.Config, deps Deps) (Integration, error) {
	if deps.Document == nil {
		return nil, errors.New("integration: document is required")
	}
	deps.defaults()
	switch cfg.DocumentType {
	case "", config.DocumentHTML:
		return NewHTML(cfg, deps), nil
	case config.DocumentPDF:
		if deps.Viewer == nil {
			return nil, fmt.Errorf("%w: pdf document without a viewer", ErrNotApplicable)
		}
		return NewPDF(cfg, deps), nil
	default:
		return nil, fmt.Errorf("integration: unknown document type %q", cfg.DocumentType)
	}
}

// scrollToHighlights scrolls the union of the anchor's highlights into view.
// Anchors without highlights are left alone.
func scrollToHighlights(ctx context.Context, deps Deps, a *annotation.Anchor) error {
	if len(a.Highlights) == 0 {
		return nil
	}
	var box dom.Rect
	var ok bool
	_ = deps.Document.Read(func(*html.Node) error {
		box, ok = deps.Highlighter.BoundingBox(a.Highlights)
		return nil
	})
	if !ok {
		return nil
	}
	return deps.Viewport.ScrollIntoView(ctx, box)
}

const pollInterval = 100 * time.Millisecond

// poll calls ready every pollInterval until it reports true or ctx ends.
func poll(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ready() {
				return nil
			}
		}
	}
}
