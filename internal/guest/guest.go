// Package guest anchors annotations in a document, paints their highlights
// and handles the interactions with them. It talks to the sidebar through
// the crossframe protocol and to the rest of the process through the event
// bus.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"

	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/crossframe"
	"chronicle/annotator/internal/dom"
	"chronicle/annotator/internal/event"
	"chronicle/annotator/internal/highlight"
	"chronicle/annotator/internal/integration"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSuperseded is returned by Anchor when the annotation was anchored
	// again or detached while its targets were being resolved. The result of
	// the older call is dropped.
	ErrSuperseded = errors.New("guest: anchoring superseded")
	// ErrDestroyed is returned by Anchor once Destroy has been called.
	ErrDestroyed = errors.New("guest: destroyed")
)

// Adder is the control shown next to a selection for creating annotations.
type Adder interface {
	Show(rect dom.Rect, backwards bool)
	Hide()
	// SetAnnotationsForSelection tells the control which existing
	// annotations the selection overlaps.
	SetAnnotationsForSelection(tags []string)
}

type nopAdder struct{}

func (nopAdder) Show(dom.Rect, bool)                 {}
func (nopAdder) Hide()                               {}
func (nopAdder) SetAnnotationsForSelection([]string) {}

type nopCaller struct{}

func (nopCaller) Call(context.Context, string, ...any) error         { return nil }
func (nopCaller) Request(context.Context, string, any, ...any) error { return nil }

// Options configure a Guest. Document is required.
type Options struct {
	Config   config.Config
	Document *dom.Document
	// Integration overrides the one selected by Config.DocumentType.
	Integration integration.Integration
	// Viewer is passed to the PDF integration.
	Viewer      integration.Viewer
	Highlighter *highlight.Highlighter
	Geometry    dom.Geometry
	Viewport    dom.Viewport
	Bus         *event.Bus
	Caller      crossframe.Caller
	Receiver    crossframe.Receiver
	// Events receives pointer, selection and resize events from the host,
	// and carries the scrolltorange event back to it.
	Events *dom.Events
	Adder  Adder
	Logger *log.Logger
}

// Guest owns the anchors of one document.
type Guest struct {
	cfg         config.Config
	doc         *dom.Document
	integration integration.Integration
	highlighter *highlight.Highlighter
	geometry    dom.Geometry
	emitter     *event.Emitter
	caller      crossframe.Caller
	events      *dom.Events
	adder       Adder
	logger      *log.Logger
	listeners   dom.ListenerCollection
	frameID     string

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks anchoring started by page events.
	wg sync.WaitGroup

	// mu is taken before the document lock when both are needed.
	mu      sync.Mutex
	anchors []*annotation.Anchor
	// owners maps highlight markers back to their annotation.
	owners      map[*html.Node]*annotation.Annotation
	generations map[*annotation.Annotation]uint64
	nextGen     uint64
	// reanchoring holds annotations being anchored again in the
	// background, so page events do not stack up work for them.
	reanchoring map[*annotation.Annotation]bool
	focused     map[string]bool
	selection   []anchoring.TextRange
	backwards   bool
	visible     bool
	adderShown  bool
	sideBySide  bool
	destroyed   bool
}

func New(opts Options) (*Guest, error) {
	if opts.Document == nil {
		return nil, errors.New("guest: document is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Geometry == nil {
		opts.Geometry = dom.StyleGeometry{}
	}
	if opts.Highlighter == nil {
		opts.Highlighter = highlight.New(opts.Geometry)
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus(opts.Logger)
	}
	if opts.Caller == nil {
		opts.Caller = nopCaller{}
	}
	if opts.Events == nil {
		opts.Events = dom.NewEvents()
	}
	if opts.Adder == nil {
		opts.Adder = nopAdder{}
	}
	integ := opts.Integration
	if integ == nil {
		var err error
		integ, err = integration.New(opts.Config, integration.Deps{
			Document:    opts.Document,
			Highlighter: opts.Highlighter,
			Viewport:    opts.Viewport,
			Viewer:      opts.Viewer,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create integration: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Guest{
		cfg:         opts.Config,
		doc:         opts.Document,
		integration: integ,
		highlighter: opts.Highlighter,
		geometry:    opts.Geometry,
		emitter:     opts.Bus.CreateEmitter(),
		caller:      opts.Caller,
		events:      opts.Events,
		adder:       opts.Adder,
		logger:      opts.Logger,
		frameID:     opts.Config.SubFrameIdentifier,
		ctx:         ctx,
		cancel:      cancel,
		owners:      make(map[*html.Node]*annotation.Annotation),
		generations: make(map[*annotation.Annotation]uint64),
		reanchoring: make(map[*annotation.Annotation]bool),
		focused:     make(map[string]bool),
	}
	if err := g.connectAnnotationSync(); err != nil {
		cancel()
		return nil, err
	}
	if opts.Receiver != nil {
		g.connectSidebar(opts.Receiver)
	}
	g.setupElementEvents()
	g.setupPageEvents()
	return g, nil
}

func (g *Guest) connectAnnotationSync() error {
	err := event.SubscribePayload(g.emitter, event.AnnotationsLoaded, func(ctx context.Context, anns []*annotation.Annotation) error {
		g.anchorAll(ctx, anns)
		return nil
	})
	if err != nil {
		return err
	}
	return event.SubscribePayload(g.emitter, event.AnnotationDeleted, func(ctx context.Context, ann *annotation.Annotation) error {
		g.Detach(ctx, ann, true)
		return nil
	})
}

// anchorAll anchors anns concurrently and waits for all of them.
func (g *Guest) anchorAll(ctx context.Context, anns []*annotation.Annotation) {
	var eg errgroup.Group
	for _, ann := range anns {
		eg.Go(func() error {
			if _, err := g.Anchor(ctx, ann); err != nil && !errors.Is(err, ErrSuperseded) {
				g.logger.Printf("anchor annotation %s: %v", ann.Tag, err)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// Anchor resolves every target of ann, replacing any anchors it already has,
// and paints the targets that resolved. Targets resolve concurrently and a
// failing target never affects the others. The annotation is marked orphan
// when it has anchorable targets and none of them resolved.
//
// If ann is anchored again or detached before resolution finishes, the
// result is dropped and ErrSuperseded returned.
func (g *Guest) Anchor(ctx context.Context, ann *annotation.Annotation) ([]*annotation.Anchor, error) {
	return g.anchor(ctx, ann, false)
}

// anchor implements Anchor. With attachedOnly set, an annotation that is not
// currently anchored, because it was detached or never anchored, is left
// alone and ErrSuperseded returned.
func (g *Guest) anchor(ctx context.Context, ann *annotation.Annotation, attachedOnly bool) ([]*annotation.Anchor, error) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return nil, ErrDestroyed
	}
	if _, ok := g.generations[ann]; attachedOnly && !ok {
		g.mu.Unlock()
		return nil, ErrSuperseded
	}
	g.nextGen++
	gen := g.nextGen
	g.generations[ann] = gen
	_ = g.doc.Write(func(*html.Node) error {
		g.removeAnchorsLocked(ann)
		return nil
	})
	g.mu.Unlock()

	anchors := make([]*annotation.Anchor, len(ann.Target))
	var eg errgroup.Group
	for i, target := range ann.Target {
		eg.Go(func() error {
			anchors[i] = g.locate(ctx, ann, target)
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	if g.destroyed || g.generations[ann] != gen {
		g.mu.Unlock()
		return nil, ErrSuperseded
	}
	_ = g.doc.Write(func(*html.Node) error {
		for _, a := range anchors {
			g.paintLocked(a)
		}
		return nil
	})
	g.anchors = append(g.anchors, anchors...)
	ann.Orphan = orphaned(anchors)
	snapshot := g.snapshotLocked()
	g.mu.Unlock()

	g.emitter.Publish(ctx, event.AnchorsChanged, snapshot)
	if err := crossframe.Sync(ctx, g.caller, []*annotation.Annotation{ann}); err != nil {
		g.logger.Printf("sync annotation %s: %v", ann.Tag, err)
	}
	return anchors, nil
}

// locate resolves one target. Only targets with a quote can be anchored,
// since the quote verifies every other selector.
func (g *Guest) locate(ctx context.Context, ann *annotation.Annotation, target annotation.Target) *annotation.Anchor {
	a := &annotation.Anchor{Annotation: ann, Target: target}
	if !target.Anchorable() {
		return a
	}
	tr, err := g.integration.Anchor(ctx, target.Selector)
	if err != nil {
		return a
	}
	a.Range = &tr
	return a
}

// paintLocked highlights a resolved anchor. A descriptor that no longer
// maps onto the tree is treated as a target that did not resolve.
// Callers hold g.mu and the document write lock.
func (g *Guest) paintLocked(a *annotation.Anchor) {
	if a.Range == nil {
		return
	}
	r, err := a.Range.ToRange()
	if err != nil {
		a.Range = nil
		return
	}
	if paged, ok := g.integration.(integration.Paged); ok {
		a.PageNumber, _ = paged.PageNumber(r)
	}
	hs := g.highlighter.Paint(r, highlight.DefaultClass)
	if len(hs) == 0 {
		return
	}
	for _, hl := range hs {
		g.owners[hl.Node] = a.Annotation
	}
	if g.focused[a.Annotation.Tag] {
		highlight.SetFocused(hs, true)
	}
	a.Highlights = hs
}

// removeAnchorsLocked drops and unpaints the anchors of ann. Callers hold
// g.mu and the document write lock.
func (g *Guest) removeAnchorsLocked(ann *annotation.Annotation) {
	kept := g.anchors[:0:0]
	for _, a := range g.anchors {
		if a.Annotation != ann {
			kept = append(kept, a)
			continue
		}
		highlight.Unpaint(a.Highlights)
		for _, hl := range a.Highlights {
			delete(g.owners, hl.Node)
		}
	}
	g.anchors = kept
}

func (g *Guest) snapshotLocked() []*annotation.Anchor {
	return append([]*annotation.Anchor(nil), g.anchors...)
}

func orphaned(anchors []*annotation.Anchor) bool {
	anchorable := 0
	for _, a := range anchors {
		if !a.Target.Anchorable() {
			continue
		}
		anchorable++
		if a.Range != nil {
			return false
		}
	}
	return anchorable > 0
}

// Detach removes the anchors of ann and unpaints them. Any resolution of
// ann still in flight is dropped when it completes. notify is false when
// the caller is about to anchor ann again.
func (g *Guest) Detach(ctx context.Context, ann *annotation.Annotation, notify bool) {
	g.mu.Lock()
	delete(g.generations, ann)
	_ = g.doc.Write(func(*html.Node) error {
		g.removeAnchorsLocked(ann)
		return nil
	})
	snapshot := g.snapshotLocked()
	g.mu.Unlock()
	if notify {
		g.emitter.Publish(ctx, event.AnchorsChanged, snapshot)
	}
}

// Anchors returns the current anchors of every annotation.
func (g *Guest) Anchors() []*annotation.Anchor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// CreateOptions control CreateAnnotation.
type CreateOptions struct {
	// Highlight creates an annotation that is saved without asking for a
	// comment, so the sidebar is not opened.
	Highlight bool
}

// CreateAnnotation turns the current selection into a new annotation and
// anchors it. The selection is consumed. Subscribers of
// BeforeAnnotationCreated see the annotation before it is anchored and may
// change it.
func (g *Guest) CreateAnnotation(ctx context.Context, opts CreateOptions) (*annotation.Annotation, error) {
	g.mu.Lock()
	ranges := g.selection
	g.selection = nil
	g.mu.Unlock()

	info, err := g.DocumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("create annotation: %w", err)
	}

	selectors := make([]anchoring.Selectors, 0, len(ranges))
	err = g.doc.Read(func(*html.Node) error {
		for _, tr := range ranges {
			r, err := tr.ToRange()
			if err != nil {
				return err
			}
			sels, err := g.integration.Describe(ctx, r)
			if err != nil {
				return err
			}
			selectors = append(selectors, sels)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describe selection: %w", err)
	}

	targets := make([]annotation.Target, 0, len(selectors))
	for _, sels := range selectors {
		targets = append(targets, annotation.Target{Source: info.URI, Selector: sels})
	}
	meta := info.Metadata
	ann := &annotation.Annotation{
		URI:       info.URI,
		Document:  &meta,
		Target:    targets,
		Highlight: opts.Highlight,
	}

	g.emitter.Publish(ctx, event.BeforeAnnotationCreated, ann)
	if _, err := g.Anchor(ctx, ann); err != nil && !errors.Is(err, ErrSuperseded) {
		return nil, err
	}
	if !ann.Highlight {
		if err := g.caller.Call(ctx, crossframe.MethodOpenSidebar); err != nil {
			g.logger.Printf("open sidebar: %v", err)
		}
	}
	return ann, nil
}

// DocumentInfo identifies the document for the sidebar.
type DocumentInfo struct {
	URI             string                      `json:"uri"`
	Metadata        annotation.DocumentMetadata `json:"metadata"`
	FrameIdentifier string                      `json:"frameIdentifier,omitempty"`
}

func (g *Guest) DocumentInfo(ctx context.Context) (DocumentInfo, error) {
	var uri string
	var meta annotation.DocumentMetadata
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		uri, err = g.integration.URI(ctx)
		return err
	})
	eg.Go(func() error {
		var err error
		meta, err = g.integration.Metadata(ctx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return DocumentInfo{}, err
	}
	normalized, err := normalizeURI(uri)
	if err != nil {
		return DocumentInfo{}, err
	}
	return DocumentInfo{URI: normalized, Metadata: meta, FrameIdentifier: g.frameID}, nil
}

// normalizeURI drops the fragment, which does not identify a different
// document.
func normalizeURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("normalize uri %q: %w", uri, err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// FocusAnnotations replaces the focused set with tags and restyles every
// anchor to match.
func (g *Guest) FocusAnnotations(tags []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.focused = make(map[string]bool, len(tags))
	for _, tag := range tags {
		g.focused[tag] = true
	}
	_ = g.doc.Write(func(*html.Node) error {
		for _, a := range g.anchors {
			highlight.SetFocused(a.Highlights, g.focused[a.Annotation.Tag])
		}
		return nil
	})
}

// FocusedAnnotationTags returns the focused tags in sorted order.
func (g *Guest) FocusedAnnotationTags() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	tags := make([]string, 0, len(g.focused))
	for tag := range g.focused {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// SetVisibleHighlights shows or hides every highlight at once.
func (g *Guest) SetVisibleHighlights(ctx context.Context, visible bool) {
	g.mu.Lock()
	_ = g.doc.Write(func(*html.Node) error {
		highlight.SetVisible(g.integration.ContentContainer(), visible)
		return nil
	})
	g.visible = visible
	g.mu.Unlock()
	g.emitter.Publish(ctx, event.HighlightsVisibleChanged, visible)
}

func (g *Guest) HighlightsVisible() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.visible
}

// EventScrollToRange is dispatched before scrolling to an annotation. Its
// Detail is the dom.Range about to be revealed; a listener that calls
// PreventDefault takes over the scroll.
const EventScrollToRange = "scrolltorange"

// ScrollToAnnotation scrolls to the first anchor of the annotation tagged
// tag. Annotations without highlights are ignored, unless their highlights
// went away with a released page: that page is shown and the annotation
// anchored again first.
func (g *Guest) ScrollToAnnotation(ctx context.Context, tag string) error {
	g.mu.Lock()
	anchor := g.firstAnchorLocked(tag)
	g.mu.Unlock()
	if anchor == nil {
		return nil
	}
	if len(anchor.Highlights) == 0 && anchor.PageNumber > 0 {
		if err := g.restorePage(ctx, anchor); err != nil {
			return err
		}
		g.mu.Lock()
		anchor = g.firstAnchorLocked(tag)
		g.mu.Unlock()
	}

	g.mu.Lock()
	if anchor == nil || len(anchor.Highlights) == 0 || anchor.Range == nil {
		g.mu.Unlock()
		return nil
	}
	var r dom.Range
	var container *html.Node
	err := g.doc.Read(func(*html.Node) error {
		var err error
		r, err = anchor.Range.ToRange()
		container = g.integration.ContentContainer()
		return err
	})
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("scroll to annotation %s: %w", tag, err)
	}

	ev := &dom.Event{Type: EventScrollToRange, Target: container, Cancelable: true, Detail: r}
	if !g.events.Dispatch(ev) {
		return nil
	}
	return g.integration.ScrollToAnchor(ctx, anchor)
}

func (g *Guest) firstAnchorLocked(tag string) *annotation.Anchor {
	for _, a := range g.anchors {
		if a.Annotation.Tag == tag {
			return a
		}
	}
	return nil
}

// restorePage shows the released page an anchor was resolved on and anchors
// its annotation again. The rendered event the page fires is ignored for
// the annotation meanwhile.
func (g *Guest) restorePage(ctx context.Context, a *annotation.Anchor) error {
	paged, ok := g.integration.(integration.Paged)
	if !ok {
		return nil
	}
	ann := a.Annotation
	g.mu.Lock()
	g.reanchoring[ann] = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.reanchoring, ann)
		g.mu.Unlock()
	}()

	if err := paged.ShowPage(ctx, a.PageNumber-1); err != nil {
		return fmt.Errorf("show page %d: %w", a.PageNumber, err)
	}
	if _, err := g.anchor(ctx, ann, true); err != nil && !errors.Is(err, ErrSuperseded) {
		return err
	}
	return nil
}

// SelectAnnotations shows anns in the sidebar, or toggles their selection
// there when toggle is set, and opens it.
func (g *Guest) SelectAnnotations(ctx context.Context, anns []*annotation.Annotation, toggle bool) {
	tags := annotation.Tags(anns)
	method := crossframe.MethodShowAnnotations
	if toggle {
		method = crossframe.MethodToggleAnnotationSelection
	}
	if err := g.caller.Call(ctx, method, tags); err != nil {
		g.logger.Printf("%s: %v", method, err)
	}
	if err := g.caller.Call(ctx, crossframe.MethodOpenSidebar); err != nil {
		g.logger.Printf("open sidebar: %v", err)
	}
}

func (g *Guest) ContentContainer() *html.Node {
	return g.integration.ContentContainer()
}

// FitSideBySide lets the integration make room for the sidebar.
func (g *Guest) FitSideBySide(layout integration.SidebarLayout) {
	active := g.integration.FitSideBySide(layout)
	g.mu.Lock()
	g.sideBySide = active
	g.mu.Unlock()
}

func (g *Guest) SideBySideActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sideBySide
}

// Destroy removes every listener and highlight and releases the
// integration, the bus subscriptions and the connection to the sidebar.
func (g *Guest) Destroy() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	g.generations = make(map[*annotation.Annotation]uint64)
	g.mu.Unlock()
	g.cancel()

	g.listeners.RemoveAll()
	g.adder.Hide()

	g.mu.Lock()
	_ = g.doc.Write(func(*html.Node) error {
		highlight.RemoveAll(g.integration.ContentContainer())
		return nil
	})
	g.anchors = nil
	g.owners = make(map[*html.Node]*annotation.Annotation)
	g.mu.Unlock()

	g.integration.Destroy()
	g.emitter.Destroy()
	if d, ok := g.caller.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	g.wg.Wait()
}
