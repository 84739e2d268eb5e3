package guest

import (
	"context"
	"encoding/json"
	"strings"

	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/crossframe"
	"chronicle/annotator/internal/dom"
	"chronicle/annotator/internal/event"
	"chronicle/annotator/internal/highlight"
	"golang.org/x/net/html"
)

// Host events the guest listens to.
const (
	EventMouseUp         = "mouseup"
	EventMouseDown       = "mousedown"
	EventTouchStart      = "touchstart"
	EventMouseOver       = "mouseover"
	EventMouseOut        = "mouseout"
	EventResize          = "resize"
	EventSelectionChange = "selectionchange"
)

// Selection is the Detail of a selectionchange event. A selectionchange
// event without one clears the selection.
type Selection struct {
	Range     dom.Range
	Backwards bool
}

func (g *Guest) setupElementEvents() {
	g.listeners.Add(g.events, EventMouseUp, g.OnMouseUp)
	g.listeners.Add(g.events, EventMouseDown, g.OnMouseDown)
	g.listeners.Add(g.events, EventTouchStart, g.OnTouchStart)
	g.listeners.Add(g.events, EventMouseOver, g.OnMouseOver)
	g.listeners.Add(g.events, EventMouseOut, g.OnMouseOut)
	g.listeners.Add(g.events, EventResize, func(*dom.Event) { g.OnResize() })
	g.listeners.Add(g.events, EventSelectionChange, func(ev *dom.Event) {
		if sel, ok := ev.Detail.(Selection); ok {
			g.OnSelection(sel.Range, sel.Backwards)
			return
		}
		g.OnClearSelection()
	})
}

func (g *Guest) connectSidebar(recv crossframe.Receiver) {
	recv.OnConnect(func(ctx context.Context) {
		g.emitter.Publish(ctx, event.PanelReady, nil)
		g.SetVisibleHighlights(ctx, g.cfg.ShowHighlights == config.ShowHighlightsAlways)
	})

	recv.On(crossframe.MethodFocusAnnotations, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var tags []string
		if err := crossframe.DecodeParams(params, &tags); err != nil {
			return nil, err
		}
		g.FocusAnnotations(tags)
		return nil, nil
	})

	recv.On(crossframe.MethodScrollToAnnotation, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var tag string
		if err := crossframe.DecodeParams(params, &tag); err != nil {
			return nil, err
		}
		return nil, g.ScrollToAnnotation(ctx, tag)
	})

	recv.On(crossframe.MethodGetDocumentInfo, func(ctx context.Context, _ []json.RawMessage) (any, error) {
		info, err := g.DocumentInfo(ctx)
		if err != nil {
			return nil, &crossframe.Error{Code: crossframe.CodeNotApplicable, Message: err.Error()}
		}
		return info, nil
	})

	recv.On(crossframe.MethodSetVisibleHighlights, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var visible bool
		if err := crossframe.DecodeParams(params, &visible); err != nil {
			return nil, err
		}
		g.SetVisibleHighlights(ctx, visible)
		return nil, nil
	})
}

// annotationsAtLocked returns the annotations owning markers, once each.
// Callers hold g.mu and the document lock.
func (g *Guest) annotationsAtLocked(markers []*html.Node) []*annotation.Annotation {
	seen := make(map[*annotation.Annotation]bool)
	var anns []*annotation.Annotation
	for _, m := range markers {
		ann, ok := g.owners[m]
		if !ok || seen[ann] {
			continue
		}
		seen[ann] = true
		anns = append(anns, ann)
	}
	return anns
}

// annotationsAt returns the annotations highlighted at n.
func (g *Guest) annotationsAt(n *html.Node) []*annotation.Annotation {
	if n == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var anns []*annotation.Annotation
	_ = g.doc.Read(func(*html.Node) error {
		anns = g.annotationsAtLocked(highlight.Containing(n))
		return nil
	})
	return anns
}

// OnMouseUp selects the annotations under the pointer in the sidebar.
// Holding meta or ctrl toggles them instead.
func (g *Guest) OnMouseUp(ev *dom.Event) {
	anns := g.annotationsAt(ev.Target)
	if len(anns) == 0 || !g.HighlightsVisible() {
		return
	}
	g.SelectAnnotations(g.ctx, anns, ev.MetaKey || ev.CtrlKey)
}

func (g *Guest) OnMouseDown(ev *dom.Event) {
	g.maybeCloseSidebar(ev.Target)
}

func (g *Guest) OnTouchStart(ev *dom.Event) {
	g.maybeCloseSidebar(ev.Target)
}

// maybeCloseSidebar hides the sidebar on a click in the document, unless
// the sidebar sits beside the content or the click landed on a highlight.
func (g *Guest) maybeCloseSidebar(target *html.Node) {
	if g.SideBySideActive() {
		return
	}
	if len(g.annotationsAt(target)) > 0 {
		return
	}
	if err := g.caller.Call(g.ctx, crossframe.MethodCloseSidebar); err != nil {
		g.logger.Printf("close sidebar: %v", err)
	}
}

// OnMouseOver focuses the hovered annotations in the sidebar.
func (g *Guest) OnMouseOver(ev *dom.Event) {
	anns := g.annotationsAt(ev.Target)
	if len(anns) == 0 || !g.HighlightsVisible() {
		return
	}
	g.focusInSidebar(anns)
}

func (g *Guest) OnMouseOut(*dom.Event) {
	if g.HighlightsVisible() {
		g.focusInSidebar(nil)
	}
}

func (g *Guest) focusInSidebar(anns []*annotation.Annotation) {
	if err := g.caller.Call(g.ctx, crossframe.MethodFocusAnnotations, annotation.Tags(anns)); err != nil {
		g.logger.Printf("focus annotations: %v", err)
	}
}

// OnSelection records r as the selection to annotate and shows the adder
// next to its focus end. A selection without text clears the selection.
func (g *Guest) OnSelection(r dom.Range, backwards bool) {
	var rect dom.Rect
	var tr anchoring.TextRange
	var tags []string
	ok := false

	g.mu.Lock()
	_ = g.doc.Read(func(*html.Node) error {
		if rect, ok = g.focusRect(r, backwards); !ok {
			return nil
		}
		var err error
		if tr, err = anchoring.FromRange(r); err != nil {
			ok = false
			return nil
		}
		tags = annotation.Tags(g.annotationsAtLocked(highlight.InRange(r)))
		return nil
	})
	if !ok {
		g.mu.Unlock()
		g.OnClearSelection()
		return
	}
	g.selection = []anchoring.TextRange{tr}
	g.backwards = backwards
	g.adderShown = true
	g.mu.Unlock()

	g.emitter.Publish(g.ctx, event.HasSelectionChanged, true)
	g.adder.SetAnnotationsForSelection(tags)
	g.adder.Show(rect, backwards)
}

// focusRect returns the box of the text at the end of r the user is
// extending the selection from. Callers hold the document lock.
func (g *Guest) focusRect(r dom.Range, backwards bool) (dom.Rect, bool) {
	if r.Collapsed() || strings.TrimSpace(r.Text()) == "" {
		return dom.Rect{}, false
	}
	focus := r.EndContainer
	if backwards {
		focus = r.StartContainer
	}
	rect, ok := g.geometry.BoundingRect(focus)
	if !ok {
		// Unmeasured layout still gets an adder, placed at the origin.
		return dom.Rect{}, true
	}
	return rect, true
}

func (g *Guest) OnClearSelection() {
	g.mu.Lock()
	g.adderShown = false
	g.selection = nil
	g.mu.Unlock()

	g.adder.Hide()
	g.emitter.Publish(g.ctx, event.HasSelectionChanged, false)
}

// OnResize moves the adder to where the selection now is.
func (g *Guest) OnResize() {
	g.mu.Lock()
	if !g.adderShown || len(g.selection) == 0 {
		g.mu.Unlock()
		return
	}
	tr, backwards := g.selection[0], g.backwards
	var r dom.Range
	err := g.doc.Read(func(*html.Node) error {
		var err error
		r, err = tr.ToRange()
		return err
	})
	g.mu.Unlock()
	if err != nil {
		g.OnClearSelection()
		return
	}
	g.OnSelection(r, backwards)
}
