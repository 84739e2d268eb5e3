package guest

import (
	"errors"

	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/dom"
	"chronicle/annotator/internal/event"
	"chronicle/annotator/internal/highlight"
	"chronicle/annotator/internal/integration"
	"golang.org/x/net/html"
)

// setupPageEvents follows the pages of a paged document. Highlights on a
// released page are removed with it; annotations on a page that is rendered
// again, and orphans that may now find their text, are anchored again.
func (g *Guest) setupPageEvents() {
	paged, ok := g.integration.(integration.Paged)
	if !ok {
		return
	}
	events := paged.PageEvents()
	g.listeners.Add(events, integration.EventPageReleased, func(ev *dom.Event) {
		if index, ok := ev.Detail.(int); ok {
			g.onPageReleased(index)
		}
	})
	g.listeners.Add(events, integration.EventPageRendered, func(ev *dom.Event) {
		if index, ok := ev.Detail.(int); ok {
			g.onPageRendered(index)
		}
	})
	g.listeners.Add(events, integration.EventTextLoaded, func(*dom.Event) {
		g.reanchor(g.orphans())
	})
}

// onPageReleased unpaints the highlights of anchors on page index. The
// anchors stay, so their annotations do not become orphans.
func (g *Guest) onPageReleased(index int) {
	g.mu.Lock()
	changed := false
	_ = g.doc.Write(func(*html.Node) error {
		for _, a := range g.anchors {
			if a.PageNumber != index+1 || len(a.Highlights) == 0 {
				continue
			}
			highlight.Unpaint(a.Highlights)
			for _, hl := range a.Highlights {
				delete(g.owners, hl.Node)
			}
			a.Highlights = nil
			changed = true
		}
		return nil
	})
	snapshot := g.snapshotLocked()
	g.mu.Unlock()
	if changed {
		g.emitter.Publish(g.ctx, event.AnchorsChanged, snapshot)
	}
}

// onPageRendered anchors again the annotations whose highlights page index
// lost, along with the orphans.
func (g *Guest) onPageRendered(index int) {
	g.mu.Lock()
	seen := make(map[*annotation.Annotation]bool)
	var anns []*annotation.Annotation
	for _, a := range g.anchors {
		ann := a.Annotation
		if seen[ann] {
			continue
		}
		if ann.Orphan || (a.PageNumber == index+1 && len(a.Highlights) == 0) {
			seen[ann] = true
			anns = append(anns, ann)
		}
	}
	g.mu.Unlock()
	g.reanchor(anns)
}

func (g *Guest) orphans() []*annotation.Annotation {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[*annotation.Annotation]bool)
	var anns []*annotation.Annotation
	for _, a := range g.anchors {
		if a.Annotation.Orphan && !seen[a.Annotation] {
			seen[a.Annotation] = true
			anns = append(anns, a.Annotation)
		}
	}
	return anns
}

// reanchor anchors anns again in the background. Annotations already being
// anchored again, or detached meanwhile, are skipped.
func (g *Guest) reanchor(anns []*annotation.Annotation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return
	}
	for _, ann := range anns {
		if g.reanchoring[ann] {
			continue
		}
		g.reanchoring[ann] = true
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			_, err := g.anchor(g.ctx, ann, true)
			if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrDestroyed) {
				g.logger.Printf("anchor annotation %s again: %v", ann.Tag, err)
			}
			g.mu.Lock()
			delete(g.reanchoring, ann)
			g.mu.Unlock()
		}()
	}
}
