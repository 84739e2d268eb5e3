// Package highlight wraps document regions in highlight markers and removes
// them again.
package highlight

import (
	"strconv"
	"strings"

	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultClass     = "annotator-highlight"
	FocusedClass     = "annotator-highlight-focused"
	TransparentClass = "is-transparent"
	AlwaysOnClass    = "annotator-highlights-always-on"

	layerClass   = "annotator-highlight-layer"
	svgRectClass = "annotator-svg-highlight"
)

// Highlight is one marker element wrapping a run of adjacent text nodes.
type Highlight struct {
	Node *html.Node

	// svg is the rect drawn above a PDF canvas for this highlight.
	svg *html.Node
}

// SVG returns the companion shape drawn over a page canvas, or nil.
func (h *Highlight) SVG() *html.Node {
	return h.svg
}

// Highlighter paints and removes highlights in a document tree. Callers
// serialise it with other writers of the tree.
type Highlighter struct {
	geometry dom.Geometry
}

func New(geometry dom.Geometry) *Highlighter {
	if geometry == nil {
		geometry = dom.StyleGeometry{}
	}
	return &Highlighter{geometry: geometry}
}

// Paint wraps the text of r in markers carrying class. Runs of whitespace
// are left alone, since they sit in places such as table rows where a
// marker element is not allowed.
func (h *Highlighter) Paint(r dom.Range, class string) []*Highlight {
	if class == "" {
		class = DefaultClass
	}
	var runs [][]*html.Node
	var prev *html.Node
	for _, n := range r.SplitText() {
		if prev != nil && prev.NextSibling == n {
			runs[len(runs)-1] = append(runs[len(runs)-1], n)
		} else {
			runs = append(runs, []*html.Node{n})
		}
		prev = n
	}

	var highlights []*Highlight
	for _, run := range runs {
		if blank(run) {
			continue
		}
		marker := dom.NewElement(dom.HighlightTag, class)
		parent := run[0].Parent
		parent.InsertBefore(marker, run[0])
		for _, n := range run {
			parent.RemoveChild(n)
			marker.AppendChild(n)
		}
		hl := &Highlight{Node: marker}
		if rect := h.drawAbovePDFCanvas(marker); rect != nil {
			dom.ToggleClass(marker, TransparentClass, true)
			hl.svg = rect
		}
		highlights = append(highlights, hl)
	}
	return highlights
}

func blank(run []*html.Node) bool {
	for _, n := range run {
		if strings.TrimSpace(n.Data) != "" {
			return false
		}
	}
	return true
}

// pdfCanvas returns the canvas of the page the marker sits on, for pages
// laid out as
//
//	<div class="page">
//	  <div class="canvasWrapper"><canvas></canvas></div>
//	  <div class="textLayer">...</div>
//	</div>
func pdfCanvas(marker *html.Node) *html.Node {
	page := dom.Closest(marker, dom.Class("page"))
	if page == nil {
		return nil
	}
	return dom.Find(page, func(n *html.Node) bool {
		return n.Data == "canvas" && dom.HasClass(n.Parent, "canvasWrapper")
	})
}

// drawAbovePDFCanvas draws the marker's box into an SVG layer over the page
// canvas. The layer is created once per page and shares the canvas stacking
// context so multiply blending darkens the text underneath.
func (h *Highlighter) drawAbovePDFCanvas(marker *html.Node) *html.Node {
	canvas := pdfCanvas(marker)
	if canvas == nil {
		return nil
	}
	canvasRect, ok := h.geometry.BoundingRect(canvas)
	if !ok {
		return nil
	}
	markerRect, ok := h.geometry.BoundingRect(marker)
	if !ok {
		return nil
	}

	wrapper := canvas.Parent
	layer := dom.Find(wrapper, dom.Class(layerClass))
	if layer == nil {
		layer = &html.Node{Type: html.ElementNode, Data: "svg", DataAtom: atom.Svg, Namespace: "svg"}
		dom.SetAttr(layer, "class", layerClass)
		dom.SetStyle(layer, "position", "absolute")
		dom.SetStyle(layer, "left", "0")
		dom.SetStyle(layer, "top", "0")
		dom.SetStyle(layer, "width", "100%")
		dom.SetStyle(layer, "height", "100%")
		dom.SetStyle(layer, "mix-blend-mode", "multiply")
		wrapper.AppendChild(layer)
		dom.SetStyle(wrapper, "position", "relative")
	}

	rect := &html.Node{Type: html.ElementNode, Data: "rect", Namespace: "svg"}
	dom.SetAttr(rect, "x", formatPx(markerRect.Left-canvasRect.Left))
	dom.SetAttr(rect, "y", formatPx(markerRect.Top-canvasRect.Top))
	dom.SetAttr(rect, "width", formatPx(markerRect.Width()))
	dom.SetAttr(rect, "height", formatPx(markerRect.Height()))
	dom.SetAttr(rect, "class", svgRectClass)
	layer.AppendChild(rect)
	return rect
}

func formatPx(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Unpaint removes highlights, putting their text back in place. Highlights
// already removed are skipped.
func Unpaint(highlights []*Highlight) {
	for _, hl := range highlights {
		dom.Unwrap(hl.Node)
		if hl.svg != nil && hl.svg.Parent != nil {
			hl.svg.Parent.RemoveChild(hl.svg)
		}
	}
}

// BoundingBox returns the union of the highlights' rectangles. Each marker is
// measured on its own, a range spanning several nodes is not measured as one.
func (h *Highlighter) BoundingBox(highlights []*Highlight) (dom.Rect, bool) {
	var box dom.Rect
	found := false
	for _, hl := range highlights {
		r, ok := h.geometry.BoundingRect(hl.Node)
		if !ok {
			continue
		}
		if !found {
			box, found = r, true
			continue
		}
		box = box.Union(r)
	}
	return box, found
}

// SetFocused toggles the focused style of highlights.
func SetFocused(highlights []*Highlight, focused bool) {
	for _, hl := range highlights {
		dom.ToggleClass(hl.Node, FocusedClass, focused)
	}
}

// SetVisible shows or hides every highlight below root.
func SetVisible(root *html.Node, visible bool) {
	dom.ToggleClass(root, AlwaysOnClass, visible)
}

// Containing returns the markers enclosing n, innermost first.
func Containing(n *html.Node) []*html.Node {
	var markers []*html.Node
	for ; n != nil; n = n.Parent {
		if dom.IsMarker(n) {
			markers = append(markers, n)
		}
	}
	return markers
}

// InRange returns the markers enclosing any text covered by r, in document
// order and without duplicates.
func InRange(r dom.Range) []*html.Node {
	seen := make(map[*html.Node]bool)
	var markers []*html.Node
	for _, seg := range r.Segments() {
		found := Containing(seg.Node)
		for i := len(found) - 1; i >= 0; i-- {
			if !seen[found[i]] {
				seen[found[i]] = true
				markers = append(markers, found[i])
			}
		}
	}
	return markers
}

// RemoveAll strips every marker and highlight layer below root.
func RemoveAll(root *html.Node) {
	for _, marker := range dom.FindAll(root, dom.IsMarker) {
		dom.Unwrap(marker)
	}
	for _, layer := range dom.FindAll(root, dom.Class(layerClass)) {
		if layer.Parent != nil {
			layer.Parent.RemoveChild(layer)
		}
	}
}
