package dom

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Rect is an on-screen rectangle in document coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (r Rect) Width() float64  { return r.Right - r.Left }
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		Left:   math.Min(r.Left, o.Left),
		Top:    math.Min(r.Top, o.Top),
		Right:  math.Max(r.Right, o.Right),
		Bottom: math.Max(r.Bottom, o.Bottom),
	}
}

// Geometry reports where nodes are laid out.
type Geometry interface {
	BoundingRect(n *html.Node) (Rect, bool)
}

// Viewport scrolls the visible part of the document.
type Viewport interface {
	ScrollIntoView(ctx context.Context, r Rect) error
}

// ParseStyle splits an inline style attribute into declarations.
func ParseStyle(style string) map[string]string {
	decls := make(map[string]string)
	for _, part := range strings.Split(style, ";") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		decls[key] = strings.TrimSpace(value)
	}
	return decls
}

// SetStyle sets one declaration in n's inline style, keeping the others in
// their original order.
func SetStyle(n *html.Node, key, value string) {
	var parts []string
	found := false
	for _, part := range strings.Split(Attr(n, "style"), ";") {
		k, _, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if strings.EqualFold(k, key) {
			found = true
			if value != "" {
				parts = append(parts, key+": "+value)
			}
			continue
		}
		parts = append(parts, strings.TrimSpace(part))
	}
	if !found && value != "" {
		parts = append(parts, key+": "+value)
	}
	SetAttr(n, "style", strings.Join(parts, "; "))
}

// Style returns one declaration of n's inline style.
func Style(n *html.Node, key string) string {
	return ParseStyle(Attr(n, "style"))[key]
}

func pixels(value string) (float64, bool) {
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "px"))
	if value == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// StyleGeometry lays nodes out from absolutely positioned inline styles, the
// way text layers and canvases of paginated renderers are positioned. Boxes
// accumulate the offsets of positioned ancestors. Content inside a positioned
// box without its own position gets a horizontal slice of that box
// proportional to its characters.
type StyleGeometry struct{}

func positioned(n *html.Node) bool {
	if !IsElement(n) {
		return false
	}
	decls := ParseStyle(Attr(n, "style"))
	for _, key := range []string{"left", "top", "width", "height"} {
		if _, ok := pixels(decls[key]); ok {
			return true
		}
	}
	return false
}

func (g StyleGeometry) box(n *html.Node) Rect {
	decls := ParseStyle(Attr(n, "style"))
	left, _ := pixels(decls["left"])
	top, _ := pixels(decls["top"])
	width, _ := pixels(decls["width"])
	height, _ := pixels(decls["height"])
	if anc := Closest(n.Parent, positioned); anc != nil {
		origin := g.box(anc)
		left += origin.Left
		top += origin.Top
	}
	return Rect{Left: left, Top: top, Right: left + width, Bottom: top + height}
}

func (g StyleGeometry) BoundingRect(n *html.Node) (Rect, bool) {
	if n == nil {
		return Rect{}, false
	}
	if positioned(n) {
		return g.box(n), true
	}
	anc := Closest(n.Parent, positioned)
	if anc == nil {
		return Rect{}, false
	}
	box := g.box(anc)
	total := RuneLen(TextContent(anc))
	if total == 0 {
		return box, true
	}
	start, err := offsetWithin(anc, n)
	if err != nil {
		return Rect{}, false
	}
	length := RuneLen(TextContent(n))
	w := box.Width()
	return Rect{
		Left:   box.Left + w*float64(start)/float64(total),
		Top:    box.Top,
		Right:  box.Left + w*float64(start+length)/float64(total),
		Bottom: box.Bottom,
	}, true
}

// offsetWithin returns the character offset at which n's text starts inside
// anc.
func offsetWithin(anc, n *html.Node) (int, error) {
	if IsText(n) {
		return TextOffset(anc, n, 0)
	}
	return TextOffset(anc, n.Parent, indexOf(n))
}

func indexOf(n *html.Node) int {
	i := 0
	for c := n.Parent.FirstChild; c != nil && c != n; c = c.NextSibling {
		i++
	}
	return i
}

// ScrollPosition is a Viewport that records the requested scroll offset.
type ScrollPosition struct {
	// Margin is kept between the top of the viewport and the target.
	Margin float64

	mu   sync.Mutex
	top  float64
	left float64
}

func (p *ScrollPosition) ScrollIntoView(ctx context.Context, r Rect) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.top = math.Max(0, r.Top-p.Margin)
	p.left = math.Max(0, r.Left)
	return nil
}

// Offset returns the current scroll offset.
func (p *ScrollPosition) Offset() (left, top float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.left, p.top
}
