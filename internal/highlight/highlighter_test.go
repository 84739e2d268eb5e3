package highlight

import (
	"strings"
	"testing"

	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
)

func parse(t *testing.T, markup string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(markup)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	return doc
}

func rangeAt(t *testing.T, root *html.Node, start, end int) dom.Range {
	t.Helper()
	r, err := dom.RangeAt(root, start, end)
	if err != nil {
		t.Fatalf("RangeAt(%d, %d) error = %v", start, end, err)
	}
	return r
}

func markerCount(root *html.Node) int {
	return len(dom.FindAll(root, dom.IsMarker))
}

func TestPaintWrapsRange(t *testing.T) {
	doc := parse(t, `<p>say hello world now</p>`)
	body := doc.Body()
	h := New(nil)

	hls := h.Paint(rangeAt(t, body, 4, 15), "")
	if len(hls) != 1 {
		t.Fatalf("expected 1 highlight, got %d", len(hls))
	}
	if got := dom.TextContent(hls[0].Node); got != "hello world" {
		t.Errorf("highlight text = %q", got)
	}
	if !dom.HasClass(hls[0].Node, DefaultClass) {
		t.Errorf("missing default class: %q", dom.Attr(hls[0].Node, "class"))
	}
	if hls[0].SVG() != nil {
		t.Error("plain documents must not get an SVG highlight")
	}
}

func TestPaintSplitsAcrossElements(t *testing.T) {
	doc := parse(t, `<p>one <b>two</b> three</p>`)
	body := doc.Body()
	hls := New(nil).Paint(rangeAt(t, body, 2, 10), "")
	if len(hls) != 3 {
		t.Fatalf("expected 3 highlights, got %d", len(hls))
	}
	var texts []string
	for _, hl := range hls {
		texts = append(texts, dom.TextContent(hl.Node))
	}
	if got := strings.Join(texts, "|"); got != "e |two| th" {
		t.Errorf("highlight texts = %q", got)
	}
}

func TestPaintSkipsWhitespaceRuns(t *testing.T) {
	doc := parse(t, "<table><tr><td>a</td>\n<td>b</td></tr></table>")
	body := doc.Body()
	hls := New(nil).Paint(rangeAt(t, body, 0, dom.RuneLen(dom.TextContent(body))), "")
	for _, hl := range hls {
		if strings.TrimSpace(dom.TextContent(hl.Node)) == "" {
			t.Errorf("whitespace-only run was wrapped")
		}
		if hl.Node.Parent.Data == "tr" {
			t.Errorf("marker inserted directly into a table row")
		}
	}
	if len(hls) != 2 {
		t.Errorf("expected 2 highlights, got %d", len(hls))
	}
}

func TestUnpaintRestoresTree(t *testing.T) {
	doc := parse(t, `<p>say <i>hello</i> world now</p>`)
	body := doc.Body()
	before := doc.String()
	text := dom.TextContent(body)

	hls := New(nil).Paint(rangeAt(t, body, 2, 12), "")
	if markerCount(body) == 0 {
		t.Fatal("expected markers after Paint")
	}
	Unpaint(hls)
	Unpaint(hls)

	if got := dom.TextContent(body); got != text {
		t.Errorf("text changed: %q -> %q", text, got)
	}
	if markerCount(body) != 0 {
		t.Error("markers left after Unpaint")
	}
	if got := doc.String(); got != before {
		t.Errorf("markup changed:\n%s\n%s", before, got)
	}
}

func TestOverlappingHighlights(t *testing.T) {
	doc := parse(t, `<p>alpha beta gamma delta</p>`)
	body := doc.Body()
	text := dom.TextContent(body)
	h := New(nil)

	first := h.Paint(rangeAt(t, body, 0, 10), "")
	second := h.Paint(rangeAt(t, body, 6, 16), "")

	seen := make(map[*html.Node]bool)
	for _, hl := range append(append([]*Highlight{}, first...), second...) {
		if seen[hl.Node] {
			t.Fatal("highlight sets share a marker")
		}
		seen[hl.Node] = true
	}
	if got := dom.TextContent(body); got != text {
		t.Errorf("text changed while painted: %q", got)
	}

	Unpaint(first)
	if got := dom.TextContent(body); got != text {
		t.Errorf("text changed after first unpaint: %q", got)
	}
	var covered []string
	for _, hl := range second {
		covered = append(covered, dom.TextContent(hl.Node))
	}
	if got := strings.Join(covered, ""); got != "beta gamma" {
		t.Errorf("second highlight covers %q after removing the first", got)
	}
	Unpaint(second)
	if markerCount(body) != 0 || dom.TextContent(body) != text {
		t.Error("tree not restored")
	}
}

const pdfPage = `<div id="viewer"><div class="page" data-page-number="1" style="left: 0px; top: 0px; width: 600px; height: 800px">` +
	`<div class="canvasWrapper"><canvas style="left: 0px; top: 0px; width: 600px; height: 800px"></canvas></div>` +
	`<div class="textLayer"><span style="left: 100px; top: 50px; width: 200px; height: 20px">0123456789</span></div>` +
	`</div></div>`

func TestPaintAbovePDFCanvas(t *testing.T) {
	doc := parse(t, pdfPage)
	body := doc.Body()
	span := dom.Find(body, dom.Tag("span"))
	h := New(dom.StyleGeometry{})

	hls := h.Paint(rangeAt(t, span, 2, 6), "")
	if len(hls) != 1 {
		t.Fatalf("expected 1 highlight, got %d", len(hls))
	}
	hl := hls[0]
	if !dom.HasClass(hl.Node, TransparentClass) {
		t.Error("PDF highlight should be transparent")
	}
	rect := hl.SVG()
	if rect == nil {
		t.Fatal("expected SVG highlight")
	}
	for key, want := range map[string]string{"x": "140", "y": "50", "width": "80", "height": "20"} {
		if got := dom.Attr(rect, key); got != want {
			t.Errorf("rect %s = %q, want %q", key, got, want)
		}
	}
	layer := rect.Parent
	if !dom.HasClass(layer, layerClass) || dom.Style(layer, "mix-blend-mode") != "multiply" {
		t.Errorf("unexpected layer: %+v", layer.Attr)
	}

	more := h.Paint(rangeAt(t, span, 7, 9), "")
	if more[0].SVG().Parent != layer {
		t.Error("second highlight on the page should reuse the layer")
	}

	Unpaint(hls)
	if rect.Parent != nil {
		t.Error("SVG rect not removed with its highlight")
	}
	RemoveAll(body)
	if dom.Find(body, dom.Class(layerClass)) != nil || markerCount(body) != 0 {
		t.Error("RemoveAll left highlight artefacts")
	}
}

func TestBoundingBox(t *testing.T) {
	doc := parse(t, `<div style="left: 0px; top: 0px; width: 500px; height: 500px">`+
		`<span style="left: 10px; top: 10px; width: 100px; height: 10px">aaaa</span>`+
		`<span style="left: 10px; top: 30px; width: 40px; height: 10px">bbbb</span></div>`)
	body := doc.Body()
	h := New(dom.StyleGeometry{})
	hls := h.Paint(rangeAt(t, body, 0, 8), "")
	box, ok := h.BoundingBox(hls)
	if !ok {
		t.Fatal("expected bounding box")
	}
	if box != (dom.Rect{Left: 10, Top: 10, Right: 110, Bottom: 40}) {
		t.Errorf("BoundingBox() = %+v", box)
	}
}

func TestFocusAndVisibility(t *testing.T) {
	doc := parse(t, `<p>focus me</p>`)
	body := doc.Body()
	hls := New(nil).Paint(rangeAt(t, body, 0, 5), "")

	SetFocused(hls, true)
	SetFocused(hls, true)
	if got := dom.Attr(hls[0].Node, "class"); got != DefaultClass+" "+FocusedClass {
		t.Errorf("class = %q", got)
	}
	SetFocused(hls, false)
	if dom.HasClass(hls[0].Node, FocusedClass) {
		t.Error("focus not cleared")
	}

	SetVisible(body, true)
	if !dom.HasClass(body, AlwaysOnClass) {
		t.Error("visibility class missing")
	}
	SetVisible(body, false)
	if dom.HasClass(body, AlwaysOnClass) {
		t.Error("visibility class not removed")
	}
}

func TestInRangeAndContaining(t *testing.T) {
	doc := parse(t, `<p>alpha beta gamma</p>`)
	body := doc.Body()
	h := New(nil)
	a := h.Paint(rangeAt(t, body, 0, 5), "")
	b := h.Paint(rangeAt(t, body, 11, 16), "")

	markers := InRange(rangeAt(t, body, 3, 13))
	if len(markers) != 2 || markers[0] != a[0].Node || markers[1] != b[0].Node {
		t.Fatalf("InRange() = %v", markers)
	}
	if got := Containing(a[0].Node.FirstChild); len(got) != 1 || got[0] != a[0].Node {
		t.Errorf("Containing() = %v", got)
	}
}
