package integration

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
)

// PageView is the rendered state of one PDF page.
type PageView struct {
	Container *html.Node
	// TextLayer holds the selectable text of the page. It is nil until the
	// page has been rendered and is dropped again when the viewer recycles
	// the page.
	TextLayer *html.Node
	Rendered  bool
}

// DocumentInfo identifies a loaded PDF.
type DocumentInfo struct {
	Fingerprint string
	Title       string
	URL         string
	PageCount   int
}

const (
	// EventPageRendered is dispatched after a page's text layer has been
	// built. Detail is the page index.
	EventPageRendered = "pagerendered"
	// EventPageReleased is dispatched after a page's text layer has been
	// dropped or replaced. Detail is the page index.
	EventPageReleased = "pagereleased"
	// EventTextLoaded is dispatched once the text of every page is known.
	EventTextLoaded = "textloaded"
)

// Viewer is the PDF viewer the PDF integration drives. Methods returning
// nodes walk the tree and are called with the document lock held; the
// others never touch the tree.
type Viewer interface {
	// Info reports false until the viewer has loaded a document.
	Info() (DocumentInfo, bool)
	PageCount() int
	PageView(index int) (PageView, bool)
	CurrentPage() int
	SetCurrentPage(index int)
	PageText(ctx context.Context, index int) (string, error)
	Container() *html.Node
	// Events carries the page lifecycle events. Listeners run without the
	// document lock held.
	Events() dom.EventTarget
}

// TextSpan is one positioned run of text in a page's text layer.
type TextSpan struct {
	Text   string  `json:"text"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// HTMLViewer is a Viewer over a pdf.js style tree:
//
//	<div id="viewer">
//	  <div class="page" data-page-number="1" id="pageContainer1">
//	    <div class="canvasWrapper"><canvas></canvas></div>
//	    <div class="textLayer">...</div>
//	  </div>
//	</div>
type HTMLViewer struct {
	doc *dom.Document

	mu          sync.Mutex
	info        DocumentInfo
	initialized bool
	current     int
	text        map[int]string
	textLoaded  bool
	events      *dom.Events
	// onPageRequest lets the host render a page navigated to.
	onPageRequest func(index int)
}

func NewHTMLViewer(doc *dom.Document) *HTMLViewer {
	return &HTMLViewer{doc: doc, text: make(map[int]string), events: dom.NewEvents()}
}

// Open marks the viewer as loaded with info. A zero page count is filled in
// from the page containers present in the tree.
func (v *HTMLViewer) Open(info DocumentInfo) {
	if info.PageCount == 0 {
		_ = v.doc.Read(func(*html.Node) error {
			info.PageCount = len(v.pages())
			return nil
		})
	}
	v.mu.Lock()
	v.info = info
	v.initialized = true
	complete := v.textCompleteLocked()
	v.mu.Unlock()
	if complete {
		v.dispatch(EventTextLoaded, -1)
	}
}

func (v *HTMLViewer) Events() dom.EventTarget {
	return v.events
}

func (v *HTMLViewer) dispatch(eventType string, index int) {
	v.events.Dispatch(&dom.Event{Type: eventType, Detail: index})
}

// textCompleteLocked reports whether the text of the last missing page has
// just arrived. It is true at most once.
func (v *HTMLViewer) textCompleteLocked() bool {
	if v.textLoaded || v.info.PageCount == 0 {
		return false
	}
	for i := 0; i < v.info.PageCount; i++ {
		if _, ok := v.text[i]; !ok {
			return false
		}
	}
	v.textLoaded = true
	return true
}

// OnPageRequest registers fn to be called when SetCurrentPage navigates.
func (v *HTMLViewer) OnPageRequest(fn func(index int)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onPageRequest = fn
}

func (v *HTMLViewer) Info() (DocumentInfo, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info, v.initialized
}

func (v *HTMLViewer) PageCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.PageCount
}

func (v *HTMLViewer) CurrentPage() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *HTMLViewer) SetCurrentPage(index int) {
	v.mu.Lock()
	v.current = index
	fn := v.onPageRequest
	v.mu.Unlock()
	if fn != nil {
		fn(index)
	}
}

var spaceRun = regexp.MustCompile(`[ ]+`)

// LoadPageText records the extracted text of a page. Runs of spaces are
// collapsed, matching what the text layer renders.
func (v *HTMLViewer) LoadPageText(index int, text string) {
	v.mu.Lock()
	v.text[index] = spaceRun.ReplaceAllString(text, " ")
	complete := v.textCompleteLocked()
	v.mu.Unlock()
	if complete {
		v.dispatch(EventTextLoaded, -1)
	}
}

func (v *HTMLViewer) PageText(ctx context.Context, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	text, ok := v.text[index]
	if !ok {
		return "", fmt.Errorf("%w: no text for page %d", ErrNotApplicable, index+1)
	}
	return text, nil
}

// RenderTextLayer builds the text layer of a page from spans, replacing any
// previous one, and records the page text if none was loaded. A replaced
// layer is reported as released before the new one is reported rendered.
func (v *HTMLViewer) RenderTextLayer(index int, spans []TextSpan) error {
	var text string
	var replaced bool
	err := v.doc.Write(func(*html.Node) error {
		page := v.page(index)
		if page == nil {
			return fmt.Errorf("render page %d: no such page", index+1)
		}
		if old := dom.Find(page, dom.Class("textLayer")); old != nil {
			page.RemoveChild(old)
			replaced = true
		}
		layer := dom.NewElement("div", "textLayer")
		for _, span := range spans {
			el := dom.NewElement("span", "")
			dom.SetStyle(el, "left", px(span.Left))
			dom.SetStyle(el, "top", px(span.Top))
			dom.SetStyle(el, "width", px(span.Width))
			dom.SetStyle(el, "height", px(span.Height))
			el.AppendChild(&html.Node{Type: html.TextNode, Data: span.Text})
			layer.AppendChild(el)
		}
		page.AppendChild(layer)
		text = dom.TextContent(layer)
		return nil
	})
	if err != nil {
		return err
	}
	v.mu.Lock()
	if _, ok := v.text[index]; !ok {
		v.text[index] = text
	}
	complete := v.textCompleteLocked()
	v.mu.Unlock()

	if replaced {
		v.dispatch(EventPageReleased, index)
	}
	v.dispatch(EventPageRendered, index)
	if complete {
		v.dispatch(EventTextLoaded, -1)
	}
	return nil
}

// ReleasePage drops the text layer of a page, as the viewer does for pages
// scrolled far out of view.
func (v *HTMLViewer) ReleasePage(index int) {
	var released bool
	_ = v.doc.Write(func(*html.Node) error {
		if page := v.page(index); page != nil {
			if layer := dom.Find(page, dom.Class("textLayer")); layer != nil {
				page.RemoveChild(layer)
				released = true
			}
		}
		return nil
	})
	if released {
		v.dispatch(EventPageReleased, index)
	}
}

func (v *HTMLViewer) Container() *html.Node {
	body := v.doc.Body()
	if viewer := dom.Find(body, func(n *html.Node) bool { return dom.Attr(n, "id") == "viewer" }); viewer != nil {
		return viewer
	}
	return body
}

func (v *HTMLViewer) PageView(index int) (PageView, bool) {
	page := v.page(index)
	if page == nil {
		return PageView{}, false
	}
	layer := dom.Find(page, dom.Class("textLayer"))
	return PageView{Container: page, TextLayer: layer, Rendered: layer != nil}, true
}

func (v *HTMLViewer) pages() []*html.Node {
	return dom.FindAll(v.Container(), dom.Class("page"))
}

func (v *HTMLViewer) page(index int) *html.Node {
	for _, p := range v.pages() {
		if n, ok := PageIndex(p); ok && n == index {
			return p
		}
	}
	return nil
}

// PageIndex returns the zero-based index of a page container, read from
// its data-page-number attribute or a pageContainerN id.
func PageIndex(page *html.Node) (int, bool) {
	if n, err := strconv.Atoi(dom.Attr(page, "data-page-number")); err == nil && n > 0 {
		return n - 1, true
	}
	if id, ok := strings.CutPrefix(dom.Attr(page, "id"), "pageContainer"); ok {
		if n, err := strconv.Atoi(id); err == nil && n > 0 {
			return n - 1, true
		}
	}
	return 0, false
}

func px(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}
