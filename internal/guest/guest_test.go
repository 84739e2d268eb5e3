package guest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/annsync"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/crossframe"
	"chronicle/annotator/internal/dom"
	"chronicle/annotator/internal/event"
	"chronicle/annotator/internal/highlight"
	"chronicle/annotator/internal/integration"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/html"
)

type call struct {
	method string
	args   []any
}

// fakeFrame stands in for the sidebar connection.
type fakeFrame struct {
	mu        sync.Mutex
	calls     []call
	handlers  map[string]crossframe.Handler
	onConnect []func(ctx context.Context)
}

func newFakeFrame() *fakeFrame {
	return &fakeFrame{handlers: make(map[string]crossframe.Handler)}
}

func (f *fakeFrame) Call(ctx context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, args: args})
	return nil
}

func (f *fakeFrame) Request(ctx context.Context, method string, result any, args ...any) error {
	return errors.New("not supported")
}

func (f *fakeFrame) On(method string, h crossframe.Handler) {
	f.handlers[method] = h
}

func (f *fakeFrame) OnConnect(fn func(ctx context.Context)) {
	f.onConnect = append(f.onConnect, fn)
}

func (f *fakeFrame) connect() {
	for _, fn := range f.onConnect {
		fn(context.Background())
	}
}

func (f *fakeFrame) invoke(t *testing.T, method string, args ...any) (any, error) {
	t.Helper()
	h, ok := f.handlers[method]
	if !ok {
		t.Fatalf("no handler for %s", method)
	}
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			t.Fatal(err)
		}
		params = append(params, raw)
	}
	return h(context.Background(), params)
}

func (f *fakeFrame) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func (f *fakeFrame) last(method string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i], true
		}
	}
	return call{}, false
}

func (f *fakeFrame) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fakeAdder struct {
	mu      sync.Mutex
	shown   bool
	rect    dom.Rect
	back    bool
	tags    []string
	showing int
}

func (a *fakeAdder) Show(rect dom.Rect, backwards bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shown, a.rect, a.back = true, rect, backwards
	a.showing++
}

func (a *fakeAdder) Hide() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shown = false
}

func (a *fakeAdder) SetAnnotationsForSelection(tags []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tags = tags
}

type fixture struct {
	guest  *Guest
	doc    *dom.Document
	frame  *fakeFrame
	adder  *fakeAdder
	bus    *event.Bus
	events *dom.Events
}

func newFixture(t *testing.T, markup string, mutate func(*Options)) *fixture {
	t.Helper()
	doc, err := dom.ParseString(markup)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	f := &fixture{
		doc:    doc,
		frame:  newFakeFrame(),
		adder:  &fakeAdder{},
		bus:    event.NewBus(nil),
		events: dom.NewEvents(),
	}
	opts := Options{
		Config: config.Config{
			DocumentType:       config.DocumentHTML,
			DocumentURL:        "https://example.com/page#section",
			ShowHighlights:     config.ShowHighlightsAlways,
			SubFrameIdentifier: "frame-1",
		},
		Document: doc,
		Bus:      f.bus,
		Caller:   f.frame,
		Receiver: f.frame,
		Events:   f.events,
		Adder:    f.adder,
	}
	if mutate != nil {
		mutate(&opts)
	}
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(g.Destroy)
	f.guest = g
	return f
}

func quoteTarget(exact string) annotation.Target {
	return annotation.Target{Selector: anchoring.Selectors{&anchoring.TextQuoteSelector{Exact: exact}}}
}

func newAnnotation(tag string, quotes ...string) *annotation.Annotation {
	ann := &annotation.Annotation{Tag: tag}
	for _, q := range quotes {
		ann.Target = append(ann.Target, quoteTarget(q))
	}
	return ann
}

func (f *fixture) body() *html.Node {
	return f.doc.Body()
}

func (f *fixture) text(t *testing.T) string {
	t.Helper()
	var text string
	_ = f.doc.Read(func(*html.Node) error {
		text = dom.TextContent(f.body())
		return nil
	})
	return text
}

func (f *fixture) markers() []*html.Node {
	var markers []*html.Node
	_ = f.doc.Read(func(*html.Node) error {
		markers = dom.FindAll(f.body(), dom.IsMarker)
		return nil
	})
	return markers
}

func (f *fixture) rangeAt(t *testing.T, start, end int) dom.Range {
	t.Helper()
	var r dom.Range
	err := f.doc.Read(func(*html.Node) error {
		var err error
		r, err = dom.RangeAt(f.body(), start, end)
		return err
	})
	if err != nil {
		t.Fatalf("RangeAt(%d, %d) error = %v", start, end, err)
	}
	return r
}

func highlightText(hs []*highlight.Highlight) string {
	var text string
	for _, hl := range hs {
		text += dom.TextContent(hl.Node)
	}
	return text
}

func mustAnchor(t *testing.T, g *Guest, ann *annotation.Annotation) []*annotation.Anchor {
	t.Helper()
	anchors, err := g.Anchor(context.Background(), ann)
	if err != nil {
		t.Fatalf("Anchor() error = %v", err)
	}
	return anchors
}

const plain = `<p>say hello world now</p>`

func TestAnchorPaintsHighlight(t *testing.T) {
	f := newFixture(t, plain, nil)
	var changed []*annotation.Anchor
	listener := f.bus.CreateEmitter()
	_ = event.SubscribePayload(listener, event.AnchorsChanged, func(_ context.Context, anchors []*annotation.Anchor) error {
		changed = anchors
		return nil
	})

	ann := newAnnotation("t1", "hello world")
	anchors := mustAnchor(t, f.guest, ann)
	if len(anchors) != 1 || anchors[0].Range == nil {
		t.Fatalf("anchors = %+v", anchors)
	}
	if got := highlightText(anchors[0].Highlights); got != "hello world" {
		t.Errorf("highlighted %q, want %q", got, "hello world")
	}
	if ann.Orphan {
		t.Error("resolved annotation marked orphan")
	}
	if got := f.text(t); got != "say hello world now" {
		t.Errorf("text changed to %q", got)
	}
	if len(changed) != 1 || changed[0] != anchors[0] {
		t.Errorf("anchorsChanged = %v", changed)
	}

	synced, ok := f.frame.last(crossframe.MethodSync)
	if !ok {
		t.Fatal("annotation not synced")
	}
	entries := synced.args[0].([]crossframe.SyncEntry)
	if len(entries) != 1 || entries[0].Tag != "t1" || entries[0].Msg != ann {
		t.Errorf("sync entries = %+v", entries)
	}
}

func TestOrphanRule(t *testing.T) {
	tests := []struct {
		name    string
		targets []annotation.Target
		orphan  bool
		painted int
	}{
		{name: "missing quote", targets: []annotation.Target{quoteTarget("missing phrase")}, orphan: true},
		{name: "all missing", targets: []annotation.Target{quoteTarget("missing"), quoteTarget("absent")}, orphan: true},
		{name: "one resolves", targets: []annotation.Target{quoteTarget("missing"), quoteTarget("hello")}, painted: 1},
		{name: "page note", targets: []annotation.Target{{Source: "https://example.com/page"}}},
		{name: "no targets"},
		{
			name: "position only",
			targets: []annotation.Target{{Selector: anchoring.Selectors{
				&anchoring.TextPositionSelector{Start: 4, End: 9},
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, plain, nil)
			ann := &annotation.Annotation{Tag: "t1", Target: tt.targets}
			anchors := mustAnchor(t, f.guest, ann)
			if ann.Orphan != tt.orphan {
				t.Errorf("Orphan = %v, want %v", ann.Orphan, tt.orphan)
			}
			if len(anchors) != len(tt.targets) {
				t.Errorf("got %d anchors for %d targets", len(anchors), len(tt.targets))
			}
			if got := len(f.markers()); got != tt.painted {
				t.Errorf("markers = %d, want %d", got, tt.painted)
			}
			for _, a := range anchors {
				if a.Range == nil && a.Highlights != nil {
					t.Error("unresolved anchor has highlights")
				}
			}
		})
	}
}

func TestReanchorReplacesAnchors(t *testing.T) {
	f := newFixture(t, plain, nil)
	ann := newAnnotation("t1", "hello", "now")
	for i := 0; i < 3; i++ {
		mustAnchor(t, f.guest, ann)
	}
	if got := len(f.guest.Anchors()); got != 2 {
		t.Errorf("anchors after re-anchoring = %d, want 2", got)
	}
	if got := len(f.markers()); got != 2 {
		t.Errorf("markers after re-anchoring = %d, want 2", got)
	}
	if got := f.text(t); got != "say hello world now" {
		t.Errorf("text = %q", got)
	}
}

func TestDetachRemovesOnlyOwnAnchors(t *testing.T) {
	f := newFixture(t, plain, nil)
	a := newAnnotation("ta", "say")
	b := newAnnotation("tb", "world")
	mustAnchor(t, f.guest, a)
	bAnchors := mustAnchor(t, f.guest, b)

	var changed []*annotation.Anchor
	listener := f.bus.CreateEmitter()
	_ = event.SubscribePayload(listener, event.AnchorsChanged, func(_ context.Context, anchors []*annotation.Anchor) error {
		changed = anchors
		return nil
	})

	f.guest.Detach(context.Background(), a, true)
	got := f.guest.Anchors()
	if len(got) != 1 || got[0] != bAnchors[0] {
		t.Fatalf("anchors after detach = %+v", got)
	}
	if len(changed) != 1 {
		t.Errorf("anchorsChanged carried %d anchors", len(changed))
	}
	markers := f.markers()
	if len(markers) != 1 || markers[0] != bAnchors[0].Highlights[0].Node {
		t.Errorf("markers after detach = %d", len(markers))
	}

	changed = nil
	f.guest.Detach(context.Background(), b, false)
	if changed != nil {
		t.Error("detach without notify published anchorsChanged")
	}
	if len(f.markers()) != 0 || f.text(t) != "say hello world now" {
		t.Errorf("tree not restored: %q", f.text(t))
	}
}

func TestOverlappingAnchors(t *testing.T) {
	f := newFixture(t, plain, nil)
	a := newAnnotation("ta", "hello world")
	b := newAnnotation("tb", "world now")
	aAnchors := mustAnchor(t, f.guest, a)
	bAnchors := mustAnchor(t, f.guest, b)

	if got := highlightText(aAnchors[0].Highlights); got != "hello world" {
		t.Errorf("first highlight = %q", got)
	}
	if got := highlightText(bAnchors[0].Highlights); got != "world now" {
		t.Errorf("second highlight = %q", got)
	}
	seen := make(map[*html.Node]bool)
	for _, hl := range aAnchors[0].Highlights {
		seen[hl.Node] = true
	}
	for _, hl := range bAnchors[0].Highlights {
		if seen[hl.Node] {
			t.Fatal("annotations share a highlight element")
		}
	}
	if got := f.text(t); got != "say hello world now" {
		t.Errorf("text with highlights = %q", got)
	}

	f.guest.Detach(context.Background(), a, true)
	f.guest.Detach(context.Background(), b, true)
	if len(f.markers()) != 0 {
		t.Error("markers left after detaching both")
	}
	if got := f.text(t); got != "say hello world now" {
		t.Errorf("text after unpaint = %q", got)
	}
}

func focusedTags(f *fixture) map[string]bool {
	out := make(map[string]bool)
	_ = f.doc.Read(func(*html.Node) error {
		for _, a := range f.guest.Anchors() {
			for _, hl := range a.Highlights {
				if dom.HasClass(hl.Node, highlight.FocusedClass) {
					out[a.Annotation.Tag] = true
				}
			}
		}
		return nil
	})
	return out
}

func TestFocusAnnotations(t *testing.T) {
	f := newFixture(t, plain, nil)
	mustAnchor(t, f.guest, newAnnotation("t1", "say"))
	mustAnchor(t, f.guest, newAnnotation("t2", "now"))

	f.guest.FocusAnnotations([]string{"t1", "t9"})
	once := focusedTags(f)
	f.guest.FocusAnnotations([]string{"t1", "t9"})
	twice := focusedTags(f)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("focus not idempotent (-once +twice):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]bool{"t1": true}, once); diff != "" {
		t.Errorf("focused (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t1", "t9"}, f.guest.FocusedAnnotationTags()); diff != "" {
		t.Errorf("FocusedAnnotationTags() (-want +got):\n%s", diff)
	}

	// Highlights painted for an already focused annotation start focused.
	mustAnchor(t, f.guest, newAnnotation("t9", "hello"))
	if !focusedTags(f)["t9"] {
		t.Error("new highlight of focused annotation not focused")
	}

	f.guest.FocusAnnotations(nil)
	if got := focusedTags(f); len(got) != 0 {
		t.Errorf("focused after clearing = %v", got)
	}
}

func TestFocusThenDetach(t *testing.T) {
	f := newFixture(t, plain, nil)
	a := newAnnotation("ta", "hello")
	mustAnchor(t, f.guest, a)
	f.guest.FocusAnnotations([]string{"ta"})
	f.guest.Detach(context.Background(), a, true)

	before := f.doc.String()
	f.guest.FocusAnnotations(nil)
	if after := f.doc.String(); after != before {
		t.Errorf("unfocusing a detached annotation changed the tree:\n%s\n%s", before, after)
	}
	if len(f.guest.Anchors()) != 0 {
		t.Error("detached annotation still anchored")
	}
}

// gatedIntegration blocks the first Anchor call until released.
type gatedIntegration struct {
	integration.Integration
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedIntegration) Anchor(ctx context.Context, sels anchoring.Selectors) (anchoring.TextRange, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Integration.Anchor(ctx, sels)
}

func newGatedFixture(t *testing.T) (*fixture, *gatedIntegration) {
	t.Helper()
	gate := &gatedIntegration{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, plain, func(o *Options) {
		gate.Integration = integration.NewHTML(o.Config, integration.Deps{
			Document:    o.Document,
			Resolver:    anchoring.NewResolver(),
			Highlighter: highlight.New(nil),
			Viewport:    &dom.ScrollPosition{},
		})
		o.Integration = gate
	})
	return f, gate
}

func TestSupersededAnchorIsDropped(t *testing.T) {
	f, gate := newGatedFixture(t)
	ann := newAnnotation("t1", "hello")

	errc := make(chan error, 1)
	go func() {
		_, err := f.guest.Anchor(context.Background(), ann)
		errc <- err
	}()
	<-gate.entered

	latest := mustAnchor(t, f.guest, ann)
	close(gate.release)
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("older Anchor() error = %v, want ErrSuperseded", err)
	}
	got := f.guest.Anchors()
	if len(got) != 1 || got[0] != latest[0] {
		t.Errorf("anchors = %+v", got)
	}
	if len(f.markers()) != 1 {
		t.Errorf("markers = %d, want 1", len(f.markers()))
	}
}

func TestDetachDropsInFlightAnchor(t *testing.T) {
	f, gate := newGatedFixture(t)
	ann := newAnnotation("t1", "hello")

	errc := make(chan error, 1)
	go func() {
		_, err := f.guest.Anchor(context.Background(), ann)
		errc <- err
	}()
	<-gate.entered
	f.guest.Detach(context.Background(), ann, true)
	close(gate.release)

	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Anchor() error = %v, want ErrSuperseded", err)
	}
	if len(f.guest.Anchors()) != 0 || len(f.markers()) != 0 {
		t.Error("detached annotation was painted")
	}
}

func TestCreateAnnotation(t *testing.T) {
	f := newFixture(t, `<html><head><title>Greeting</title></head><body><p>say hello world now</p></body></html>`, nil)
	var hasSelection []bool
	listener := f.bus.CreateEmitter()
	_ = event.SubscribePayload(listener, event.HasSelectionChanged, func(_ context.Context, v bool) error {
		hasSelection = append(hasSelection, v)
		return nil
	})
	_ = event.SubscribePayload(listener, event.BeforeAnnotationCreated, func(_ context.Context, ann *annotation.Annotation) error {
		ann.Tag = "t7"
		return nil
	})

	f.guest.OnSelection(f.rangeAt(t, 4, 15), false)
	if !f.adder.shown {
		t.Fatal("adder not shown for selection")
	}

	ann, err := f.guest.CreateAnnotation(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}
	if ann.URI != "https://example.com/page" || ann.Document == nil || ann.Document.Title != "Greeting" {
		t.Errorf("annotation = %+v", ann)
	}
	if len(ann.Target) != 1 || ann.Target[0].Source != ann.URI {
		t.Fatalf("targets = %+v", ann.Target)
	}
	q, ok := ann.Target[0].Selector.Quote()
	if !ok || q.Exact != "hello world" {
		t.Errorf("quote = %+v", q)
	}
	if ann.Tag != "t7" || ann.Orphan {
		t.Errorf("tag %q orphan %v", ann.Tag, ann.Orphan)
	}
	anchors := f.guest.Anchors()
	if len(anchors) != 1 || highlightText(anchors[0].Highlights) != "hello world" {
		t.Errorf("anchors = %+v", anchors)
	}
	if _, ok := f.frame.last(crossframe.MethodOpenSidebar); !ok {
		t.Error("sidebar not opened")
	}
	if diff := cmp.Diff([]bool{true}, hasSelection); diff != "" {
		t.Errorf("hasSelectionChanged (-want +got):\n%s", diff)
	}

	// The selection was consumed; a highlight made now has no targets and
	// does not open the sidebar.
	f.frame.reset()
	hl, err := f.guest.CreateAnnotation(context.Background(), CreateOptions{Highlight: true})
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}
	if len(hl.Target) != 0 || !hl.Highlight {
		t.Errorf("highlight = %+v", hl)
	}
	if _, ok := f.frame.last(crossframe.MethodOpenSidebar); ok {
		t.Error("sidebar opened for a highlight")
	}
}

func TestCreateAnnotationWithoutURI(t *testing.T) {
	f := newFixture(t, plain, func(o *Options) { o.Config.DocumentURL = "" })
	f.guest.OnSelection(f.rangeAt(t, 4, 9), false)
	if _, err := f.guest.CreateAnnotation(context.Background(), CreateOptions{}); !errors.Is(err, integration.ErrNotApplicable) {
		t.Errorf("CreateAnnotation() error = %v, want ErrNotApplicable", err)
	}
}

func TestSelection(t *testing.T) {
	f := newFixture(t, `<p>say hello world now</p><p> </p>`, nil)
	mustAnchor(t, f.guest, newAnnotation("t1", "hello world"))

	f.guest.OnSelection(f.rangeAt(t, 10, 19), true)
	if !f.adder.shown || !f.adder.back {
		t.Errorf("adder shown %v backwards %v", f.adder.shown, f.adder.back)
	}
	if diff := cmp.Diff([]string{"t1"}, f.adder.tags); diff != "" {
		t.Errorf("annotations for selection (-want +got):\n%s", diff)
	}

	f.guest.OnSelection(f.rangeAt(t, 19, 20), false)
	if f.adder.shown {
		t.Error("whitespace selection left the adder visible")
	}
	f.guest.OnSelection(f.rangeAt(t, 5, 5), false)
	if f.adder.shown {
		t.Error("collapsed selection left the adder visible")
	}

	f.events.Dispatch(&dom.Event{Type: EventSelectionChange, Detail: Selection{Range: f.rangeAt(t, 0, 3)}})
	if !f.adder.shown {
		t.Error("selectionchange event did not show the adder")
	}
	f.events.Dispatch(&dom.Event{Type: EventSelectionChange})
	if f.adder.shown {
		t.Error("empty selectionchange event did not clear the selection")
	}
}

// movingGeometry reports the same box for every node.
type movingGeometry struct {
	mu   sync.Mutex
	rect dom.Rect
}

func (g *movingGeometry) BoundingRect(*html.Node) (dom.Rect, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rect, true
}

func (g *movingGeometry) move(r dom.Rect) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rect = r
}

func TestResizeRepositionsAdder(t *testing.T) {
	geom := &movingGeometry{rect: dom.Rect{Top: 10, Bottom: 20}}
	f := newFixture(t, plain, func(o *Options) { o.Geometry = geom })

	f.events.Dispatch(&dom.Event{Type: EventResize})
	if f.adder.showing != 0 {
		t.Fatal("resize without selection showed the adder")
	}

	f.guest.OnSelection(f.rangeAt(t, 4, 9), false)
	// Painting between selection and resize must not lose the selection.
	mustAnchor(t, f.guest, newAnnotation("t1", "hello"))
	geom.move(dom.Rect{Top: 110, Bottom: 120})
	f.events.Dispatch(&dom.Event{Type: EventResize})
	if f.adder.showing != 2 || f.adder.rect.Top != 110 {
		t.Errorf("adder shown %d times at %+v", f.adder.showing, f.adder.rect)
	}
}

func markerText(t *testing.T, f *fixture, ann *annotation.Annotation) *html.Node {
	t.Helper()
	for _, a := range f.guest.Anchors() {
		if a.Annotation == ann && len(a.Highlights) > 0 {
			return a.Highlights[0].Node.FirstChild
		}
	}
	t.Fatalf("annotation %s not painted", ann.Tag)
	return nil
}

func TestPointerEvents(t *testing.T) {
	f := newFixture(t, plain, nil)
	ann := newAnnotation("t1", "hello")
	mustAnchor(t, f.guest, ann)
	onHighlight := markerText(t, f, ann)
	var plainText *html.Node
	_ = f.doc.Read(func(*html.Node) error {
		plainText = dom.TextNodes(f.body())[0]
		return nil
	})

	// Highlights start hidden until the sidebar connects.
	f.frame.reset()
	f.events.Dispatch(&dom.Event{Type: EventMouseUp, Target: onHighlight})
	if len(f.frame.methods()) != 0 {
		t.Fatalf("hidden highlights reacted to mouseup: %v", f.frame.methods())
	}

	f.guest.SetVisibleHighlights(context.Background(), true)
	tests := []struct {
		name string
		ev   *dom.Event
		want []string
		args []string
	}{
		{name: "click highlight", ev: &dom.Event{Type: EventMouseUp, Target: onHighlight},
			want: []string{crossframe.MethodShowAnnotations, crossframe.MethodOpenSidebar}, args: []string{"t1"}},
		{name: "meta click highlight", ev: &dom.Event{Type: EventMouseUp, Target: onHighlight, MetaKey: true},
			want: []string{crossframe.MethodToggleAnnotationSelection, crossframe.MethodOpenSidebar}, args: []string{"t1"}},
		{name: "click document", ev: &dom.Event{Type: EventMouseUp, Target: plainText}},
		{name: "press document", ev: &dom.Event{Type: EventMouseDown, Target: plainText},
			want: []string{crossframe.MethodCloseSidebar}},
		{name: "tap document", ev: &dom.Event{Type: EventTouchStart, Target: plainText},
			want: []string{crossframe.MethodCloseSidebar}},
		{name: "press highlight", ev: &dom.Event{Type: EventMouseDown, Target: onHighlight}},
		{name: "hover highlight", ev: &dom.Event{Type: EventMouseOver, Target: onHighlight},
			want: []string{crossframe.MethodFocusAnnotations}, args: []string{"t1"}},
		{name: "leave highlight", ev: &dom.Event{Type: EventMouseOut, Target: onHighlight},
			want: []string{crossframe.MethodFocusAnnotations}, args: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.frame.reset()
			f.events.Dispatch(tt.ev)
			if diff := cmp.Diff(tt.want, f.frame.methods()); diff != "" {
				t.Errorf("calls (-want +got):\n%s", diff)
			}
			if tt.args != nil {
				c, _ := f.frame.last(tt.want[0])
				if diff := cmp.Diff(tt.args, c.args[0]); diff != "" {
					t.Errorf("args (-want +got):\n%s", diff)
				}
			}
		})
	}
}

// sideBySide is an HTML integration that always fits beside the sidebar.
type sideBySide struct {
	integration.Integration
}

func (sideBySide) FitSideBySide(integration.SidebarLayout) bool { return true }

func TestSideBySideKeepsSidebarOpen(t *testing.T) {
	f := newFixture(t, plain, func(o *Options) {
		o.Integration = sideBySide{integration.NewHTML(o.Config, integration.Deps{
			Document:    o.Document,
			Resolver:    anchoring.NewResolver(),
			Highlighter: highlight.New(nil),
			Viewport:    &dom.ScrollPosition{},
		})}
	})
	f.guest.FitSideBySide(integration.SidebarLayout{Expanded: true, Width: 400, WindowWidth: 1400})
	if !f.guest.SideBySideActive() {
		t.Fatal("side-by-side not active")
	}
	var target *html.Node
	_ = f.doc.Read(func(*html.Node) error {
		target = dom.TextNodes(f.body())[0]
		return nil
	})
	f.events.Dispatch(&dom.Event{Type: EventMouseDown, Target: target})
	if len(f.frame.methods()) != 0 {
		t.Errorf("calls = %v", f.frame.methods())
	}
}

const positioned = `<div style="left: 0px; top: 300px; width: 400px; height: 20px">say hello world now</div>`

func TestScrollToAnnotation(t *testing.T) {
	viewport := &dom.ScrollPosition{Margin: 50}
	f := newFixture(t, positioned, func(o *Options) { o.Viewport = viewport })
	mustAnchor(t, f.guest, newAnnotation("t1", "hello world"))
	mustAnchor(t, f.guest, newAnnotation("t2", "missing"))

	var scrolled string
	f.events.AddListener(EventScrollToRange, func(ev *dom.Event) {
		scrolled = ev.Detail.(dom.Range).Text()
	})

	for _, tag := range []string{"t2", "unknown"} {
		if err := f.guest.ScrollToAnnotation(context.Background(), tag); err != nil {
			t.Fatalf("ScrollToAnnotation(%s) error = %v", tag, err)
		}
	}
	if _, top := viewport.Offset(); top != 0 || scrolled != "" {
		t.Fatalf("scrolled to annotation without highlights: top %v", top)
	}

	if err := f.guest.ScrollToAnnotation(context.Background(), "t1"); err != nil {
		t.Fatalf("ScrollToAnnotation() error = %v", err)
	}
	if scrolled != "hello world" {
		t.Errorf("scrolltorange detail = %q", scrolled)
	}
	if _, top := viewport.Offset(); top != 250 {
		t.Errorf("scroll top = %v, want 250", top)
	}
}

func TestScrollToRangeCanBeCancelled(t *testing.T) {
	viewport := &dom.ScrollPosition{Margin: 50}
	f := newFixture(t, positioned, func(o *Options) { o.Viewport = viewport })
	mustAnchor(t, f.guest, newAnnotation("t1", "hello world"))
	f.events.AddListener(EventScrollToRange, func(ev *dom.Event) { ev.PreventDefault() })

	if _, err := f.frame.invoke(t, crossframe.MethodScrollToAnnotation, "t1"); err != nil {
		t.Fatalf("scrollToAnnotation error = %v", err)
	}
	if _, top := viewport.Offset(); top != 0 {
		t.Errorf("scroll top = %v after cancelled scrolltorange", top)
	}
}

func TestSidebarHandlers(t *testing.T) {
	f := newFixture(t, plain, nil)
	listener := f.bus.CreateEmitter()
	var ready bool
	var visible []bool
	_ = listener.Subscribe(event.PanelReady, func(context.Context, any) error {
		ready = true
		return nil
	})
	_ = event.SubscribePayload(listener, event.HighlightsVisibleChanged, func(_ context.Context, v bool) error {
		visible = append(visible, v)
		return nil
	})

	f.frame.connect()
	if !ready || !f.guest.HighlightsVisible() {
		t.Errorf("after connect: ready %v visible %v", ready, f.guest.HighlightsVisible())
	}
	if !dom.HasClass(f.body(), highlight.AlwaysOnClass) {
		t.Error("highlights layer not shown")
	}

	if _, err := f.frame.invoke(t, crossframe.MethodSetVisibleHighlights, false); err != nil {
		t.Fatal(err)
	}
	if dom.HasClass(f.body(), highlight.AlwaysOnClass) || f.guest.HighlightsVisible() {
		t.Error("highlights still visible")
	}
	if diff := cmp.Diff([]bool{true, false}, visible); diff != "" {
		t.Errorf("highlightsVisibleChanged (-want +got):\n%s", diff)
	}

	if _, err := f.frame.invoke(t, crossframe.MethodFocusAnnotations, []string{"t3"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"t3"}, f.guest.FocusedAnnotationTags()); diff != "" {
		t.Errorf("focused (-want +got):\n%s", diff)
	}
	if _, err := f.frame.invoke(t, crossframe.MethodFocusAnnotations, "not a list"); err == nil {
		t.Error("expected error for malformed focus params")
	}

	got, err := f.frame.invoke(t, crossframe.MethodGetDocumentInfo)
	if err != nil {
		t.Fatalf("getDocumentInfo error = %v", err)
	}
	info := got.(DocumentInfo)
	if info.URI != "https://example.com/page" || info.FrameIdentifier != "frame-1" {
		t.Errorf("document info = %+v", info)
	}
}

func TestGetDocumentInfoFailure(t *testing.T) {
	f := newFixture(t, plain, func(o *Options) { o.Config.DocumentURL = "" })
	_, err := f.frame.invoke(t, crossframe.MethodGetDocumentInfo)
	var pe *crossframe.Error
	if !errors.As(err, &pe) || pe.Code != crossframe.CodeNotApplicable {
		t.Errorf("getDocumentInfo error = %v, want %s", err, crossframe.CodeNotApplicable)
	}
}

func TestAnnotationSyncDrivesAnchoring(t *testing.T) {
	f := newFixture(t, plain, nil)
	s, err := annsync.NewSync(f.bus, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy()

	ctx := context.Background()
	a := &annotation.Annotation{ID: "a", Target: []annotation.Target{quoteTarget("say")}}
	b := &annotation.Annotation{ID: "b", Target: []annotation.Target{quoteTarget("missing")}}
	s.Load(ctx, []*annotation.Annotation{a, b})

	if len(f.guest.Anchors()) != 2 || len(f.markers()) != 1 {
		t.Fatalf("anchors %d markers %d", len(f.guest.Anchors()), len(f.markers()))
	}
	if a.Orphan || !b.Orphan {
		t.Errorf("orphans: a %v b %v", a.Orphan, b.Orphan)
	}

	if err := s.Delete(ctx, a.Tag); err != nil {
		t.Fatal(err)
	}
	got := f.guest.Anchors()
	if len(got) != 1 || got[0].Annotation != b || len(f.markers()) != 0 {
		t.Errorf("anchors after delete = %+v", got)
	}
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, plain, nil)
	ann := newAnnotation("t1", "hello")
	mustAnchor(t, f.guest, ann)
	f.guest.OnSelection(f.rangeAt(t, 0, 3), false)

	f.guest.Destroy()
	if len(f.markers()) != 0 || len(f.guest.Anchors()) != 0 {
		t.Error("highlights left after Destroy")
	}
	if f.adder.shown {
		t.Error("adder visible after Destroy")
	}
	if n := f.events.ListenerCount(EventMouseUp); n != 0 {
		t.Errorf("%d mouseup listeners left", n)
	}
	if n := f.bus.SubscriberCount(event.AnnotationsLoaded); n != 0 {
		t.Errorf("%d annotationsLoaded subscribers left", n)
	}
	if _, err := f.guest.Anchor(context.Background(), ann); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Anchor() after Destroy error = %v", err)
	}
	f.guest.Destroy()
}

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://example.com/a#frag", "https://example.com/a"},
		{"https://example.com/a?q=1", "https://example.com/a?q=1"},
		{"urn:x-pdf:abc", "urn:x-pdf:abc"},
	}
	for _, tt := range tests {
		got, err := normalizeURI(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("normalizeURI(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
