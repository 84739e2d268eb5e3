package integration

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/dom"
	"golang.org/x/net/html"
)

// HTMLIntegration handles plain web pages. Selectors are resolved against
// the document body.
type HTMLIntegration struct {
	cfg  config.Config
	deps Deps
}

func NewHTML(cfg config.Config, deps Deps) *HTMLIntegration {
	deps.defaults()
	return &HTMLIntegration{cfg: cfg, deps: deps}
}

func (h *HTMLIntegration) Anchor(ctx context.Context, selectors anchoring.Selectors) (anchoring.TextRange, error) {
	var tr anchoring.TextRange
	err := h.deps.Document.Read(func(*html.Node) error {
		r, err := h.deps.Resolver.Anchor(ctx, h.deps.Document.Body(), selectors)
		if err != nil {
			return err
		}
		tr, err = anchoring.FromRange(r)
		return err
	})
	return tr, err
}

func (h *HTMLIntegration) Describe(ctx context.Context, r dom.Range) (anchoring.Selectors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.deps.Resolver.Describe(h.deps.Document.Body(), r)
}

func (h *HTMLIntegration) ScrollToAnchor(ctx context.Context, a *annotation.Anchor) error {
	return scrollToHighlights(ctx, h.deps, a)
}

func (h *HTMLIntegration) ContentContainer() *html.Node {
	return h.deps.Document.Body()
}

// FitSideBySide is not supported for web pages; their layout is owned by
// the page itself.
func (h *HTMLIntegration) FitSideBySide(SidebarLayout) bool {
	return false
}

// URI returns the canonical link of the page, or the configured document
// URL when it declares none.
func (h *HTMLIntegration) URI(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var canonical string
	_ = h.deps.Document.Read(func(*html.Node) error {
		for _, link := range headLinks(h.deps.Document.Head()) {
			if link.Rel == "canonical" {
				canonical = link.Href
				break
			}
		}
		return nil
	})
	if canonical != "" {
		return resolveURL(h.cfg.DocumentURL, canonical), nil
	}
	if h.cfg.DocumentURL == "" {
		return "", fmt.Errorf("%w: document has no URL", ErrNotApplicable)
	}
	return h.cfg.DocumentURL, nil
}

// Metadata collects the title, meta tags, links and favicon declared in
// the page head.
func (h *HTMLIntegration) Metadata(ctx context.Context) (annotation.DocumentMetadata, error) {
	if err := ctx.Err(); err != nil {
		return annotation.DocumentMetadata{}, err
	}
	var meta annotation.DocumentMetadata
	_ = h.deps.Document.Read(func(*html.Node) error {
		meta = headMetadata(h.deps.Document.Head(), h.cfg.DocumentURL)
		return nil
	})
	if h.cfg.DocumentURL != "" {
		meta.Link = append(meta.Link, annotation.Link{Href: h.cfg.DocumentURL})
	}
	return meta, nil
}

func (h *HTMLIntegration) Destroy() {}

func headMetadata(head *html.Node, base string) annotation.DocumentMetadata {
	meta := annotation.DocumentMetadata{Meta: make(map[string][]string)}
	if head == nil {
		return meta
	}
	if title := dom.Find(head, dom.Tag("title")); title != nil {
		meta.Title = strings.TrimSpace(dom.TextContent(title))
	}
	for _, m := range dom.FindAll(head, dom.Tag("meta")) {
		name := dom.Attr(m, "name")
		if name == "" {
			name = dom.Attr(m, "property")
		}
		content := dom.Attr(m, "content")
		if name == "" || content == "" {
			continue
		}
		meta.Meta[name] = append(meta.Meta[name], content)
	}
	if meta.Title == "" {
		if titles := meta.Meta["og:title"]; len(titles) > 0 {
			meta.Title = titles[0]
		}
	}
	for _, link := range headLinks(head) {
		switch link.Rel {
		case "icon", "shortcut icon":
			if meta.Favicon == "" {
				meta.Favicon = resolveURL(base, link.Href)
			}
		case "alternate", "canonical":
			link.Href = resolveURL(base, link.Href)
			meta.Link = append(meta.Link, link)
		}
	}
	return meta
}

func headLinks(head *html.Node) []annotation.Link {
	if head == nil {
		return nil
	}
	var links []annotation.Link
	for _, n := range dom.FindAll(head, dom.Tag("link")) {
		href := dom.Attr(n, "href")
		if href == "" {
			continue
		}
		links = append(links, annotation.Link{
			Href: href,
			Rel:  strings.ToLower(strings.TrimSpace(dom.Attr(n, "rel"))),
			Type: dom.Attr(n, "type"),
		})
	}
	return links
}

// resolveURL resolves ref against base, returning ref unchanged when either
// does not parse.
func resolveURL(base, ref string) string {
	if base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
