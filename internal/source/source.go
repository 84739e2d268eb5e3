// Package source loads the documents the annotator works on.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/dom"
	"chronicle/annotator/internal/integration"
	"golang.org/x/net/html"
)

var ErrUnsupportedScheme = errors.New("source: unsupported scheme")

// Loaded is a document ready to annotate.
type Loaded struct {
	Document *dom.Document
	URL      string
	// PDF is set when the document is a PDF; Document then holds an empty
	// viewer with one container per page.
	PDF *integration.DocumentInfo
}

// Renderer returns the HTML of a page after scripts have run.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// ObjectStore opens objects in a bucket.
type ObjectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type Loader struct {
	Renderer Renderer
	Objects  ObjectStore
}

// NewLoader builds a loader from configuration. Object storage is only
// available when an endpoint is configured.
func NewLoader(cfg config.Config) (*Loader, error) {
	l := &Loader{Renderer: NewChromeRenderer(cfg.RenderTimeout)}
	if cfg.S3Endpoint != "" {
		store, err := NewMinioStore(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			return nil, err
		}
		l.Objects = store
	}
	return l, nil
}

// Load fetches uri, which may be a local path, a file:// URL, an http(s)
// URL or an s3://bucket/key URL.
func (l *Loader) Load(ctx context.Context, uri string) (Loaded, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return l.loadFile(uri)
	}
	switch u.Scheme {
	case "file":
		return l.loadFile(u.Path)
	case "http", "https":
		if l.Renderer == nil {
			return Loaded{}, fmt.Errorf("%w: no renderer for %s", ErrUnsupportedScheme, uri)
		}
		markup, err := l.Renderer.Render(ctx, uri)
		if err != nil {
			return Loaded{}, err
		}
		doc, err := dom.ParseString(markup)
		if err != nil {
			return Loaded{}, err
		}
		return Loaded{Document: doc, URL: uri}, nil
	case "s3":
		return l.loadObject(ctx, u)
	default:
		return Loaded{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func (l *Loader) loadFile(path string) (Loaded, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	fileURL := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	if isPDF(abs) {
		info, err := integration.OpenPDFFile(abs)
		if err != nil {
			return Loaded{}, err
		}
		return Loaded{Document: ViewerSkeleton(info.PageCount), URL: fileURL, PDF: &info}, nil
	}
	f, err := os.Open(abs)
	if err != nil {
		return Loaded{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	doc, err := dom.Parse(f)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Document: doc, URL: fileURL}, nil
}

// ParseObjectURL splits s3://bucket/key.
func ParseObjectURL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object url %s: want s3://bucket/key", u)
	}
	return bucket, key, nil
}

func (l *Loader) loadObject(ctx context.Context, u *url.URL) (Loaded, error) {
	if l.Objects == nil {
		return Loaded{}, fmt.Errorf("%w: object storage not configured", ErrUnsupportedScheme)
	}
	bucket, key, err := ParseObjectURL(u)
	if err != nil {
		return Loaded{}, err
	}
	obj, err := l.Objects.Open(ctx, bucket, key)
	if err != nil {
		return Loaded{}, err
	}
	defer obj.Close()

	if !isPDF(key) {
		doc, err := dom.Parse(obj)
		if err != nil {
			return Loaded{}, err
		}
		return Loaded{Document: doc, URL: u.String()}, nil
	}

	tmp, err := os.CreateTemp("", "annotator-*.pdf")
	if err != nil {
		return Loaded{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, obj); err != nil {
		tmp.Close()
		return Loaded{}, fmt.Errorf("download %s: %w", u, err)
	}
	if err := tmp.Close(); err != nil {
		return Loaded{}, err
	}
	info, err := integration.OpenPDFFile(tmp.Name())
	if err != nil {
		return Loaded{}, err
	}
	info.URL = u.String()
	return Loaded{Document: ViewerSkeleton(info.PageCount), URL: u.String(), PDF: &info}, nil
}

// ViewerSkeleton builds an empty PDF viewer tree with pages page
// containers, ready for text layers to be rendered into.
func ViewerSkeleton(pages int) *dom.Document {
	root := &html.Node{Type: html.DocumentNode}
	htmlEl := dom.NewElement("html", "")
	head := dom.NewElement("head", "")
	body := dom.NewElement("body", "")
	viewer := dom.NewElement("div", "pdfViewer")
	dom.SetAttr(viewer, "id", "viewer")
	for i := 1; i <= pages; i++ {
		page := dom.NewElement("div", "page")
		dom.SetAttr(page, "id", fmt.Sprintf("pageContainer%d", i))
		dom.SetAttr(page, "data-page-number", fmt.Sprint(i))
		wrapper := dom.NewElement("div", "canvasWrapper")
		wrapper.AppendChild(dom.NewElement("canvas", ""))
		page.AppendChild(wrapper)
		viewer.AppendChild(page)
	}
	body.AppendChild(viewer)
	htmlEl.AppendChild(head)
	htmlEl.AppendChild(body)
	root.AppendChild(htmlEl)
	return dom.NewDocument(root)
}
