package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Document owns a parsed tree. Its lock serialises readers of the tree
// against the writers that insert and remove highlight markers.
type Document struct {
	mu   sync.RWMutex
	root *html.Node
}

func NewDocument(root *html.Node) *Document {
	return &Document{root: root}
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return NewDocument(root), nil
}

// ParseString is Parse for in-memory markup.
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Root returns the document node. Callers must hold the lock through Read or
// Write while walking it.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the body element, or the document node when there is none.
func (d *Document) Body() *html.Node {
	if body := Find(d.root, Tag("body")); body != nil {
		return body
	}
	return d.root
}

// Head returns the head element, or nil.
func (d *Document) Head() *html.Node {
	return Find(d.root, Tag("head"))
}

func (d *Document) Read(fn func(root *html.Node) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.root)
}

func (d *Document) Write(fn func(root *html.Node) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.root)
}

// Render serialises the current tree.
func (d *Document) Render(w io.Writer) error {
	return d.Read(func(root *html.Node) error {
		return html.Render(w, root)
	})
}

// String renders the document, returning an empty string on failure.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}
