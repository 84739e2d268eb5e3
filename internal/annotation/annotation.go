// Package annotation defines the annotation records the anchoring engine
// consumes and the anchors it produces for them.
package annotation

import (
	"chronicle/annotator/internal/anchoring"
	"chronicle/annotator/internal/highlight"
)

// Link is a document link recorded in metadata.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel,omitempty"`
	Type string `json:"type,omitempty"`
}

// DocumentMetadata describes the annotated document.
type DocumentMetadata struct {
	Title    string              `json:"title,omitempty"`
	Link     []Link              `json:"link,omitempty"`
	Filename string              `json:"filename,omitempty"`
	Favicon  string              `json:"favicon,omitempty"`
	Meta     map[string][]string `json:"meta,omitempty"`
}

// Target is one region an annotation points at. A target without selectors
// refers to the whole document.
type Target struct {
	Source   string              `json:"source,omitempty"`
	Selector anchoring.Selectors `json:"selector,omitempty"`
}

// Anchorable reports whether the target carries a quote to anchor by.
func (t Target) Anchorable() bool {
	return t.Selector.Anchorable()
}

// Annotation is owned by the annotation list. The anchoring engine writes
// only Orphan; Tag is assigned by the sync layer.
type Annotation struct {
	ID       string            `json:"id,omitempty"`
	URI      string            `json:"uri"`
	Document *DocumentMetadata `json:"document,omitempty"`
	Target   []Target          `json:"target"`
	Text     string            `json:"text,omitempty"`
	Tags     []string          `json:"tags,omitempty"`

	// Tag identifies the annotation across frames.
	Tag string `json:"$tag"`
	// Orphan is set when every anchorable target failed to anchor.
	Orphan bool `json:"$orphan,omitempty"`
	// Highlight marks annotations saved without prompting for a comment.
	Highlight bool `json:"$highlight,omitempty"`
}

// Anchor associates one target of an annotation with the region it resolved
// to and the highlights painted for it. Range is nil when the target did not
// resolve; Highlights is nil when the range could not be painted.
type Anchor struct {
	Annotation *Annotation
	Target     Target
	Range      *anchoring.TextRange
	Highlights []*highlight.Highlight
	// PageNumber is the one-based page of a paged document the range was
	// resolved on, or zero. It outlives the text layer the range points
	// into.
	PageNumber int
}

// Tags returns the tags of the annotations, in order.
func Tags(anns []*Annotation) []string {
	tags := make([]string, 0, len(anns))
	for _, a := range anns {
		tags = append(tags, a.Tag)
	}
	return tags
}
