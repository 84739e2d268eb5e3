// Package export writes an annotated document out as HTML, PDF or JSON.
package export

import (
	"errors"
	"path/filepath"
	"strings"

	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/dom"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file name's extension. Anything that is
// not a PDF or JSON file gets HTML.
func FormatFor(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".json":
		return FormatJSON
	default:
		return FormatHTML
	}
}

// Request contains parameters for an export operation
type Request struct {
	Title       string
	Format      Format
	Document    *dom.Document
	Annotations []*annotation.Annotation
	// IncludeReport appends a list of the annotations to HTML and PDF
	// output, marking the ones that could not be anchored.
	IncludeReport bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnknownFormat        = errors.New("export format unknown")
)
