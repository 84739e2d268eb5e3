package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Service struct {
	timeout time.Duration
	// printPDF converts HTML to PDF. Tests replace it.
	printPDF func(ctx context.Context, html string, timeout time.Duration) ([]byte, error)
}

func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{timeout: timeout, printPDF: printPDF}
}

// Export renders the request in its format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	name := sanitizeFilename(req.Title)
	switch req.Format {
	case FormatJSON:
		data, err := json.MarshalIndent(req.Annotations, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode annotations: %w", err)
		}
		return &Result{Data: data, Filename: name + ".json", MimeType: "application/json"}, nil
	case FormatHTML, "":
		html, err := renderHTML(req)
		if err != nil {
			return nil, err
		}
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		html, err := renderHTML(req)
		if err != nil {
			return nil, err
		}
		data, err := s.printPDF(ctx, html, s.timeout)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, req.Format)
	}
}

// renderHTML serialises the highlighted document, with the annotation
// report placed at the end of its body when requested.
func renderHTML(req Request) (string, error) {
	if req.Document == nil {
		return "", fmt.Errorf("export %q: no document", req.Title)
	}
	var buf bytes.Buffer
	if err := req.Document.Render(&buf); err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	html := buf.String()
	if !req.IncludeReport || len(req.Annotations) == 0 {
		return html, nil
	}
	report, err := RenderReport(req.Title, req.Annotations)
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	if i := strings.LastIndex(html, "</body>"); i >= 0 {
		return html[:i] + report + html[i:], nil
	}
	return html + report, nil
}
