package integration

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
)

// OpenPDFFile reads the identity of a PDF file: its fingerprint from the
// trailer ID, its title from the document information dictionary and its
// page count from the page tree.
func OpenPDFFile(fname string) (DocumentInfo, error) {
	r, err := pdf.Open(fname)
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("open pdf %s: %w", fname, err)
	}
	defer r.Close()

	info := DocumentInfo{
		Fingerprint: fingerprint(r.ID),
		URL:         fileURL(fname),
	}
	if docInfo, err := r.GetInfo(); err == nil && docInfo != nil {
		info.Title = strings.TrimSpace(string(docInfo.Title))
	}

	pages, err := pagetree.NewReader(r)
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("read page tree: %w", err)
	}
	count, err := pages.NumPages()
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("count pages: %w", err)
	}
	info.PageCount = int(count)
	return info, nil
}

// fingerprint is the hex form of the permanent file identifier, the first
// element of the trailer ID.
func fingerprint(id [][]byte) string {
	if len(id) == 0 || len(id[0]) == 0 {
		return ""
	}
	return hex.EncodeToString(id[0])
}

func fileURL(fname string) string {
	abs, err := filepath.Abs(fname)
	if err != nil {
		abs = fname
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
