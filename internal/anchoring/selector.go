// Package anchoring converts between annotation selectors and regions of a
// document tree.
package anchoring

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeTextQuote    = "TextQuoteSelector"
	TypeTextPosition = "TextPositionSelector"
	TypeRange        = "RangeSelector"
)

var (
	// ErrAnchoringFailed reports that no selector of a target resolved.
	ErrAnchoringFailed = errors.New("anchoring failed")
	// ErrStaleDescriptor reports a descriptor that no longer maps onto the
	// tree it was taken from.
	ErrStaleDescriptor = errors.New("stale descriptor")
)

// Selector is one rule for relocating a region.
type Selector interface {
	SelectorType() string
}

// TextQuoteSelector locates a region by its exact text and the text around it.
type TextQuoteSelector struct {
	Exact  string `json:"exact"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

func (s *TextQuoteSelector) SelectorType() string { return TypeTextQuote }

func (s TextQuoteSelector) MarshalJSON() ([]byte, error) {
	type fields TextQuoteSelector
	return json.Marshal(struct {
		Type string `json:"type"`
		fields
	}{TypeTextQuote, fields(s)})
}

// TextPositionSelector locates a region by character offsets in the root's
// text.
type TextPositionSelector struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s *TextPositionSelector) SelectorType() string { return TypeTextPosition }

func (s TextPositionSelector) MarshalJSON() ([]byte, error) {
	type fields TextPositionSelector
	return json.Marshal(struct {
		Type string `json:"type"`
		fields
	}{TypeTextPosition, fields(s)})
}

// RangeSelector locates a region by XPaths of its boundary elements,
// relative to the root, and character offsets within them.
type RangeSelector struct {
	StartContainer string `json:"startContainer"`
	StartOffset    int    `json:"startOffset"`
	EndContainer   string `json:"endContainer"`
	EndOffset      int    `json:"endOffset"`
}

func (s *RangeSelector) SelectorType() string { return TypeRange }

func (s RangeSelector) MarshalJSON() ([]byte, error) {
	type fields RangeSelector
	return json.Marshal(struct {
		Type string `json:"type"`
		fields
	}{TypeRange, fields(s)})
}

// UnknownSelector keeps selectors of types this package does not resolve so
// they survive a round trip.
type UnknownSelector struct {
	Type string
	Raw  json.RawMessage
}

func (s *UnknownSelector) SelectorType() string { return s.Type }

func (s UnknownSelector) MarshalJSON() ([]byte, error) {
	return s.Raw, nil
}

// Selectors is the `selector` list of a target.
type Selectors []Selector

func (sels *Selectors) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Selectors, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("decode selector: %w", err)
		}
		var sel Selector
		switch head.Type {
		case TypeTextQuote:
			sel = &TextQuoteSelector{}
		case TypeTextPosition:
			sel = &TextPositionSelector{}
		case TypeRange:
			sel = &RangeSelector{}
		default:
			out = append(out, &UnknownSelector{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)})
			continue
		}
		if err := json.Unmarshal(raw, sel); err != nil {
			return fmt.Errorf("decode %s: %w", head.Type, err)
		}
		out = append(out, sel)
	}
	*sels = out
	return nil
}

func (sels Selectors) Quote() (*TextQuoteSelector, bool) {
	for _, s := range sels {
		if q, ok := s.(*TextQuoteSelector); ok {
			return q, true
		}
	}
	return nil, false
}

func (sels Selectors) Position() (*TextPositionSelector, bool) {
	for _, s := range sels {
		if p, ok := s.(*TextPositionSelector); ok {
			return p, true
		}
	}
	return nil, false
}

func (sels Selectors) Range() (*RangeSelector, bool) {
	for _, s := range sels {
		if r, ok := s.(*RangeSelector); ok {
			return r, true
		}
	}
	return nil, false
}

// Anchorable reports whether the list carries the quote every anchor is
// verified against.
func (sels Selectors) Anchorable() bool {
	_, ok := sels.Quote()
	return ok
}
