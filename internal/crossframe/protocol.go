// Package crossframe carries RPC calls between the annotated document and
// the sidebar that lists its annotations.
package crossframe

import (
	"context"
	"encoding/json"
	"fmt"

	"chronicle/annotator/internal/annotation"
)

// Inbound methods, called by the sidebar.
const (
	MethodFocusAnnotations     = "focusAnnotations"
	MethodScrollToAnnotation   = "scrollToAnnotation"
	MethodGetDocumentInfo      = "getDocumentInfo"
	MethodSetVisibleHighlights = "setVisibleHighlights"
	MethodLoadAnnotations      = "loadAnnotations"
	MethodDeleteAnnotation     = "deleteAnnotation"
	// MethodRenderTextLayer delivers the text layer of a rendered PDF page.
	MethodRenderTextLayer      = "renderTextLayer"
	// MethodLoadPageText delivers the extracted text of a PDF page that may
	// not be rendered yet.
	MethodLoadPageText         = "loadPageText"
	// MethodReleasePage reports a PDF page whose text layer was dropped.
	MethodReleasePage          = "releasePage"
)

// Outbound methods, called on the sidebar.
const (
	MethodCloseSidebar              = "closeSidebar"
	MethodOpenSidebar               = "openSidebar"
	MethodShowAnnotations           = "showAnnotations"
	MethodToggleAnnotationSelection = "toggleAnnotationSelection"
	MethodSync                      = "sync"
)

// Caller sends calls to the other side. Call does not wait for a result;
// Request waits for the first reply and decodes it into result.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) error
	Request(ctx context.Context, method string, result any, args ...any) error
}

// SyncEntry is one annotation in a sync call, keyed by its tag.
type SyncEntry struct {
	Tag string                 `json:"tag"`
	Msg *annotation.Annotation `json:"msg"`
}

// Sync sends the current state of anns, including their orphan flags, to
// the sidebar.
func Sync(ctx context.Context, c Caller, anns []*annotation.Annotation) error {
	entries := make([]SyncEntry, 0, len(anns))
	for _, ann := range anns {
		entries = append(entries, SyncEntry{Tag: ann.Tag, Msg: ann})
	}
	return c.Call(ctx, MethodSync, entries)
}

// Handler serves one inbound method. Each element of params is one
// positional argument.
type Handler func(ctx context.Context, params []json.RawMessage) (any, error)

// Receiver registers handlers for inbound calls.
type Receiver interface {
	On(method string, h Handler)
	// OnConnect registers fn to run each time a peer connects.
	OnConnect(fn func(ctx context.Context))
}

// Error is a failure returned across the frame boundary instead of a result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	CodeMethodNotFound = "method_not_found"
	CodeBadParams      = "bad_params"
	CodeHandlerFailed  = "handler_failed"
	CodeNotApplicable  = "not_applicable"
)

func protocolError(code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// AsError converts a handler failure into the error sent to the caller.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return protocolError(CodeHandlerFailed, err.Error(), nil)
}

// DecodeParams unmarshals positional params into dst, one pointer per
// param. Missing trailing params leave their destination untouched.
func DecodeParams(params []json.RawMessage, dst ...any) error {
	for i, d := range dst {
		if i >= len(params) {
			return nil
		}
		if err := json.Unmarshal(params[i], d); err != nil {
			return protocolError(CodeBadParams, fmt.Sprintf("param %d: %v", i, err), nil)
		}
	}
	return nil
}
