// Package annsync assigns the soft tags that identify annotations across
// frames and keeps the set of annotations loaded into a document.
package annsync

import (
	"context"
	"strconv"
	"sync"

	"chronicle/annotator/internal/annotation"
)

// Tagger hands out tags. An annotation with an ID keeps its tag for as
// long as it is not released.
type Tagger interface {
	Tag(ctx context.Context, ann *annotation.Annotation) (string, error)
	Release(ctx context.Context, ann *annotation.Annotation) error
}

func formatTag(n int64) string {
	return "t" + strconv.FormatInt(n, 10)
}

// MemoryTagger numbers annotations t1, t2, ... within one process.
type MemoryTagger struct {
	mu    sync.Mutex
	next  int64
	byID  map[string]string
	local map[*annotation.Annotation]string
}

func NewMemoryTagger() *MemoryTagger {
	return &MemoryTagger{
		byID:  make(map[string]string),
		local: make(map[*annotation.Annotation]string),
	}
}

func (m *MemoryTagger) Tag(ctx context.Context, ann *annotation.Annotation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ann.ID != "" {
		if tag, ok := m.byID[ann.ID]; ok {
			return tag, nil
		}
	} else if tag, ok := m.local[ann]; ok {
		return tag, nil
	}
	m.next++
	tag := formatTag(m.next)
	if ann.ID != "" {
		m.byID[ann.ID] = tag
	} else {
		m.local[ann] = tag
	}
	return tag, nil
}

func (m *MemoryTagger) Release(ctx context.Context, ann *annotation.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, ann.ID)
	delete(m.local, ann)
	return nil
}
