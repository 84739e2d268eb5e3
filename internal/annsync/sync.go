package annsync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/event"
)

// Sync tags annotations as they are loaded or created and tells the bus
// about loads and deletions.
type Sync struct {
	emitter *event.Emitter
	tagger  Tagger
	logger  *log.Logger

	mu    sync.Mutex
	order []*annotation.Annotation
	byTag map[string]*annotation.Annotation
}

func NewSync(bus *event.Bus, tagger Tagger, logger *log.Logger) (*Sync, error) {
	if tagger == nil {
		tagger = NewMemoryTagger()
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Sync{
		emitter: bus.CreateEmitter(),
		tagger:  tagger,
		logger:  logger,
		byTag:   make(map[string]*annotation.Annotation),
	}
	err := event.SubscribePayload(s.emitter, event.BeforeAnnotationCreated, func(ctx context.Context, ann *annotation.Annotation) error {
		return s.track(ctx, ann)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sync) track(ctx context.Context, ann *annotation.Annotation) error {
	if ann.Tag == "" {
		tag, err := s.tagger.Tag(ctx, ann)
		if err != nil {
			return fmt.Errorf("tag annotation %s: %w", ann.ID, err)
		}
		ann.Tag = tag
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTag[ann.Tag]; !ok {
		s.order = append(s.order, ann)
	}
	s.byTag[ann.Tag] = ann
	return nil
}

// Load tags anns and announces them. Annotations that cannot be tagged are
// logged and left out.
func (s *Sync) Load(ctx context.Context, anns []*annotation.Annotation) []*annotation.Annotation {
	loaded := make([]*annotation.Annotation, 0, len(anns))
	for _, ann := range anns {
		if err := s.track(ctx, ann); err != nil {
			s.logger.Printf("load annotation: %v", err)
			continue
		}
		loaded = append(loaded, ann)
	}
	s.emitter.Publish(ctx, event.AnnotationsLoaded, loaded)
	return loaded
}

// Delete forgets the annotation with tag and announces its removal.
func (s *Sync) Delete(ctx context.Context, tag string) error {
	s.mu.Lock()
	ann, ok := s.byTag[tag]
	if ok {
		delete(s.byTag, tag)
		for i, a := range s.order {
			if a == ann {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete annotation: no annotation tagged %q", tag)
	}
	if err := s.tagger.Release(ctx, ann); err != nil {
		s.logger.Printf("release tag %s: %v", tag, err)
	}
	s.emitter.Publish(ctx, event.AnnotationDeleted, ann)
	return nil
}

func (s *Sync) Lookup(tag string) (*annotation.Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ann, ok := s.byTag[tag]
	return ann, ok
}

// Annotations returns the tracked annotations in the order they arrived.
func (s *Sync) Annotations() []*annotation.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*annotation.Annotation(nil), s.order...)
}

func (s *Sync) Destroy() {
	s.emitter.Destroy()
}
