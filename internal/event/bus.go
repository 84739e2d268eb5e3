// Package event is the in-process publish/subscribe bus the annotator uses to
// tell the rest of the application about anchoring, selection and
// visibility changes.
package event

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Topic names an event stream.
type Topic string

const (
	AnchorsChanged           Topic = "anchorsChanged"
	HasSelectionChanged      Topic = "hasSelectionChanged"
	HighlightsVisibleChanged Topic = "highlightsVisibleChanged"
	BeforeAnnotationCreated  Topic = "beforeAnnotationCreated"
	PanelReady               Topic = "panelReady"
	AnnotationsLoaded        Topic = "annotationsLoaded"
	AnnotationDeleted        Topic = "annotationDeleted"
)

var ErrEmitterDestroyed = errors.New("event: emitter destroyed")

// HandlerFunc receives the payload of a published event.
type HandlerFunc func(ctx context.Context, payload any) error

type subscription struct {
	id      uint64
	topic   Topic
	handler HandlerFunc
}

// Bus delivers events synchronously, in subscription order, to every
// handler of the event's topic. A failing or panicking handler is logged and
// does not stop delivery to the others.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Topic][]subscription
	logger *log.Logger
}

func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{subs: make(map[Topic][]subscription), logger: logger}
}

func (b *Bus) subscribe(topic Topic, fn HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{id: b.nextID, topic: topic, handler: fn})
	return b.nextID
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to the handlers of topic. Handlers run on the
// caller's goroutine after the bus lock is released, so they may publish or
// subscribe themselves.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		if err := b.dispatch(ctx, s, payload); err != nil {
			b.logger.Printf("event %s handler failed: %v", topic, err)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, s subscription, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, payload)
}

// SubscriberCount returns the number of handlers registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// CreateEmitter returns an emitter whose subscriptions can be removed
// together.
func (b *Bus) CreateEmitter() *Emitter {
	return &Emitter{bus: b}
}

// Emitter publishes to a bus and tracks the subscriptions it made.
type Emitter struct {
	bus *Bus

	mu        sync.Mutex
	subs      []subscription
	destroyed bool
}

// Subscribe registers fn for topic until the emitter is destroyed.
func (e *Emitter) Subscribe(topic Topic, fn HandlerFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrEmitterDestroyed
	}
	id := e.bus.subscribe(topic, fn)
	e.subs = append(e.subs, subscription{id: id, topic: topic})
	return nil
}

// Publish is a no-op once the emitter is destroyed.
func (e *Emitter) Publish(ctx context.Context, topic Topic, payload any) {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return
	}
	e.bus.Publish(ctx, topic, payload)
}

// Destroy removes every subscription made through the emitter.
func (e *Emitter) Destroy() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.destroyed = true
	e.mu.Unlock()
	for _, s := range subs {
		e.bus.unsubscribe(s.topic, s.id)
	}
}

// SubscribePayload registers a handler that only sees payloads of type T;
// events carrying anything else are skipped.
func SubscribePayload[T any](e *Emitter, topic Topic, fn func(ctx context.Context, payload T) error) error {
	return e.Subscribe(topic, func(ctx context.Context, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return nil
		}
		return fn(ctx, typed)
	})
}
