package dom

import (
	"sync"

	"golang.org/x/net/html"
)

// Event is an input or custom event delivered by the host.
type Event struct {
	Type       string
	Target     *html.Node
	MetaKey    bool
	CtrlKey    bool
	Cancelable bool
	Detail     any

	defaultPrevented bool
}

// PreventDefault cancels the default action of a cancelable event.
func (e *Event) PreventDefault() {
	if e.Cancelable {
		e.defaultPrevented = true
	}
}

func (e *Event) DefaultPrevented() bool {
	return e.defaultPrevented
}

type Listener func(*Event)

// EventTarget accepts listeners. The returned func removes the listener.
type EventTarget interface {
	AddListener(eventType string, fn Listener) (remove func())
}

// Events is an EventTarget hosts dispatch into.
type Events struct {
	mu        sync.Mutex
	next      int
	listeners map[string]map[int]Listener
	order     map[string][]int
}

func NewEvents() *Events {
	return &Events{
		listeners: make(map[string]map[int]Listener),
		order:     make(map[string][]int),
	}
}

func (e *Events) AddListener(eventType string, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	if e.listeners[eventType] == nil {
		e.listeners[eventType] = make(map[int]Listener)
	}
	e.listeners[eventType][id] = fn
	e.order[eventType] = append(e.order[eventType], id)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[eventType], id)
	}
}

// Dispatch delivers ev to every listener of its type in registration order
// and reports whether the default action should run.
func (e *Events) Dispatch(ev *Event) bool {
	e.mu.Lock()
	var fns []Listener
	for _, id := range e.order[ev.Type] {
		if fn, ok := e.listeners[ev.Type][id]; ok {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return !ev.DefaultPrevented()
}

// ListenerCount returns the number of live listeners for a type.
func (e *Events) ListenerCount(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[eventType])
}

// ListenerCollection tracks registered listeners so they can be removed in
// one call.
type ListenerCollection struct {
	mu      sync.Mutex
	removes []func()
}

func (c *ListenerCollection) Add(target EventTarget, eventType string, fn Listener) {
	remove := target.AddListener(eventType, fn)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removes = append(c.removes, remove)
}

func (c *ListenerCollection) RemoveAll() {
	c.mu.Lock()
	removes := c.removes
	c.removes = nil
	c.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}
