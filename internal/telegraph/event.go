package telegraph

import (
	"strings"
	"sync"
)

// EventName is a dot-separated event name split into segments, e.g.
// "message.group" -> ["message", "group"]. The first segment is the post
// type, the second the detail type, the remainder the sub type.
type EventName []string

// ParseEventName splits name on dots, dropping empty segments.
func ParseEventName(name string) EventName {
	var segs EventName
	for _, s := range strings.Split(name, ".") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func (n EventName) String() string { return strings.Join(n, ".") }

// PostType returns the first segment.
func (n EventName) PostType() string {
	if len(n) == 0 {
		return ""
	}
	return n[0]
}

// DetailType returns the second segment.
func (n EventName) DetailType() string {
	if len(n) < 2 {
		return ""
	}
	return n[1]
}

// SubType joins every segment after the second.
func (n EventName) SubType() string {
	if len(n) < 3 {
		return ""
	}
	return strings.Join(n[2:], ".")
}

// Prefixes returns each dotted prefix of the name, shortest first:
// "a.b.c" -> ["a", "a.b", "a.b.c"].
func (n EventName) Prefixes() []string {
	out := make([]string, len(n))
	for i := range n {
		out[i] = strings.Join(n[:i+1], ".")
	}
	return out
}

// Event is what listeners receive. PostType, DetailType and SubType are
// synthesized from Name.
type Event struct {
	Name       string
	PostType   string
	DetailType string
	SubType    string
	Data       any
}

// Fields returns the synthesized fields under their wire names:
// "post_type", "<post_type>_type" and "sub_type".
func (e Event) Fields() map[string]string {
	return map[string]string{
		"post_type":          e.PostType,
		e.PostType + "_type": e.DetailType,
		"sub_type":           e.SubType,
	}
}

// Listener handles an emitted event.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// EventBus delivers events to listeners registered on any prefix of the
// event name. Listeners run synchronously on the emitting goroutine.
type EventBus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]subscription
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[string][]subscription)}
}

// On registers fn for name and every event nested under it. The returned
// function removes the registration.
func (b *EventBus) On(name string, fn Listener) func() {
	key := ParseEventName(name).String()
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[key] = append(b.listeners[key], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[key]
		for i, s := range subs {
			if s.id == id {
				b.listeners[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Once registers fn to run for at most one event.
func (b *EventBus) Once(name string, fn Listener) func() {
	var once sync.Once
	var remove func()
	ready := make(chan struct{})
	remove = b.On(name, func(e Event) {
		<-ready
		once.Do(func() {
			remove()
			fn(e)
		})
	})
	close(ready)
	return remove
}

// Emit publishes data under name. Listeners on each prefix of name fire in
// order from the shortest prefix to the full name, once per prefix.
func (b *EventBus) Emit(name string, data any) {
	n := ParseEventName(name)
	evt := Event{
		Name:       n.String(),
		PostType:   n.PostType(),
		DetailType: n.DetailType(),
		SubType:    n.SubType(),
		Data:       data,
	}
	for _, prefix := range n.Prefixes() {
		b.mu.RLock()
		subs := append([]subscription(nil), b.listeners[prefix]...)
		b.mu.RUnlock()
		for _, s := range subs {
			s.fn(evt)
		}
	}
}
