package bus

import (
	"fmt"
	"sync"
	"time"
)

// historyLimit bounds the rolling event history kept for replay/debugging.
const historyLimit = 1000

// Handler receives events synchronously on the publisher's goroutine. It
// must not block for long and must not assume it runs concurrently with
// anything.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus delivers events to subscribers synchronously, in subscription order.
// A handler panic is recovered and republished as a SystemError event; a
// panicking SystemError handler is dropped silently so error reporting can
// never feed back into itself. Construct one Bus per process (or per test)
// and pass it explicitly; there is no package-level instance.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[Kind][]subscription
	history []Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers a handler for one event kind and returns a function
// that removes it. The returned function is idempotent and safe to call
// from inside a handler during delivery.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == id {
				b.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps the event time if unset, records it in the rolling history,
// and delivers it to every handler registered for its kind before returning.
// Handlers registered or removed during delivery take effect on the next
// Publish; the current delivery uses a snapshot.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
	snapshot := make([]subscription, len(b.subs[ev.Kind]))
	copy(snapshot, b.subs[ev.Kind])
	b.mu.Unlock()

	for _, s := range snapshot {
		b.deliver(s.fn, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ev.Kind == SystemError {
			return
		}
		b.Publish(Event{
			Kind: SystemError,
			Text: fmt.Sprintf("handler panic on %s: %v", ev.Kind, r),
		})
	}()
	h(ev)
}

// History returns the retained events of the given kind, oldest first. An
// empty kind returns everything retained. The result is a copy.
func (b *Bus) History(kind Kind) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.history {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
