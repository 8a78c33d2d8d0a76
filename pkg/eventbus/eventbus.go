// Package eventbus provides a typed, synchronous publish/subscribe hub.
//
// Publishers and subscribers are decoupled: a publisher does not know how
// many subscribers an event type has, and a subscriber does not know who
// publishes. Delivery is synchronous and in subscription order, so two
// subscribers of the same events always observe them in the same relative
// order.
package eventbus

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/cyclopcam/logs"
)

// PanicHandler is invoked when a subscriber panics during delivery.
// The remaining subscribers still receive the event.
type PanicHandler func(event any, recovered any)

type handlerEntry struct {
	id int64
	fn func(event any)
}

// Bus delivers events to subscribers, keyed by the event's concrete type.
// Safe for concurrent Publish and Subscribe from any goroutine.
type Bus struct {
	log     logs.Log
	onPanic PanicHandler

	lock     sync.Mutex // Guards handlers and nextID. Never held across a handler invocation.
	handlers map[reflect.Type][]handlerEntry
	nextID   int64
}

func NewBus(logger logs.Log) *Bus {
	return &Bus{
		log:      logger,
		handlers: map[reflect.Type][]handlerEntry{},
	}
}

// SetPanicHandler installs a hook that is told about subscriber panics,
// in addition to the panic being logged. Used by the orchestrator to feed
// its structured error channel.
func (b *Bus) SetPanicHandler(h PanicHandler) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.onPanic = h
}

// Subscribe registers fn to receive every published event of type T.
// Returns a subscription ID that can be passed to Unsubscribe.
func Subscribe[T any](b *Bus, fn func(ev T)) int64 {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], handlerEntry{
		id: id,
		fn: func(event any) {
			fn(event.(T))
		},
	})
	return id
}

// Unsubscribe removes a subscription created by Subscribe.
// Removing an unknown ID is a no-op.
func (b *Bus) Unsubscribe(id int64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for t, list := range b.handlers {
		for i, entry := range list {
			if entry.id == id {
				b.handlers[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev synchronously to all subscribers of ev's concrete
// type, in subscription order. A subscriber panic is recovered, logged, and
// reported to the panic handler; it never aborts delivery to the remaining
// subscribers, and never propagates to the publisher.
//
// We snapshot the handler list before invoking anything, so a handler that
// subscribes, unsubscribes, or publishes from within its callback cannot
// deadlock its own call path.
func (b *Bus) Publish(ev any) {
	t := reflect.TypeOf(ev)
	b.lock.Lock()
	list := b.handlers[t]
	snapshot := make([]handlerEntry, len(list))
	copy(snapshot, list)
	onPanic := b.onPanic
	b.lock.Unlock()

	for _, entry := range snapshot {
		b.deliver(entry, ev, onPanic)
	}
}

func (b *Bus) deliver(entry handlerEntry, ev any, onPanic PanicHandler) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.Errorf("Event subscriber panic on %v: %v", reflect.TypeOf(ev), r)
			}
			if onPanic != nil {
				onPanic(ev, r)
			}
		}
	}()
	entry.fn(ev)
}

// NumSubscribers returns the number of subscribers for the concrete type of ev.
func (b *Bus) NumSubscribers(ev any) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.handlers[reflect.TypeOf(ev)])
}

func (b *Bus) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	n := 0
	for _, list := range b.handlers {
		n += len(list)
	}
	return fmt.Sprintf("eventbus(%v types, %v subscribers)", len(b.handlers), n)
}
