package eventbus

import (
	"sync"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type pingEvent struct {
	N int
}

type otherEvent struct {
	S string
}

func TestSubscriptionOrder(t *testing.T) {
	bus := NewBus(logs.NewTestingLog(t))
	got := []int{}
	Subscribe(bus, func(ev pingEvent) { got = append(got, 1) })
	Subscribe(bus, func(ev pingEvent) { got = append(got, 2) })
	Subscribe(bus, func(ev pingEvent) { got = append(got, 3) })
	Subscribe(bus, func(ev otherEvent) { got = append(got, 99) })
	bus.Publish(pingEvent{N: 7})
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestPanicDoesNotAbortDelivery(t *testing.T) {
	bus := NewBus(logs.NewTestingLog(t))
	panics := 0
	bus.SetPanicHandler(func(event any, recovered any) {
		panics++
	})
	delivered := 0
	Subscribe(bus, func(ev pingEvent) { delivered++ })
	Subscribe(bus, func(ev pingEvent) { panic("boom") })
	Subscribe(bus, func(ev pingEvent) { delivered++ })
	require.NotPanics(t, func() {
		bus.Publish(pingEvent{})
	})
	require.Equal(t, 2, delivered)
	require.Equal(t, 1, panics)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logs.NewTestingLog(t))
	delivered := 0
	id := Subscribe(bus, func(ev pingEvent) { delivered++ })
	bus.Publish(pingEvent{})
	bus.Unsubscribe(id)
	bus.Publish(pingEvent{})
	require.Equal(t, 1, delivered)

	// Unknown ID is a no-op
	bus.Unsubscribe(12345)
}

// A handler that re-subscribes or publishes from inside its callback must
// not deadlock.
func TestReentrancy(t *testing.T) {
	bus := NewBus(logs.NewTestingLog(t))
	nested := 0
	Subscribe(bus, func(ev pingEvent) {
		Subscribe(bus, func(ev otherEvent) { nested++ })
		bus.Publish(otherEvent{S: "nested"})
	})
	bus.Publish(pingEvent{})
	bus.Publish(pingEvent{})
	// First publish: subscribes one otherEvent handler, then publishes (1 delivery).
	// Second publish: subscribes another, then publishes to both.
	require.Equal(t, 3, nested)
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(logs.NewTestingLog(t))
	var countLock sync.Mutex
	count := 0
	Subscribe(bus, func(ev pingEvent) {
		countLock.Lock()
		count++
		countLock.Unlock()
	})
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(pingEvent{N: j})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, count)
}
