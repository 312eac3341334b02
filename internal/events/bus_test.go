package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublish_RoutesByRun(t *testing.T) {
	bus := testBus()

	var got1, got2, gotAll []string
	bus.Subscribe("run_1", func(ev Event) { got1 = append(got1, ev.Type) })
	bus.Subscribe("run_2", func(ev Event) { got2 = append(got2, ev.Type) })
	bus.SubscribeAll(func(ev Event) { gotAll = append(gotAll, ev.RunID) })

	bus.Publish(Event{Type: TaskCreated, RunID: "run_1"})
	bus.Publish(Event{Type: RunUpdated, RunID: "run_1"})
	bus.Publish(Event{Type: TaskClaimed, RunID: "run_2"})

	if len(got1) != 2 || got1[0] != TaskCreated || got1[1] != RunUpdated {
		t.Errorf("run_1 events = %v", got1)
	}
	if len(got2) != 1 || got2[0] != TaskClaimed {
		t.Errorf("run_2 events = %v", got2)
	}
	if len(gotAll) != 3 {
		t.Errorf("wildcard events = %v, want 3", gotAll)
	}
}

func TestPublish_SetsTime(t *testing.T) {
	bus := testBus()
	var ev Event
	bus.Subscribe("run_1", func(e Event) { ev = e })
	bus.Publish(Event{Type: RunUpdated, RunID: "run_1"})
	if ev.Time.IsZero() {
		t.Error("event time not set")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := testBus()
	calls := 0
	unsub := bus.Subscribe("run_1", func(Event) { calls++ })
	other := bus.Subscribe("run_1", func(Event) {})

	if n := bus.SubscriptionCount(); n != 2 {
		t.Fatalf("subscriptions = %d, want 2", n)
	}
	unsub()
	unsub() // second call is a no-op
	bus.Publish(Event{Type: RunUpdated, RunID: "run_1"})

	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe", calls)
	}
	if n := bus.SubscriptionCount(); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}
	other()
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}

func TestPublish_RecoversFromPanic(t *testing.T) {
	bus := testBus()
	reached := false
	bus.Subscribe("run_1", func(Event) { panic("boom") })
	bus.Subscribe("run_1", func(Event) { reached = true })

	bus.Publish(Event{Type: RunUpdated, RunID: "run_1"})
	if !reached {
		t.Error("handler after panicking handler was not called")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := testBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe("run_1", func(Event) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TaskCompleted, RunID: "run_1"})
		}()
	}
	wg.Wait()
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}
