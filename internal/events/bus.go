// Package events carries run and task changes to in-process subscribers,
// such as the run event stream served over websocket.
package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/tskmgr/pkg/model"
)

// Event types.
const (
	RunUpdated    = "run.updated"
	TaskCreated   = "task.created"
	TaskClaimed   = "task.claimed"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// allRuns is the subscription key for handlers that want every run.
const allRuns = "*"

// Event describes one change. Task is nil for run.updated.
type Event struct {
	Type  string      `json:"type"`
	RunID string      `json:"run_id"`
	Time  time.Time   `json:"time"`
	Run   *model.Run  `json:"run,omitempty"`
	Task  *model.Task `json:"task,omitempty"`
}

// Handler receives events. It is called synchronously by Publish and must
// not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	runID   string
	handler Handler
}

// Bus is a synchronous publish/subscribe bus keyed by run id.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers handler for events of runID and returns a function
// that removes the subscription.
func (b *Bus) Subscribe(runID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subs[runID] = append(b.subs[runID], subscription{id: id, runID: runID, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(runID, id) })
	}
}

// SubscribeAll registers handler for events of every run.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.Subscribe(allRuns, handler)
}

func (b *Bus) remove(runID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[runID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
}

// Publish delivers ev to the subscribers of its run, then to subscribers of
// all runs. A panicking handler is logged and skipped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[ev.RunID])+len(b.subs[allRuns]))
	targets = append(targets, b.subs[ev.RunID]...)
	targets = append(targets, b.subs[allRuns]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.safeCall(sub.handler, ev)
	}
}

func (b *Bus) safeCall(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"type", ev.Type, "run_id", ev.RunID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(ev)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
