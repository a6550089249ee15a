package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/oarkflow/trustkit/logger"
)

// EventHandler receives processed events. Handlers run on their own goroutine;
// a returned error is logged.
type EventHandler func(ctx context.Context, ev AuditEvent) error

type AlertHandler func(ctx context.Context, a SecurityAlert) error

// AllEvents subscribes to every event type.
const AllEvents EventType = "*"

type bus struct {
	logger logger.Logger

	mu     sync.RWMutex
	nextID int
	events map[EventType]map[int]EventHandler
	alerts map[int]AlertHandler
}

func newBus(l logger.Logger) *bus {
	return &bus{
		logger: l,
		events: make(map[EventType]map[int]EventHandler),
		alerts: make(map[int]AlertHandler),
	}
}

// Subscribe registers h for events of type t, or AllEvents. The returned
// function removes the subscription.
func (e *Engine) Subscribe(t EventType, h EventHandler) func() {
	b := e.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.events[t] == nil {
		b.events[t] = make(map[int]EventHandler)
	}
	b.events[t][id] = h
	return func() {
		b.mu.Lock()
		delete(b.events[t], id)
		b.mu.Unlock()
	}
}

// SubscribeAlerts registers h for every new alert.
func (e *Engine) SubscribeAlerts(h AlertHandler) func() {
	b := e.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.alerts[id] = h
	return func() {
		b.mu.Lock()
		delete(b.alerts, id)
		b.mu.Unlock()
	}
}

func (b *bus) publish(ctx context.Context, wg *sync.WaitGroup, ev AuditEvent) {
	b.mu.RLock()
	var handlers []EventHandler
	for _, h := range b.events[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.events[AllEvents] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer b.rescue("event", ev.ID)
			if err := h(context.WithoutCancel(ctx), ev.clone()); err != nil {
				b.logger.Error("event handler failed", "event", ev.ID, "error", err)
			}
		}(h)
	}
}

func (b *bus) publishAlert(ctx context.Context, wg *sync.WaitGroup, a SecurityAlert) {
	b.mu.RLock()
	handlers := make([]AlertHandler, 0, len(b.alerts))
	for _, h := range b.alerts {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		wg.Add(1)
		go func(h AlertHandler) {
			defer wg.Done()
			defer b.rescue("alert", a.ID)
			if err := h(context.WithoutCancel(ctx), a.clone()); err != nil {
				b.logger.Error("alert handler failed", "alert", a.ID, "error", err)
			}
		}(h)
	}
}

func (b *bus) rescue(kind, id string) {
	if r := recover(); r != nil {
		b.logger.Error("subscriber panicked", kind, id, "panic", fmt.Sprint(r))
	}
}
