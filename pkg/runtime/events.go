package runtime

import (
	"sync"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// EventListener is called synchronously for every published event
type EventListener func(models.ExecutionEvent)

// EventBus fans execution events out to listeners and subscribers
type EventBus struct {
	mu        sync.RWMutex
	listeners []EventListener
	subs      map[int]*subscription
	nextID    int
}

type subscription struct {
	executionID string
	ch          chan models.ExecutionEvent
}

// NewEventBus creates an EventBus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscription)}
}

// AddListener registers a synchronous listener
func (b *EventBus) AddListener(l EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Subscribe returns a channel receiving events for executionID, or for all
// executions when executionID is empty. Events are dropped for subscribers
// that fall more than buffer events behind. The returned func unsubscribes
// and closes the channel.
func (b *EventBus) Subscribe(executionID string, buffer int) (<-chan models.ExecutionEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{executionID: executionID, ch: make(chan models.ExecutionEvent, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event
func (b *EventBus) Publish(event models.ExecutionEvent) {
	b.mu.RLock()
	listeners := append([]EventListener(nil), b.listeners...)
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != event.ExecutionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}
