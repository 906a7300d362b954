// Package events is the process-wide notification bus for registry and
// download center changes.
package events

import (
	"sync"
	"time"

	"loanshelf/internal/core/domain/models"
)

// Type identifies a notification.
type Type int

const (
	RegistryChanged Type = iota
	RegistryStateChanged
	SyncBegan
	SyncEnded
	BookProcessingChanged
	DownloadCenterChanged
	DownloadFailed
)

func (t Type) String() string {
	switch t {
	case RegistryChanged:
		return "registry-changed"
	case RegistryStateChanged:
		return "registry-state-changed"
	case SyncBegan:
		return "sync-began"
	case SyncEnded:
		return "sync-ended"
	case BookProcessingChanged:
		return "book-processing-changed"
	case DownloadCenterChanged:
		return "download-center-changed"
	case DownloadFailed:
		return "download-failed"
	default:
		return "unknown"
	}
}

// Event is one notification. Fields beyond Type are set only for the event
// types that carry them.
type Event struct {
	Type       Type
	BookID     string
	Processing bool
	State      string
	Failure    models.FailureKind
	Err        error
	Timestamp  time.Time
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Bus fans events out to registered handlers and channels.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	channels map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		channels: make(map[int]chan Event),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Channel returns a buffered channel that receives events until cancel is
// called. Events are dropped for a full channel.
func (b *Bus) Channel(size int) (ch <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	c := make(chan Event, size)
	b.channels[id] = c
	var once sync.Once
	return c, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.channels, id)
			b.mu.Unlock()
			close(c)
		})
	}
}

// Publish delivers e to every subscriber. Handlers run after the bus lock is
// released, so they may subscribe or publish themselves.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	for _, c := range b.channels {
		select {
		case c <- e:
		default:
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
