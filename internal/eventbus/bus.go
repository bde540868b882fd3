// Package eventbus fans delivery lifecycle signals out to in-process
// observers. The event vocabulary lives with the publishers: the delivery
// coordinator declares its types (delivery.opened, delivery.dispatched, ...)
// next to the code that emits them.
package eventbus

import (
	"sync"
	"time"
)

// Type names one kind of event, namespaced by its publisher
// ("delivery.opened").
type Type string

// Event is a point-in-time signal. Data is small and publisher-defined.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// Bus delivers events to every subscriber without ever blocking the
// publisher. A subscriber that falls behind loses events, not ordering.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch   chan Event
	gone bool
}

// Publish sends e to every live subscriber. Sends and channel closes are
// serialized under one lock, so an unsubscribe racing a publish can never
// panic the publisher.
func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	for _, s := range b.subs {
		if s.gone {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Full buffer: this subscriber skips the event.
		}
	}
	b.mu.Unlock()
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if !s.gone {
			s.gone = true
			close(s.ch)
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
	}
	return s.ch, unsubscribe
}
