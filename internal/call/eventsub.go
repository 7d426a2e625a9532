package call

import (
	"sync"
)

const subscriberBuffer = 32

// EventSub fans events out to any number of subscribers. Publishing never
// blocks; a subscriber that stops draining loses events rather than stalling
// the engine.
type EventSub[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func NewEventSub[T any]() *EventSub[T] {
	return &EventSub[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a receive channel and its cancel function. Cancel is safe
// to call more than once.
func (s *EventSub[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber with room in its buffer.
func (s *EventSub[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Len reports the current subscriber count.
func (s *EventSub[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
