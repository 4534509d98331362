package watch

import (
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/Sunmxt/consul-watch/config"
)

// Subscription receives change events in emission order.
//
// Each subscription queues without bound and is drained by its own pump, so
// a slow subscriber neither loses events nor delays other subscribers.
type Subscription struct {
	ID string
	// Target is zero for subscriptions to all targets.
	Target config.WatchTarget

	ch     chan ChangeEvent
	signal chan struct{}
	done   chan struct{}

	lock     sync.Mutex
	queue    []ChangeEvent
	ended    bool
	detach   func(*Subscription)
	advances bool

	closeOnce sync.Once
}

func newSubscription(target config.WatchTarget, detach func(*Subscription)) *Subscription {
	s := &Subscription{
		ID:     uuid.NewV4().String(),
		Target: target,
		ch:     make(chan ChangeEvent),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		detach: detach,
	}
	go s.pump()
	return s
}

// C is closed after the last event once the target stops, or right away on Close.
func (s *Subscription) C() <-chan ChangeEvent {
	return s.ch
}

// Close unsubscribes. Queued events are dropped. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach(s)
		}
		close(s.done)
	})
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) push(event ChangeEvent) {
	s.lock.Lock()
	if s.ended {
		s.lock.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.lock.Unlock()
	s.notify()
}

// end marks no more events. C closes after the queue drains.
func (s *Subscription) end() {
	s.lock.Lock()
	s.ended = true
	s.lock.Unlock()
	s.notify()
}

func (s *Subscription) pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.queue)
}

func (s *Subscription) pump() {
	defer close(s.ch)

	for {
		s.lock.Lock()
		if len(s.queue) < 1 {
			ended := s.ended
			s.queue = nil
			s.lock.Unlock()
			if ended {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		s.queue[0] = ChangeEvent{}
		s.queue = s.queue[1:]
		s.lock.Unlock()

		select {
		case s.ch <- event:
		case <-s.done:
			return
		}
	}
}
