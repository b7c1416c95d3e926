package runstate

import "sync"

// subscriberBuffer bounds a viewer's pending queue. Ingest never blocks: a
// queue that fills up (stuck viewer) is marked dead and removed on the next
// publish iteration.
const subscriberBuffer = 1024

// Subscriber is an ephemeral queue attached to one test case for live
// streaming. It is owned by the viewer connection for its lifetime.
type Subscriber struct {
	ch chan []byte

	mu     sync.Mutex
	closed bool
}

func newSubscriber() *Subscriber {
	return &Subscriber{ch: make(chan []byte, subscriberBuffer)}
}

// C is the channel the viewer drains.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// publish enqueues a frame without blocking. Returns false if the queue is
// closed or full; the caller then drops this subscriber.
func (s *Subscriber) publish(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

// close marks the subscriber dead and closes its channel once.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe attaches a new queue to a test case, identified by full name.
func (a *ActiveRun) Subscribe(fullName string) *Subscriber {
	sub := newSubscriber()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers[fullName] = append(a.subscribers[fullName], sub)
	return sub
}

// Unsubscribe detaches a queue. Safe to call after the run was removed.
func (a *ActiveRun) Unsubscribe(fullName string, sub *Subscriber) {
	a.mu.Lock()
	subs := a.subscribers[fullName]
	for i, s := range subs {
		if s == sub {
			a.subscribers[fullName] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	sub.close()
}

// PublishToCase fans a frame out to every queue attached to the case.
// Subscribers whose queue is full or closed are removed after the iteration;
// ingest never waits on a viewer.
func (a *ActiveRun) PublishToCase(fullName string, frame []byte) {
	a.mu.RLock()
	subs := make([]*Subscriber, len(a.subscribers[fullName]))
	copy(subs, a.subscribers[fullName])
	a.mu.RUnlock()

	var dead []*Subscriber
	for _, sub := range subs {
		if !sub.publish(frame) {
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		a.Unsubscribe(fullName, sub)
	}
}

// SubscriberCount returns the number of queues attached to a case.
// Used by tests to poll instead of sleeping.
func (a *ActiveRun) SubscriberCount(fullName string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subscribers[fullName])
}

func (a *ActiveRun) closeAllSubscribers() {
	a.mu.Lock()
	all := a.subscribers
	a.subscribers = make(map[string][]*Subscriber)
	a.mu.Unlock()
	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
}
