package syncer

import (
	"sync"
	"time"
)

// EventType names a notification emitted by the Manager.
type EventType string

const (
	EventFailed                      EventType = "failed"
	EventFinished                    EventType = "finished"
	EventRemoteToLocalSyncPaused     EventType = "remoteToLocalSyncPaused"
	EventRemoteToLocalSyncStopped    EventType = "remoteToLocalSyncStopped"
	EventSendLocalChangesPaused      EventType = "sendLocalChangesPaused"
	EventSendLocalChangesStopped     EventType = "sendLocalChangesStopped"
	EventWillRepeatRemoteToLocalSync EventType = "willRepeatRemoteToLocalSyncAfterSendingChanges"
	EventConflictDetected            EventType = "detectedConflictDuringLocalChangesSending"
	EventRateLimitExceeded           EventType = "rateLimitExceeded"
	EventRemoteToLocalSyncDone       EventType = "remoteToLocalSyncDone"
	EventProgress                    EventType = "progress"
	EventStateChanged                EventType = "stateChanged"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType `json:"type"`
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id,omitempty"`

	Description           string  `json:"description,omitempty"`            // failed
	PendingAuthentication bool    `json:"pending_authentication,omitempty"` // paused
	SecondsToWait         int     `json:"seconds_to_wait,omitempty"`        // rateLimitExceeded
	Message               string  `json:"message,omitempty"`                // progress
	Percentage            float64 `json:"percentage,omitempty"`             // progress
	State                 State   `json:"state,omitempty"`                  // stateChanged
}

// Subscriber receives events in emission order on its own goroutine.
type Subscriber func(Event)

type subscription struct {
	fn Subscriber

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscription(fn Subscriber) *subscription {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.fn(ev)
		}
	}
}

// bus fans events out to subscribers without ever blocking the emitter.
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

func newBus() *bus {
	return &bus{subs: make(map[int]*subscription)}
}

func (b *bus) subscribe(fn Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := newSubscription(fn)
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

// publish must be called with the emitter's ordering lock held so that the
// queue order matches the order of state transitions.
func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(ev)
	}
}
