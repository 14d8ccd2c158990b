package service

import "time"

// EventType identifies a service event
type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
	EventDeleted  EventType = "deleted"
)

// Event is pushed to subscribers. For one download attempt the events arrive
// in order and EventFinished is the last one.
type Event struct {
	Type     EventType    `json:"type"`
	ModelID  string       `json:"modelId"`
	Progress ProgressView `json:"progress"`
	Error    string       `json:"error,omitempty"`
	Time     time.Time    `json:"time"`
}

// Listener receives events on the transfer goroutine and must not block
type Listener func(Event)

// Subscribe registers a listener and returns a function removing it
func (s *Service) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Service) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.lmu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.lmu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
