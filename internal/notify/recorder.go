package notify

import (
	"context"
	"errors"
	"sync"

	"evcharge/internal/models"
)

var errInjected = errors.New("injected publish failure")

// Recorder is an in-memory transport and notifier for tests
type Recorder struct {
	mu          sync.Mutex
	events      []models.Event
	transitions []models.Transition
	failures    map[string]int
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]int)}
}

// Publish records the event, or fails if a failure was injected for the group
func (r *Recorder) Publish(ctx context.Context, group, eventName string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures[group] > 0 {
		r.failures[group]--
		return errInjected
	}
	ev, ok := payload.(models.Event)
	if !ok {
		ev = models.Event{Group: group, EventType: eventName, Data: payload}
	}
	r.events = append(r.events, ev)
	return nil
}

// Emit records a transition synchronously
func (r *Recorder) Emit(t models.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

// FailNext makes the next n publishes to group fail
func (r *Recorder) FailNext(group string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[group] = n
}

// Events returns the published events of group, or all when group is empty
func (r *Recorder) Events(group string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Event
	for _, ev := range r.events {
		if group == "" || ev.Group == group {
			out = append(out, ev)
		}
	}
	return out
}

// Transitions returns the emitted transitions of the given event type, or all when empty
func (r *Recorder) Transitions(eventType string) []models.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Transition
	for _, t := range r.transitions {
		if eventType == "" || t.EventType == eventType {
			out = append(out, t)
		}
	}
	return out
}
