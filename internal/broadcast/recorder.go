package broadcast

import (
	"context"
	"sync"
)

// Recorder keeps every broadcast in memory. It backs the recent-events
// endpoint and doubles as a test double.
type Recorder struct {
	mu     sync.Mutex
	max    int
	events []Envelope
	next   Broadcaster
}

// NewRecorder keeps the last max envelopes and forwards each one to next, if set.
func NewRecorder(max int, next Broadcaster) *Recorder {
	if max <= 0 {
		max = 100
	}
	return &Recorder{max: max, next: next}
}

func (r *Recorder) Broadcast(ctx context.Context, channel, event string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, Envelope{Channel: channel, Event: event, Payload: payload})
	if len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Broadcast(ctx, channel, event, payload)
	}
}

// Events returns a copy of the recorded envelopes, oldest first.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the recorded envelopes matching channel and event.
func (r *Recorder) Find(channel, event string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Channel == channel && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
