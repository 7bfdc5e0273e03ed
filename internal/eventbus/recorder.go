package eventbus

import (
	"context"
	"sync"
)

// Recorder keeps the most recent events seen on a bus.
type Recorder struct {
	mu     sync.Mutex
	max    int
	events []Event
}

func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 100
	}
	return &Recorder{max: max}
}

// Run records events from ch until ctx is done or ch is closed. Subscribe
// before starting anything that publishes, then hand the channel to Run.
func (r *Recorder) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Add(e)
		}
	}
}

func (r *Recorder) Add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
	r.mu.Unlock()
}

// Recent returns up to n events, newest last.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}
