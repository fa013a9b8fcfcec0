package pcm

// EventQueue delivers at most one pending sentinel event at a time. It is
// the explicit event-loop analogue of the source's microtask debounce
// (spec.md §9): a size-1 buffered channel with a non-blocking send, so a
// second sentinel arriving before the first is drained is simply dropped
// rather than queued or overwritten.
type EventQueue struct {
	ch chan Sentinel
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{ch: make(chan Sentinel, 1)}
}

// Push enqueues a sentinel if the queue is empty. It reports whether the
// sentinel was accepted (false means a duplicate collapsed).
func (q *EventQueue) Push(s Sentinel) bool {
	select {
	case q.ch <- s:
		return true
	default:
		return false
	}
}

// C returns the channel the controller's event loop drains on its next
// iteration.
func (q *EventQueue) C() <-chan Sentinel {
	return q.ch
}
