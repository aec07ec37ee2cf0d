package dispatch

// StatusSub is one subscription to the dispatcher's status stream. Each
// subscriber gets its own buffered channel; a slow subscriber loses events
// rather than stalling the dispatcher.
type StatusSub struct {
	id      uint64
	d       *Dispatcher
	ch      chan Status
	dropped uint64 // loop-owned
}

// Events returns the subscription's event channel. It is closed when the
// subscription is cancelled or the dispatcher stops.
func (s *StatusSub) Events() <-chan Status { return s.ch }

// Unsubscribe detaches the subscription and closes its channel.
func (s *StatusSub) Unsubscribe() { s.d.unsubscribe(s.id) }

func (s *StatusSub) publish(st Status) {
	select {
	case s.ch <- st:
	default:
		s.dropped++
	}
}
