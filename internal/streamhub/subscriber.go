package streamhub

// subscriber is one attached reader's bounded event channel.
type subscriber struct {
	ch chan Event
}

func newSubscriber(backlog int) *subscriber {
	return &subscriber{ch: make(chan Event, backlog)}
}

// send delivers ev without blocking. If the backlog is full, the
// oldest buffered event is dropped and a lag marker takes its place;
// the subscriber is never blocked or killed.
func (s *subscriber) send(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- Event{Type: EventLag, StepID: ev.StepID}:
	default:
	}
}
