// Package streamhub implements the Stream Fabric (Subscriber Hub):
// long-lived, stepId-keyed event multiplexing to subscribers outside
// the originating request. Event delivery is
// at-most-once per subscriber, non-blocking on publish, and bounded:
// a slow subscriber gets a lag marker instead of blocking the driver.
package streamhub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies a Stream Fabric event.
type EventType string

const (
	EventStarted  EventType = "started"
	EventStep     EventType = "step"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
	// EventLag is pushed in place of a dropped event when a subscriber's
	// backlog overflows.
	EventLag EventType = "lag"
	// EventHeartbeat defeats idle timeouts on the transport.
	EventHeartbeat EventType = "heartbeat"
	// EventEnd is the end-of-stream sentinel complete() emits.
	EventEnd EventType = "end"
	// EventEvicted is the terminal marker the janitor emits when a
	// stepId is evicted for TTL idleness rather than explicit completion.
	EventEvicted EventType = "evicted"
	// EventToolAsyncResult carries an async tool job's final result,
	// published once it completes off the main loop.
	EventToolAsyncResult EventType = "tool_async_result"
)

// Event is one unit published to a stepId's subscribers.
type Event struct {
	Type   EventType
	StepID string
	Data   any
}

// Options configures a Hub's timingfollowing the documented defaults defaults.
type Options struct {
	// BacklogSize bounds each subscriber's channel. Default 64.
	BacklogSize int
	// HeartbeatEvery is how often a heartbeat frame is pushed to every
	// live subscriber. Default 20s.
	HeartbeatEvery time.Duration
	// StepTTL is how long an idle stepId survives before the janitor
	// evicts it. Default 10m.
	StepTTL time.Duration
	// JanitorEvery is the eviction sweep interval. Default 60s.
	JanitorEvery time.Duration
	// CompleteGrace is how long subscribers may still attach/read after
	// complete(stepId) before cleanup runs. Default 30s.
	CompleteGrace time.Duration
}

// DefaultOptions returns stated defaults.
func DefaultOptions() Options {
	return Options{
		BacklogSize:    64,
		HeartbeatEvery: 20 * time.Second,
		StepTTL:        10 * time.Minute,
		JanitorEvery:   60 * time.Second,
		CompleteGrace:  30 * time.Second,
	}
}

// Hub multiplexes events to subscribers of a stepId, grounded on
// internal/tasks/scheduler.go's ticker-based background loops for its
// heartbeat and janitor, and on internal/stepstore's per-entry mutex
// shape for per-step subscriber bookkeeping.
type Hub struct {
	opts Options

	mu    sync.Mutex
	steps map[string]*stepState

	nextSubID uint64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type stepState struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	lastActive  time.Time
	completedAt time.Time // zero until complete() is called
}

// New constructs a Hub and starts its heartbeat and janitor goroutines.
func New(ctx context.Context, opts Options) *Hub {
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = 64
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 20 * time.Second
	}
	if opts.StepTTL <= 0 {
		opts.StepTTL = 10 * time.Minute
	}
	if opts.JanitorEvery <= 0 {
		opts.JanitorEvery = 60 * time.Second
	}
	if opts.CompleteGrace <= 0 {
		opts.CompleteGrace = 30 * time.Second
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Hub{
		opts:   opts,
		steps:  make(map[string]*stepState),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.backgroundLoop(hctx)
	return h
}

// Shutdown stops the heartbeat/janitor goroutine. Safe to call more
// than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
	})
}

func (h *Hub) backgroundLoop(ctx context.Context) {
	defer close(h.done)

	heartbeat := time.NewTicker(h.opts.HeartbeatEvery)
	defer heartbeat.Stop()
	janitor := time.NewTicker(h.opts.JanitorEvery)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			h.pushHeartbeats()
		case <-janitor.C:
			h.evictExpired()
		}
	}
}

func (h *Hub) getOrCreateStep(stepID string) *stepState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.steps[stepID]
	if !ok {
		st = &stepState{
			subscribers: make(map[uint64]*subscriber),
			lastActive:  time.Now(),
		}
		h.steps[stepID] = st
	}
	return st
}

// Subscribe attaches a new subscriber to stepId and always succeeds,
// even if the stepId has not published anything yet. The returned
// cancel func detaches the subscriber and must be called by the caller
// once done reading.
func (h *Hub) Subscribe(stepID string) (<-chan Event, func()) {
	st := h.getOrCreateStep(stepID)
	id := atomic.AddUint64(&h.nextSubID, 1)
	sub := newSubscriber(h.opts.BacklogSize)

	st.mu.Lock()
	st.subscribers[id] = sub
	st.lastActive = time.Now()
	st.mu.Unlock()

	cancel := func() {
		st.mu.Lock()
		delete(st.subscribers, id)
		st.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers event to every current subscriber of stepId,
// non-blocking: a subscriber whose backlog is full receives a lag
// marker instead of the event and is not otherwise penalized.
func (h *Hub) Publish(stepID string, ev Event) {
	ev.StepID = stepID
	h.mu.Lock()
	st, ok := h.steps[stepID]
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.lastActive = time.Now()
	subs := make([]*subscriber, 0, len(st.subscribers))
	for _, s := range st.subscribers {
		subs = append(subs, s)
	}
	st.mu.Unlock()

	for _, s := range subs {
		s.send(ev)
	}
}

// Complete emits an end-of-stream sentinel to all current subscribers
// of stepId and schedules its cleanup after CompleteGrace.
func (h *Hub) Complete(stepID string) {
	h.mu.Lock()
	st, ok := h.steps[stepID]
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.completedAt = time.Now()
	subs := make([]*subscriber, 0, len(st.subscribers))
	for _, s := range st.subscribers {
		subs = append(subs, s)
	}
	st.mu.Unlock()

	for _, s := range subs {
		s.send(Event{Type: EventEnd, StepID: stepID})
	}

	time.AfterFunc(h.opts.CompleteGrace, func() {
		h.mu.Lock()
		delete(h.steps, stepID)
		h.mu.Unlock()
	})
}

func (h *Hub) pushHeartbeats() {
	h.mu.Lock()
	steps := make([]*stepState, 0, len(h.steps))
	for _, st := range h.steps {
		steps = append(steps, st)
	}
	h.mu.Unlock()

	for _, st := range steps {
		st.mu.Lock()
		completed := !st.completedAt.IsZero()
		subs := make([]*subscriber, 0, len(st.subscribers))
		for _, s := range st.subscribers {
			subs = append(subs, s)
		}
		st.mu.Unlock()
		if completed {
			continue
		}
		for _, s := range subs {
			s.send(Event{Type: EventHeartbeat})
		}
	}
}

// evictExpired removes any stepId idle past StepTTL, emitting a
// terminal marker to its live subscribers first.
func (h *Hub) evictExpired() {
	now := time.Now()

	h.mu.Lock()
	var expired []string
	for id, st := range h.steps {
		st.mu.Lock()
		idle := now.Sub(st.lastActive) > h.opts.StepTTL
		st.mu.Unlock()
		if idle {
			expired = append(expired, id)
		}
	}
	h.mu.Unlock()

	for _, id := range expired {
		h.mu.Lock()
		st, ok := h.steps[id]
		if ok {
			delete(h.steps, id)
		}
		h.mu.Unlock()
		if !ok {
			continue
		}
		st.mu.Lock()
		subs := make([]*subscriber, 0, len(st.subscribers))
		for _, s := range st.subscribers {
			subs = append(subs, s)
		}
		st.mu.Unlock()
		for _, s := range subs {
			s.send(Event{Type: EventEvicted, StepID: id})
		}
	}
}
