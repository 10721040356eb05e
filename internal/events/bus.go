package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSubBuffer = 64
	sinkQueueSize    = 256
	sinkSendTimeout  = 5 * time.Second
)

// Bus is the process-wide event broadcaster. Publish assigns the next
// sequence ID and fans out to subscribers and history sinks. Publishing
// never blocks: a subscriber that falls behind loses its oldest pending
// events, and sink delivery runs on a separate queue.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[uint64]chan Event
	nextSub uint64
	closed  bool

	sinkCh chan Event
	done   chan struct{}
	log    *slog.Logger
}

// NewBus creates a bus whose first event gets ID firstID. Sinks receive
// every event asynchronously; a nil logger defaults to slog.Default().
func NewBus(firstID uint64, log *slog.Logger, sinks ...Sink) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		seq:    firstID,
		subs:   make(map[uint64]chan Event),
		sinkCh: make(chan Event, sinkQueueSize),
		done:   make(chan struct{}),
		log:    log,
	}
	go b.runSinks(sinks)
	return b
}

func (b *Bus) runSinks(sinks []Sink) {
	defer close(b.done)
	for ev := range b.sinkCh {
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkSendTimeout)
			if err := s.Send(ctx, ev); err != nil {
				b.log.Warn("event sink send failed", "event_id", ev.ID, "error", err)
			}
			cancel()
		}
	}
}

// Publish stamps ev with the next ID and the current time, delivers it, and
// returns the completed event. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}
	ev.ID = b.seq
	b.seq++
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// drop the oldest pending event to make room
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	select {
	case b.sinkCh <- ev:
	default:
		b.log.Warn("event sink queue full, dropping event", "event_id", ev.ID)
	}
	b.mu.Unlock()
	return ev
}

// Subscribe registers a new subscriber. The returned cancel function is
// idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, defaultSubBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// NextID reports the ID the next published event will carry. Used at
// shutdown to persist the sequence high-water mark.
func (b *Bus) NextID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close stops fan-out, closes all subscriber channels, and drains the sink
// queue before returning.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	close(b.sinkCh)
	<-b.done
}
