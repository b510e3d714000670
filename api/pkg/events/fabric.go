// Package events is the in-process progress fabric described in spec.md's
// redesign notes: every producer (scheduler, worker, model cache) publishes an
// Event to a single buffered channel, and one dispatcher goroutine fans it
// out to subscribers. This mirrors the Publish/Subscribe shape of the
// teacher's pubsub.PubSub, but intentionally drops its NATS transport —
// cross-machine delivery is exactly the distributed-scheduling surface this
// system's Non-goals exclude, so there is nothing for a network broker to do
// here.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// Handler receives one event at a time, called from the dispatcher
// goroutine. It must not block for long: a slow handler delays every other
// subscriber's delivery of that event and, once the channel is full, causes
// newly published events to be dropped.
type Handler func(types.Event)

// Subscription can be cancelled to stop receiving events.
type Subscription interface {
	Unsubscribe()
}

// Fabric is the publish side the scheduler, worker runner, and model cache
// all share a single instance of.
type Fabric interface {
	Publish(ctx context.Context, evt types.Event)
	Subscribe(handler Handler) Subscription
	Close()
}

type subscriber struct {
	id      uint64
	handler Handler
}

// channelFabric is the only implementation: a bounded channel plus one
// dispatch goroutine. Publish never blocks the caller once the fabric is
// running — a full channel drops the event and logs a warning rather than
// stalling the scheduler loop, matching the "fire and forget" nature of
// progress updates (spec.md §4.7).
type channelFabric struct {
	events chan types.Event

	mu        sync.RWMutex
	subs      map[uint64]subscriber
	nextSubID uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Fabric with the given channel capacity and starts its
// dispatcher goroutine. Callers should defer Close() to release it.
func New(capacity int) Fabric {
	f := &channelFabric{
		events: make(chan types.Event, capacity),
		subs:   make(map[uint64]subscriber),
		done:   make(chan struct{}),
	}
	go f.dispatch()
	return f
}

func (f *channelFabric) Publish(ctx context.Context, evt types.Event) {
	select {
	case f.events <- evt:
	case <-ctx.Done():
	default:
		log.Warn().Str("kind", string(evt.Kind)).Msg("progress fabric buffer full, dropping event")
	}
}

func (f *channelFabric) Subscribe(handler Handler) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSubID
	f.nextSubID++
	f.subs[id] = subscriber{id: id, handler: handler}

	return &fabricSubscription{fabric: f, id: id}
}

func (f *channelFabric) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *channelFabric) dispatch() {
	for {
		select {
		case <-f.done:
			return
		case evt := <-f.events:
			f.mu.RLock()
			handlers := make([]Handler, 0, len(f.subs))
			for _, s := range f.subs {
				handlers = append(handlers, s.handler)
			}
			f.mu.RUnlock()

			for _, h := range handlers {
				h(evt)
			}
		}
	}
}

func (f *channelFabric) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}

type fabricSubscription struct {
	fabric *channelFabric
	id     uint64
}

func (s *fabricSubscription) Unsubscribe() {
	s.fabric.unsubscribe(s.id)
}
