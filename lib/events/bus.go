// Package events is the in-process lifecycle event bus. Components publish
// typed events; subscribers receive them on buffered channels in emission
// order. A slow subscriber never blocks a publisher: when its buffer is
// full the oldest queued event is dropped to make room, because the newest
// lifecycle event is the one cleanup paths must see.
package events

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Type enumerates the lifecycle events the orchestrator emits.
type Type string

const (
	EngineAdded     Type = "engine_added"
	EngineRemoved   Type = "engine_removed"
	EngineHealthy   Type = "engine_healthy"
	EngineUnhealthy Type = "engine_unhealthy"
	StreamStarted   Type = "stream_started"
	StreamEnded     Type = "stream_ended"
	VPNChanged      Type = "vpn_changed"
	VPNPortChanged  Type = "vpn_port_changed"
	ConfigChanged   Type = "config_changed"
)

// Event is one bus message. Only the fields relevant to the Type are set.
type Event struct {
	Type       Type
	At         time.Time
	EngineID   string
	StreamID   string
	ContentKey string
	VPN        string
	Reason     string
	Port       int
}

type subscriber struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans events out to registered subscribers. Dispatch runs on a single
// goroutine so every subscriber observes events in emission order.
type Bus struct {
	subs     *xsync.Map[string, *subscriber]
	queue    chan Event
	unsub    chan string
	seq      atomic.Uint64
	shutdown atomic.Bool
	done     chan struct{}
	buffer   int
}

// NewBus starts a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		subs:   xsync.NewMap[string, *subscriber](),
		queue:  make(chan Event, buffer*4),
		unsub:  make(chan string, buffer),
		done:   make(chan struct{}),
		buffer: buffer,
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event. Never blocks; when the central queue is full
// the oldest pending event is discarded.
func (b *Bus) Publish(ev Event) {
	if b.shutdown.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for {
		select {
		case b.queue <- ev:
			return
		default:
			select {
			case <-b.queue: // evict oldest
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// deregisters it and closes the channel; cancelling ctx does the same.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	if b.shutdown.Load() {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := strconv.FormatUint(b.seq.Add(1), 10)
	sub := &subscriber{id: id, ch: make(chan Event, b.buffer)}
	b.subs.Store(id, sub)

	cancel := func() { b.unsubscribe(id) }
	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(id)
		}()
	}
	return sub.ch, cancel
}

// unsubscribe hands the close over to the dispatch goroutine, which is the
// only sender on subscriber channels.
func (b *Bus) unsubscribe(id string) {
	select {
	case b.unsub <- id:
	case <-b.done:
		if sub, ok := b.subs.LoadAndDelete(id); ok {
			close(sub.ch)
		}
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			b.subs.Range(func(id string, sub *subscriber) bool {
				b.subs.Delete(id)
				close(sub.ch)
				return true
			})
			return
		case id := <-b.unsub:
			if sub, ok := b.subs.LoadAndDelete(id); ok {
				close(sub.ch)
			}
		case ev := <-b.queue:
			b.subs.Range(func(_ string, sub *subscriber) bool {
				for {
					select {
					case sub.ch <- ev:
						return true
					default:
						select {
						case <-sub.ch: // drop-oldest for this subscriber
							sub.dropped.Add(1)
						default:
						}
					}
				}
			})
		}
	}
}

// Close stops dispatch; the dispatch goroutine closes every subscriber
// channel on its way out.
func (b *Bus) Close() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
}
