package api

import (
	"sync"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/rs/zerolog/log"
)

// Broker fans machine events out to stream subscribers. A subscriber that
// falls behind by more than the buffer loses events rather than blocking the
// simulator.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan sim.MachineEvent
	next   int
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	return &Broker{subs: map[int]chan sim.MachineEvent{}, buffer: buffer}
}

// Publish is a sim.Listener.
func (b *Broker) Publish(e sim.MachineEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Debug().Int("subscriber", id).Str("event", e.ID).Msg("Dropping event for slow subscriber")
		}
	}
}

// Subscribe returns a channel of future events and a func that ends the
// subscription. The channel is closed on cancel or Close.
func (b *Broker) Subscribe() (<-chan sim.MachineEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan sim.MachineEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.next++
	id := b.next
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
