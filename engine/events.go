package engine

import (
	"sync"

	"github.com/blockberries/stakeberry/types"
)

// EventType identifies an engine event.
type EventType uint8

const (
	EventNewSlot EventType = iota + 1
	EventNewHead
	EventJustified
	EventFinalized
	EventSlashed
	EventHalted
)

func (t EventType) String() string {
	switch t {
	case EventNewSlot:
		return "new_slot"
	case EventNewHead:
		return "new_head"
	case EventJustified:
		return "justified"
	case EventFinalized:
		return "finalized"
	case EventSlashed:
		return "slashed"
	case EventHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Event is emitted on state transitions. Only the fields relevant to Type
// are set.
type Event struct {
	Type EventType
	Slot types.Slot

	Head       types.Hash
	Checkpoint types.Checkpoint
	Slashing   *types.SlashingCondition
	Err        error
}

// Subscription receives events until it is closed.
type Subscription struct {
	C <-chan Event

	ch  chan Event
	bus *eventBus
	id  int
}

// Unsubscribe stops delivery and closes C.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// eventBus fans events out to subscribers. Delivery never blocks: a full
// subscriber loses the event.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &Subscription{C: ch, ch: ch, bus: b, id: id}
}

func (b *eventBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.WithLabelValues(ev.Type.String()).Inc()
		}
	}
	eventsPublished.WithLabelValues(ev.Type.String()).Inc()
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
