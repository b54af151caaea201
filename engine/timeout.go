package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/types"
)

const (
	// tickChannelSize is the buffer size for slot tick channels
	tickChannelSize = 16
)

// Ticker delivers the start of each slot. A slot's deadline is the start of
// the next one.
type Ticker interface {
	Start()
	Stop()
	Chan() <-chan types.Slot
}

// SlotTicker is a wall-clock Ticker.
type SlotTicker struct {
	mu sync.Mutex

	genesis  time.Time
	duration time.Duration
	now      func() time.Time

	timer   *time.Timer
	tockCh  chan types.Slot
	stopCh  chan struct{}
	running bool

	// Metrics
	droppedTicks uint64
}

// NewSlotTicker creates a ticker for slots of the given duration starting at
// genesis.
func NewSlotTicker(genesis time.Time, duration time.Duration) *SlotTicker {
	return &SlotTicker{
		genesis:  genesis,
		duration: duration,
		now:      time.Now,
		tockCh:   make(chan types.Slot, tickChannelSize),
		stopCh:   make(chan struct{}),
	}
}

// Start delivers the current slot immediately, then each following slot at
// its start time.
func (st *SlotTicker) Start() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.running {
		return
	}
	st.running = true
	st.fire(st.SlotAt(st.now()))
}

// Stop stops the ticker
func (st *SlotTicker) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.running {
		return
	}
	st.running = false

	close(st.stopCh)
	if st.timer != nil {
		st.timer.Stop()
	}
}

// Chan returns the channel that delivers slot starts
func (st *SlotTicker) Chan() <-chan types.Slot {
	return st.tockCh
}

// SlotAt returns the slot running at t.
func (st *SlotTicker) SlotAt(t time.Time) types.Slot {
	if t.Before(st.genesis) {
		return 0
	}
	return types.Slot(t.Sub(st.genesis) / st.duration)
}

// SlotStart returns the start time of slot.
func (st *SlotTicker) SlotStart(slot types.Slot) time.Time {
	return st.genesis.Add(time.Duration(slot) * st.duration)
}

// fire delivers slot and schedules the next one. Caller must hold st.mu.
func (st *SlotTicker) fire(slot types.Slot) {
	select {
	case st.tockCh <- slot:
	case <-st.stopCh:
		return
	default:
		count := atomic.AddUint64(&st.droppedTicks, 1)
		log.WithFields(logrus.Fields{"slot": slot, "totalDropped": count}).Warn("Dropped slot tick due to full channel")
	}

	next := slot + 1
	wait := st.SlotStart(next).Sub(st.now())
	if wait < 0 {
		wait = 0
	}
	st.timer = time.AfterFunc(wait, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.running {
			return
		}
		st.fire(next)
	})
}

// DroppedTicks returns the number of ticks dropped due to full channel
func (st *SlotTicker) DroppedTicks() uint64 {
	return atomic.LoadUint64(&st.droppedTicks)
}

// ManualTicker is a Ticker driven by the caller, for tests and simulations
// that control time.
type ManualTicker struct {
	ch     chan types.Slot
	stopCh chan struct{}
	once   sync.Once
}

// NewManualTicker creates a ManualTicker.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		ch:     make(chan types.Slot),
		stopCh: make(chan struct{}),
	}
}

func (mt *ManualTicker) Start() {}

func (mt *ManualTicker) Stop() {
	mt.once.Do(func() { close(mt.stopCh) })
}

func (mt *ManualTicker) Chan() <-chan types.Slot {
	return mt.ch
}

// Advance delivers slot and blocks until the engine has received it. It
// reports false if the ticker was stopped.
func (mt *ManualTicker) Advance(slot types.Slot) bool {
	select {
	case mt.ch <- slot:
		return true
	case <-mt.stopCh:
		return false
	}
}
