package slot

import (
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"slotchain/types"
)

// MaxSlotDrift is the clock-skew tolerance: a block claiming a slot at most
// this far ahead of the local slot is still acceptable, anything further is
// premature.
const MaxSlotDrift = 1

// Clock maps wall-clock time onto slot numbers and wakes the author at every
// slot boundary.
type Clock interface {
	service.Service

	// CurrentSlot is floor((now - genesis) / duration); never decreases.
	CurrentSlot() types.LTime

	// SlotAt maps an arbitrary instant onto its slot.
	SlotAt(t time.Time) types.LTime

	// StartTimeOf is the wall-clock begin of the given slot.
	StartTimeOf(slot types.LTime) time.Time

	// IsPremature reports whether a claimed slot is further in the future
	// than the drift tolerance allows.
	IsPremature(slot types.LTime) bool

	// Chan delivers the slot number once per slot boundary. The channel is
	// buffered; if the consumer lags, only the most recent boundary is kept.
	Chan() <-chan types.LTime

	SetLogger(logger log.Logger)
}

//-----------------------------------------------------------------------------

type wallClock struct {
	service.BaseService

	genesis  time.Time
	duration time.Duration

	ch chan types.LTime
}

var _ Clock = (*wallClock)(nil)

// NewWallClock builds the production clock from genesis time and slot
// duration.
func NewWallClock(genesis time.Time, duration time.Duration) Clock {
	if duration <= 0 {
		panic("slot duration must be positive")
	}
	clock := &wallClock{
		genesis:  genesis,
		duration: duration,
		ch:       make(chan types.LTime, 1),
	}
	clock.BaseService = *service.NewBaseService(nil, "SlotClock", clock)
	return clock
}

func (clock *wallClock) OnStart() error {
	go clock.tickRoutine()
	return nil
}

func (clock *wallClock) OnStop() {}

func (clock *wallClock) SetLogger(logger log.Logger) {
	clock.BaseService.Logger = logger
}

func (clock *wallClock) CurrentSlot() types.LTime {
	return clock.SlotAt(time.Now())
}

func (clock *wallClock) SlotAt(t time.Time) types.LTime {
	if t.Before(clock.genesis) {
		return types.LtimeZero
	}
	return types.LTime(t.Sub(clock.genesis) / clock.duration)
}

func (clock *wallClock) StartTimeOf(slot types.LTime) time.Time {
	return clock.genesis.Add(time.Duration(slot.Int64()) * clock.duration)
}

func (clock *wallClock) IsPremature(slot types.LTime) bool {
	return slot.Greater(clock.CurrentSlot().Add(MaxSlotDrift))
}

func (clock *wallClock) Chan() <-chan types.LTime {
	return clock.ch
}

// tickRoutine sleeps until each next slot boundary and publishes the new
// slot. Waking from the boundary re-reads the wall clock, so a suspended
// process catches up instead of replaying stale slots.
func (clock *wallClock) tickRoutine() {
	for {
		cur := clock.CurrentSlot()
		next := clock.StartTimeOf(cur.Add(1))
		timer := time.NewTimer(time.Until(next))

		select {
		case <-clock.Quit():
			timer.Stop()
			return
		case <-timer.C:
			clock.publish(clock.CurrentSlot())
		}
	}
}

func (clock *wallClock) publish(slot types.LTime) {
	select {
	case clock.ch <- slot:
	default:
		// consumer lagging: drop the stale boundary, keep the fresh one
		select {
		case <-clock.ch:
		default:
		}
		clock.ch <- slot
	}
}
