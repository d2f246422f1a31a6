package mock

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"slotchain/slot"
	"slotchain/types"
)

// Clock is a hand-driven slot clock for tests: the test advances slots
// explicitly with Advance or SetSlot.
type Clock struct {
	service.BaseService

	mtx      sync.Mutex
	cur      types.LTime
	genesis  time.Time
	duration time.Duration

	ch chan types.LTime
}

var _ slot.Clock = (*Clock)(nil)

func NewClock() *Clock {
	clock := &Clock{
		genesis:  time.Now(),
		duration: time.Second,
		ch:       make(chan types.LTime, 16),
	}
	clock.BaseService = *service.NewBaseService(nil, "MockSlotClock", clock)
	return clock
}

func (clock *Clock) OnStart() error { return nil }
func (clock *Clock) OnStop()        {}

func (clock *Clock) SetLogger(logger log.Logger) {
	clock.BaseService.Logger = logger
}

func (clock *Clock) CurrentSlot() types.LTime {
	clock.mtx.Lock()
	defer clock.mtx.Unlock()
	return clock.cur
}

func (clock *Clock) SlotAt(t time.Time) types.LTime {
	return clock.CurrentSlot()
}

func (clock *Clock) StartTimeOf(s types.LTime) time.Time {
	return clock.genesis.Add(time.Duration(s.Int64()) * clock.duration)
}

func (clock *Clock) IsPremature(s types.LTime) bool {
	return s.Greater(clock.CurrentSlot().Add(slot.MaxSlotDrift))
}

func (clock *Clock) Chan() <-chan types.LTime {
	return clock.ch
}

// SetSlot moves the clock without publishing a boundary.
func (clock *Clock) SetSlot(s types.LTime) {
	clock.mtx.Lock()
	clock.cur = s
	clock.mtx.Unlock()
}

// Advance moves the clock one slot forward and publishes the boundary.
func (clock *Clock) Advance() types.LTime {
	clock.mtx.Lock()
	clock.cur = clock.cur.Add(1)
	next := clock.cur
	clock.mtx.Unlock()

	clock.ch <- next
	return next
}
