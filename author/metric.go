package author

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newAuthorMetric() *authorMetric {
	return &authorMetric{}
}

type authorMetric struct {
	mtx            sync.RWMutex
	EligibleSlots  int64 `json:"eligible_slots"`  // slots where the rotation landed on our key
	SkippedSlots   int64 `json:"skipped_slots"`   // eligible slots skipped because the parent was not older
	AuthoredBlocks int64 `json:"authored_blocks"` // blocks sealed and handed to the import queue
	DroppedTxs     int64 `json:"dropped_txs"`     // txs evicted after failing execution during authoring
	LastNumber     int64 `json:"last_number"`     // number of the most recently authored block
	LastBlockTxs   int   `json:"last_block_txs"`  // tx count of the most recently authored block
}

func (am *authorMetric) JSONString() string {
	am.mtx.RLock()
	defer am.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(am)
	return s
}

func (am *authorMetric) MarkEligibleSlot() {
	am.mtx.Lock()
	defer am.mtx.Unlock()
	am.EligibleSlots++
}

func (am *authorMetric) MarkSkippedSlot() {
	am.mtx.Lock()
	defer am.mtx.Unlock()
	am.SkippedSlots++
}

func (am *authorMetric) MarkAuthoredBlock(number int64, txs int) {
	am.mtx.Lock()
	defer am.mtx.Unlock()
	am.AuthoredBlocks++
	am.LastNumber = number
	am.LastBlockTxs = txs
}

func (am *authorMetric) MarkDroppedTx() {
	am.mtx.Lock()
	defer am.mtx.Unlock()
	am.DroppedTxs++
}
