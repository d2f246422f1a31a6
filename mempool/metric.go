package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

type memMetric struct {
	mtx         sync.RWMutex
	TxsNum      int   `json:"txs_num"`      // transactions currently pooled
	TxsBytes    int64 `json:"txs_bytes"`    // total size of pooled transactions
	ExpiredTxs  int64 `json:"expired_txs"`  // transactions pruned past their expiry slot
	RejectedTxs int64 `json:"rejected_txs"` // transactions refused by the pre-check filter
	ReceivedTxs int64 `json:"received_txs"` // transactions received over gossip
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkTxsNum(txsNum int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsNum
}

func (mm *memMetric) MarkTxsBytes(txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsBytes = txsBytes
}

func (mm *memMetric) MarkExpiredTx() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.ExpiredTxs++
}

func (mm *memMetric) MarkRejectedTx() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.RejectedTxs++
}

func (mm *memMetric) MarkReceivedTx() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.ReceivedTxs++
}
