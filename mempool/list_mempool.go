package mempool

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"slotchain/types"
)

const (
	TxKeySize = 32
)

// ListMempool keeps pending transactions in a concurrent linked list so
// gossip routines can iterate while new transactions arrive. A bounded
// seen-cache absorbs duplicates echoed back by the network.
type ListMempool struct {
	// Atomic integers
	txsBytes int64 // total size of mempool, in bytes
	txSeq    int64 // arrival counter, breaks reap ties

	slot types.LTime // the last slot Update()'d to

	notifiedTxsAvailable bool
	txsAvailable         chan struct{} // fires once per slot when the pool turns non-empty

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // TxKey -> *clist.CElement

	cache txCache

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(*ListMempool)

// SetPreCheck installs a filter that runs before a tx is admitted.
func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func NewListMempool(config *cfg.MempoolConfig, slot types.LTime, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		slot:   slot,
		config: config,
		txs:    clist.New(),
		metric: newMemMetric(),
		logger: log.NewNopLogger(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// Metric exposes the pool counters for the metrics endpoint.
func (mem *ListMempool) Metric() *memMetric {
	return mem.metric
}

func (mem *ListMempool) CheckTx(tx types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if err := tx.ValidateBasic(); err != nil {
		return err
	}

	txSize := tx.ComputeSize()
	if txSize > int64(mem.config.MaxTxBytes) {
		return ErrTxTooLarge{Max: int64(mem.config.MaxTxBytes), Actual: txSize}
	}

	if memSize := mem.Size(); memSize >= mem.config.Size ||
		txSize+mem.TxsBytes() > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			NumTxs:      memSize,
			MaxTxs:      mem.config.Size,
			TxsBytes:    mem.TxsBytes(),
			MaxTxsBytes: mem.config.MaxTxsBytes,
		}
	}

	if tx.Expired(mem.slot) {
		return ErrTxExpired{Expiry: tx.Expiry.Int64(), CurrentSlot: mem.slot.Int64()}
	}

	if !mem.cache.Push(tx) {
		// Record the new sender so the broadcast routine will not echo
		// the tx back over this connection.
		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txInfo.SenderID, true)
		}
		return ErrTxInCache
	}

	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			mem.cache.Remove(tx)
			mem.metric.MarkRejectedTx()
			return ErrPreCheck{Reason: err}
		}
	}

	if _, ok := mem.txsMap.Load(TxKey(tx)); ok {
		return ErrTxInMap
	}

	memTx := &mempoolTx{
		slot: mem.slot,
		seq:  atomic.AddInt64(&mem.txSeq, 1),
		tx:   tx,
	}
	memTx.senders.Store(txInfo.SenderID, true)
	mem.addTx(memTx)

	mem.logger.Debug("added tx", "tx", tx.Hash(), "pool size", mem.Size())
	mem.notifyTxsAvailable()

	return nil
}

// ReapMaxBytes returns pooled transactions ordered by descending priority.
// Transactions of the same sender keep ascending nonce order, everything
// else ties by arrival. The total encoded size stays within maxBytes.
func (mem *ListMempool) ReapMaxBytes(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	memTxs := make([]*mempoolTx, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTxs = append(memTxs, e.Value.(*mempoolTx))
	}

	sort.SliceStable(memTxs, func(i, j int) bool {
		a, b := memTxs[i].tx, memTxs[j].tx
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Sender == b.Sender && a.Nonce != b.Nonce {
			return a.Nonce < b.Nonce
		}
		return memTxs[i].seq < memTxs[j].seq
	})

	var (
		totalSize int64
		txs       = make(types.Txs, 0, len(memTxs))
	)
	for _, memTx := range memTxs {
		size := memTx.tx.ComputeSize()
		if maxBytes > -1 && totalSize+size > maxBytes {
			continue
		}
		totalSize += size
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) RemoveTx(tx types.Tx, removeFromCache bool) {
	mem.removeTxByKey(TxKey(tx), removeFromCache)
}

// Lock locks the pool's update mutex for writing.
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock releases the pool's update mutex.
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update removes the transactions included at slot and prunes everything
// whose expiry passed. The caller holds Lock.
func (mem *ListMempool) Update(slot types.LTime, included types.Txs) error {
	mem.slot = slot
	mem.notifiedTxsAvailable = false

	for _, tx := range included {
		// Committed txs stay in the cache so a late gossip copy is
		// rejected cheaply.
		mem.cache.Push(tx)
		mem.removeTxByKey(TxKey(tx), false)
	}

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		if memTx.tx.Expired(slot) {
			mem.removeTxByKey(TxKey(memTx.tx), true)
			mem.metric.MarkExpiredTx()
		}
	}

	if mem.Size() > 0 {
		mem.notifyTxsAvailable()
	}
	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTxsBytes(mem.TxsBytes())

	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}
	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

func (mem *ListMempool) EnableTxsAvailable() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()
	mem.txsAvailable = make(chan struct{}, 1)
}

func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	if mem.txsAvailable != nil && !mem.notifiedTxsAvailable {
		mem.notifiedTxsAvailable = true
		select {
		case mem.txsAvailable <- struct{}{}:
		default:
		}
	}
}

// addTx links the tx into the list and the lookup map and bumps the size
// counters.
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, memTx.tx.ComputeSize())
	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTxsBytes(mem.TxsBytes())
}

func (mem *ListMempool) removeTxByKey(key [TxKeySize]byte, removeFromCache bool) {
	e, ok := mem.txsMap.Load(key)
	if !ok {
		return
	}
	elem := e.(*clist.CElement)
	memTx := elem.Value.(*mempoolTx)

	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(key)
	atomic.AddInt64(&mem.txsBytes, -memTx.tx.ComputeSize())

	if removeFromCache {
		mem.cache.Remove(memTx.tx)
	}
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type txCache interface {
	Reset()
	Push(tx types.Tx) bool
	Remove(tx types.Tx)
}

// mapTxCache remembers the most recently seen tx hashes, evicting in FIFO
// order once full.
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[[TxKeySize]byte]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[[TxKeySize]byte]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[[TxKeySize]byte]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push returns false if the tx was already cached.
func (cache *mapTxCache) Push(tx types.Tx) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	key := TxKey(tx)
	if moved, ok := cache.cacheMap[key]; ok {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		front := cache.list.Front()
		if front != nil {
			delete(cache.cacheMap, front.Value.([TxKeySize]byte))
			cache.list.Remove(front)
		}
	}
	e := cache.list.PushBack(key)
	cache.cacheMap[key] = e
	return true
}

func (cache *mapTxCache) Remove(tx types.Tx) {
	cache.mtx.Lock()
	key := TxKey(tx)
	if e, ok := cache.cacheMap[key]; ok {
		cache.list.Remove(e)
		delete(cache.cacheMap, key)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = nopTxCache{}

func (nopTxCache) Reset()             {}
func (nopTxCache) Push(types.Tx) bool { return true }
func (nopTxCache) Remove(types.Tx)    {}

// ------------------------------

type mempoolTx struct {
	slot types.LTime // slot the tx arrived at
	seq  int64       // arrival order

	tx      types.Tx
	senders sync.Map // SenderID -> bool
}

// ------------------------------

// TxKey is the fixed length array hash used as the key in maps.
func TxKey(tx types.Tx) [TxKeySize]byte {
	var key [TxKeySize]byte
	copy(key[:], tx.Hash())
	return key
}
