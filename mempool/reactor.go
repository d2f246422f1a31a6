package mempool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"slotchain/types"
)

const (
	TxChannel = byte(0x30)

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID to use when running CheckTx when there is
	// no peer (e.g. RPC)
	UnknownPeerID uint16 = 0

	maxTxMessageSize = 1024 * 1024

	maxActiveIDs = math.MaxUint16
)

// Reactor floods valid transactions to connected peers. Each peer gets a
// routine that walks the pool's list and skips txs the peer sent us.
type Reactor struct {
	p2p.BaseReactor

	mempool *ListMempool
	ids     *mempoolIDs
}

type mempoolIDs struct {
	mtx       sync.RWMutex
	peerMap   map[p2p.ID]uint16
	nextID    uint16 // assumes first unused ID, not necessarily free
	activeIDs map[uint16]struct{}
}

// ReserveForPeer assigns the peer a pool-local 2-byte ID.
func (ids *mempoolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID returns the next free ID. Caller holds the lock.
func (ids *mempoolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim frees the peer's ID.
func (ids *mempoolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

// GetForPeer returns the peer's ID.
func (ids *mempoolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

func newMempoolIDs() *mempoolIDs {
	return &mempoolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // 0 is reserved for UnknownPeerID
	}
}

func NewReactor(mempool *ListMempool) *Reactor {
	reactor := &Reactor{
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	reactor.BaseReactor = *p2p.NewBaseReactor("Mempool", reactor)

	return reactor
}

// InitPeer implements Reactor.
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

// OnStart implements p2p.BaseReactor.
func (memR *Reactor) OnStart() error {
	memR.Logger.Info("Mempool Reactor started.")
	return nil
}

// GetChannels implements Reactor by returning the list of channels for this
// reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  TxChannel,
			Priority:            5,
			RecvMessageCapacity: maxTxMessageSize,
		},
	}
}

// AddPeer implements Reactor. Starts the broadcast routine for the peer.
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	go memR.broadcastTxRoutine(peer)
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor. It adds received transactions to the pool.
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	var tx types.Tx
	if err := tmjson.Unmarshal(msgBytes, &tx); err != nil {
		memR.Logger.Error("error decoding tx message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}
	memR.mempool.metric.MarkReceivedTx()

	txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src)}
	if src != nil {
		txInfo.SenderP2PID = src.ID()
	}
	if err := memR.mempool.CheckTx(tx, txInfo); err != nil && err != ErrTxInCache {
		memR.Logger.Debug("could not check tx", "tx", tx.Hash(), "err", err)
	}
}

// --------------------------------

func (memR *Reactor) broadcastTxRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		// Block until the pool has a first element, then follow the list.
		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)

		if _, ok := memTx.senders.Load(peerID); !ok {
			txBytes, err := tmjson.Marshal(memTx.tx)
			if err != nil {
				memR.Logger.Error("marshal tx failed", "tx", memTx.tx.Hash(), "err", err)
				return
			}
			if success := peer.Send(TxChannel, txBytes); !success {
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}
