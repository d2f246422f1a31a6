package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"slotchain/types"
)

// Mempool holds transactions that have not been included in a finalized
// block yet. Ordering guarantees only apply at reap time.
type Mempool interface {
	// CheckTx validates tx and admits it into the pool. The same tx
	// arriving from several peers is recorded once, with every sender
	// remembered so gossip does not echo it back.
	CheckTx(tx types.Tx, txInfo TxInfo) error

	// ReapMaxBytes returns transactions ordered by priority whose total
	// encoded size does not exceed maxBytes. A negative maxBytes means
	// no limit.
	ReapMaxBytes(maxBytes int64) types.Txs

	// RemoveTx drops a single transaction, e.g. after it failed
	// execution during block authoring.
	RemoveTx(tx types.Tx, removeFromCache bool)

	// Lock locks the pool. Callers must hold the lock across Update.
	Lock()

	// Unlock releases the pool.
	Unlock()

	// Update is called after a block is imported at the given slot.
	// Included transactions are removed, and transactions whose expiry
	// slot has passed are pruned.
	Update(slot types.LTime, included types.Txs) error

	// Flush removes every transaction and resets the seen-cache.
	Flush()

	// TxsAvailable fires once per authoring opportunity when the pool
	// goes from empty to non-empty. Must be enabled first.
	TxsAvailable() <-chan struct{}
	EnableTxsAvailable()

	// Size returns the number of transactions in the pool.
	Size() int

	// TxsBytes returns the total encoded size of all pooled transactions.
	TxsBytes() int64
}

//--------------------------------------------------------------------------------

// PreCheckFunc is an optional filter run before a transaction enters the
// pool, e.g. a stateful nonce check against the best block.
type PreCheckFunc func(types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
