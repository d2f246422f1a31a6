package types

import (
	"errors"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Tx is a pool transaction: an opaque payload plus the metadata the pool and
// the author need to order it. Nonce ordering per sender is enforced by the
// state-transition function, not by the pool.
type Tx struct {
	Sender   string           `json:"sender"`
	Nonce    uint64           `json:"nonce"`
	Priority int64            `json:"priority"`
	Payload  tmbytes.HexBytes `json:"payload"`

	// Expiry is the last slot at which the tx may still be included.
	// Zero means no validity window.
	Expiry LTime `json:"expiry"`
}

func (tx Tx) Hash() []byte {
	h := tmhash.New()
	h.Write([]byte(tx.Sender))
	h.Write(LTime(tx.Nonce).Hash())
	h.Write(LTime(tx.Priority).Hash())
	h.Write(tx.Expiry.Hash())
	h.Write(tx.Payload)
	return h.Sum(nil)
}

func (tx Tx) ComputeSize() int64 {
	return int64(len(tx.Sender) + len(tx.Payload) + 3*8)
}

// Expired reports whether the tx's validity window has passed at the given slot.
func (tx Tx) Expired(slot LTime) bool {
	return tx.Expiry != LtimeZero && slot.Greater(tx.Expiry)
}

func (tx Tx) ValidateBasic() error {
	if tx.Sender == "" {
		return errors.New("tx has no sender")
	}
	if len(tx.Payload) == 0 {
		return errors.New("tx has empty payload")
	}
	return nil
}

// ===== tx array =====

type Txs []Tx

func (txs Txs) Append(other Txs) Txs {
	return append(txs, other...)
}

// Hash returns the merkle root over the txs, in order.
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

func ComputeSizeForTxs(txs Txs) int64 {
	var dataSize int64
	for _, tx := range txs {
		dataSize += tx.ComputeSize()
	}
	return dataSize
}
