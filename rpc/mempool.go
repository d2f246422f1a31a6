package rpc

import (
	"github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"slotchain/libs/utils"
	mempl "slotchain/mempool"
	"slotchain/types"
)

type ResultBroadcastTx struct {
	Hash bytes.HexBytes `json:"hash"`
}

// BroadcastTxAsync submits the tx to the local pool; gossip takes it from
// there. Duplicates are reported as success, the pool already has them.
func BroadcastTxAsync(ctx *rpctypes.Context, tx types.Tx) (*ResultBroadcastTx, error) {
	err := env.Mempool.CheckTx(tx, mempl.TxInfo{})
	if err != nil && err != mempl.ErrTxInCache {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: tx.Hash()}, nil
}

type ResultUnconfirmedTxs struct {
	Count    int   `json:"count"`
	TxsBytes int64 `json:"txs_bytes"`

	MaxPriority  float64 `json:"max_priority"`
	MinPriority  float64 `json:"min_priority"`
	MeanPriority float64 `json:"mean_priority"`
	AvgPriority  float64 `json:"avg_priority"`
}

// UnconfirmedTxs reports pool occupancy plus a priority profile of the
// queued txs.
func UnconfirmedTxs(ctx *rpctypes.Context) (*ResultUnconfirmedTxs, error) {
	txs := env.Mempool.ReapMaxBytes(-1)

	priorities := make([]float64, len(txs))
	for i, tx := range txs {
		priorities[i] = float64(tx.Priority)
	}

	return &ResultUnconfirmedTxs{
		Count:        env.Mempool.Size(),
		TxsBytes:     env.Mempool.TxsBytes(),
		MaxPriority:  utils.Max(priorities...),
		MinPriority:  utils.Min(priorities...),
		MeanPriority: utils.Median(priorities...),
		AvgPriority:  utils.Avg(priorities...),
	}, nil
}
