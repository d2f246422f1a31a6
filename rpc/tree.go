package rpc

import (
	"github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"slotchain/types"
)

type ResultHealth struct{}

// Health always succeeds once the RPC server is up.
func Health(ctx *rpctypes.Context) (*ResultHealth, error) {
	return &ResultHealth{}, nil
}

type ResultStatus struct {
	ChainID         string         `json:"chain_id"`
	CurrentSlot     types.LTime    `json:"current_slot"`
	BestHash        bytes.HexBytes `json:"best_hash"`
	BestNumber      int64          `json:"best_number"`
	FinalizedHash   bytes.HexBytes `json:"finalized_hash"`
	FinalizedNumber int64          `json:"finalized_number"`
	Round           uint64         `json:"round"`
	Session         uint64         `json:"session"`
	Step            string         `json:"step"`
	PooledTxs       int            `json:"pooled_txs"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	best := env.ForkChoice.BestBlock()
	finalized := env.ImportQ.Tree().FinalizedHead()

	result := &ResultStatus{
		ChainID:         env.ImportQ.State().ChainID,
		CurrentSlot:     env.Clock.CurrentSlot(),
		BestHash:        best.Hash(),
		BestNumber:      best.Number,
		FinalizedHash:   finalized.Hash(),
		FinalizedNumber: finalized.Number,
		PooledTxs:       env.Mempool.Size(),
	}
	if env.Gadget != nil {
		result.Round = env.Gadget.Round()
		result.Session = env.Gadget.Session()
		result.Step = env.Gadget.Step().String()
	}
	return result, nil
}

type ResultBlock struct {
	Block *types.Block `json:"block"`
}

func BestBlock(ctx *rpctypes.Context) (*ResultBlock, error) {
	return &ResultBlock{Block: env.ForkChoice.BestBlock()}, nil
}

func FinalizedBlock(ctx *rpctypes.Context) (*ResultBlock, error) {
	return &ResultBlock{Block: env.ImportQ.Tree().FinalizedHead()}, nil
}

// Block looks the hash up in the tree first and falls back to the store, so
// pruned but persisted blocks stay reachable.
func Block(ctx *rpctypes.Context, hash bytes.HexBytes) (*ResultBlock, error) {
	if block, err := env.ImportQ.Tree().Block(hash); err == nil {
		return &ResultBlock{Block: block}, nil
	}
	block, err := env.BlockStore.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

type ResultBlockTree struct {
	Blocks []ResultTreeBlock `json:"blocks"`
}

type ResultTreeBlock struct {
	BlockHash   bytes.HexBytes `json:"block_hash"`
	ParentHash  bytes.HexBytes `json:"parent_hash"`
	Number      int64          `json:"number"`
	Slot        types.LTime    `json:"slot"`
	Status      string         `json:"status"`
	TxNum       int            `json:"tx_num"`
	Proposer    bytes.HexBytes `json:"proposer"`
	ChainWeight int64          `json:"chain_weight"`
}

// BlockTree dumps every block the node still tracks, including pruned ones.
func BlockTree(ctx *rpctypes.Context) (*ResultBlockTree, error) {
	tree := env.ImportQ.Tree()

	blocks := []ResultTreeBlock{}
	tree.ForEach(func(block *types.Block, status types.BlockStatus) {
		blocks = append(blocks, ResultTreeBlock{
			BlockHash:  block.Hash(),
			ParentHash: block.ParentHash,
			Number:     block.Number,
			Slot:       block.Slot,
			Status:     status.String(),
			TxNum:      len(block.Txs),
			Proposer:   bytes.HexBytes(block.Proposer),
		})
	})
	// weights need the tree lock again, so fill them outside the walk
	for i := range blocks {
		blocks[i].ChainWeight = tree.ChainWeight(blocks[i].BlockHash)
	}

	return &ResultBlockTree{Blocks: blocks}, nil
}

type ResultJustification struct {
	Justification *types.Justification `json:"justification"`
}

func Justification(ctx *rpctypes.Context, hash bytes.HexBytes) (*ResultJustification, error) {
	just, err := env.BlockStore.GetJustification(hash)
	if err != nil {
		return nil, err
	}
	return &ResultJustification{Justification: just}, nil
}

type ResultEvidence struct {
	BlockEquivocations []*types.BlockEquivocationProof `json:"block_equivocations"`
	VoteEquivocations  []*types.VoteEquivocationProof  `json:"vote_equivocations"`
}

// Evidence lists the equivocation proofs collected since startup.
func Evidence(ctx *rpctypes.Context) (*ResultEvidence, error) {
	result := &ResultEvidence{
		BlockEquivocations: env.ImportQ.Evidence(),
	}
	if env.Gadget != nil {
		result.VoteEquivocations = env.Gadget.Evidence()
	}
	return result, nil
}
