package importer

import (
	"bytes"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"slotchain/types"
)

// ForkChoice selects the head to author on and to prevote for: the leaf with
// the heaviest cumulative chain weight above the finalized checkpoint. Ties
// break toward the lexicographically smallest hash, so every node that sees
// the same tree picks the same head.
type ForkChoice struct {
	tree *types.BlockTree
}

func NewForkChoice(tree *types.BlockTree) *ForkChoice {
	return &ForkChoice{tree: tree}
}

// BestHash returns the hash of the chosen head. The finalized head itself is
// returned when no descendant exists yet.
func (fc *ForkChoice) BestHash() tmbytes.HexBytes {
	leaves := fc.tree.Leaves()
	if len(leaves) == 0 {
		return fc.tree.FinalizedHead().Hash()
	}

	var (
		bestHash   tmbytes.HexBytes
		bestWeight int64 = -1
	)
	for _, leaf := range leaves {
		weight := fc.tree.ChainWeight(leaf)
		switch {
		case weight > bestWeight:
			bestHash, bestWeight = leaf, weight
		case weight == bestWeight && bytes.Compare(leaf, bestHash) < 0:
			bestHash = leaf
		}
	}
	return bestHash
}

// BestBlock returns the chosen head block.
func (fc *ForkChoice) BestBlock() *types.Block {
	block, err := fc.tree.Block(fc.BestHash())
	if err != nil {
		// leaves come from the same tree, the head cannot be missing
		panic(err)
	}
	return block
}

// BestDescendant returns the chosen head constrained to the subtree rooted
// at ancestor, used when voting must stay on a chain containing a target.
func (fc *ForkChoice) BestDescendant(ancestor []byte) (tmbytes.HexBytes, bool) {
	if !fc.tree.Has(ancestor) {
		return nil, false
	}

	var (
		bestHash   tmbytes.HexBytes
		bestWeight int64 = -1
	)
	for _, leaf := range fc.tree.Leaves() {
		if !bytes.Equal(leaf, ancestor) && !fc.tree.IsAncestor(ancestor, leaf) {
			continue
		}
		weight := fc.tree.ChainWeight(leaf)
		switch {
		case weight > bestWeight:
			bestHash, bestWeight = leaf, weight
		case weight == bestWeight && bytes.Compare(leaf, bestHash) < 0:
			bestHash = leaf
		}
	}
	if bestHash == nil {
		// ancestor is on a pruned branch with no surviving leaf
		return nil, false
	}
	return bestHash, true
}
