package finality

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"slotchain/types"
)

// TestRandomizedHonestMajorityNeverConflicts drives many rounds of randomized
// voting over a randomly forking tree. More than two thirds of the weight is
// honest: honest voters agree on one live chain per round and never sign
// twice. The rest votes arbitrarily and equivocates. Whatever reaches a
// supermajority must extend the previous checkpoint, every run, every seed.
func TestRandomizedHonestMajorityNeverConflicts(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			runRandomizedRounds(t, rand.New(rand.NewSource(seed)))
		})
	}
}

func runRandomizedRounds(t *testing.T, rng *rand.Rand) {
	numAuth := 4 + rng.Intn(7)
	authorities, pvs := types.RandAuthoritySet(numAuth)
	tree, genesis, makeChild := buildTestTree(t)

	// strictly below a third of the weight
	byzantine := (numAuth - 1) / 3
	honest := numAuth - byzantine

	blocks := []*types.Block{genesis}
	finalized := genesis
	finalizedCount := 0
	nextSlot := int64(1)

	extendable := func(parent *types.Block) bool {
		switch tree.Status(parent.Hash()) {
		case types.StatusValid:
			return true
		case types.StatusFinalized:
			return bytes.Equal(parent.Hash(), tree.FinalizedHead().Hash())
		default:
			return false
		}
	}

	// honest voters only ever target live descendants of the checkpoint
	honestTarget := func() *types.Block {
		candidates := []*types.Block{}
		for _, block := range blocks {
			if tree.Status(block.Hash()) == types.StatusPruned {
				continue
			}
			if bytes.Equal(block.Hash(), finalized.Hash()) ||
				tree.IsAncestor(finalized.Hash(), block.Hash()) {
				candidates = append(candidates, block)
			}
		}
		if len(candidates) == 0 {
			return finalized
		}
		return candidates[rng.Intn(len(candidates))]
	}

	for round := uint64(1); round <= 30; round++ {
		for i := 0; i < 1+rng.Intn(3); i++ {
			parent := blocks[rng.Intn(len(blocks))]
			if !extendable(parent) {
				continue
			}
			blocks = append(blocks, makeChild(parent, nextSlot))
			nextSlot++
		}

		prevotes := NewWeightedVoteSet(testChainID, round, 0, types.PrevoteStage, authorities)
		precommits := NewWeightedVoteSet(testChainID, round, 0, types.PrecommitStage, authorities)

		// one shared honest head per round, the rest scatters and
		// double-votes
		head := honestTarget()
		for i, pv := range pvs {
			target := head
			if i >= honest {
				target = blocks[rng.Intn(len(blocks))]
			}
			vote := makeSignedVote(t, pv, round, 0, types.PrevoteStage, target)
			_, err := prevotes.AddVote(vote)
			require.NoError(t, err)

			if i >= honest {
				second := makeSignedVote(t, pv, round, 0, types.PrevoteStage,
					blocks[rng.Intn(len(blocks))])
				_, _ = prevotes.AddVote(second)
			}
		}

		ghost, ok := prevotes.Ghost(tree)
		if !ok {
			continue
		}
		ghostBlock, err := tree.Block(ghost)
		require.NoError(t, err)

		for i, pv := range pvs {
			target := ghostBlock
			if i >= honest {
				target = blocks[rng.Intn(len(blocks))]
			}
			vote := makeSignedVote(t, pv, round, 0, types.PrecommitStage, target)
			_, _ = precommits.AddVote(vote)

			if i >= honest {
				second := makeSignedVote(t, pv, round, 0, types.PrecommitStage,
					blocks[rng.Intn(len(blocks))])
				_, _ = precommits.AddVote(second)
			}
		}

		target, ok := precommits.ExactSupermajority()
		if !ok {
			continue
		}

		// safety: the supermajority block never conflicts with what is
		// already final
		require.True(t,
			bytes.Equal(target, finalized.Hash()) ||
				tree.IsAncestor(finalized.Hash(), target),
			"round %d finalized a block conflicting with the checkpoint", round)

		_, err = tree.Finalize(target)
		require.NoError(t, err)

		block, err := tree.Block(target)
		require.NoError(t, err)
		require.GreaterOrEqual(t, block.Number, finalized.Number)
		finalized = block
		finalizedCount++
	}

	// the honest majority makes progress, the property is not vacuous
	require.Greater(t, finalizedCount, 0)
}
