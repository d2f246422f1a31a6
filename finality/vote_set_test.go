package finality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotchain/types"
)

const testChainID = "finality_test"

func makeSignedVote(
	t *testing.T,
	pv types.PrivValidator,
	round, session uint64,
	stage types.VoteStage,
	block *types.Block,
) *types.Vote {
	pub, err := pv.GetPubKey()
	require.NoError(t, err)

	vote := &types.Vote{
		Round:       round,
		Session:     session,
		Stage:       stage,
		BlockHash:   block.Hash(),
		BlockNumber: block.Number,
		Timestamp:   time.Now(),
		Voter:       types.GetAddress(pub),
	}
	require.NoError(t, pv.SignVote(testChainID, vote))
	return vote
}

// buildTree links pre-made blocks under a fresh genesis; signatures are not
// checked at this layer.
func buildTestTree(t *testing.T) (*types.BlockTree, *types.Block, func(parent *types.Block, slot int64) *types.Block) {
	genesis := types.MakeGenesisBlock(testChainID, time.Now())
	tree := types.NewBlockTree(genesis)

	makeChild := func(parent *types.Block, slot int64) *types.Block {
		block := types.MakeBlock(testChainID, parent.Number+1, types.LTime(slot), parent.Hash(), nil)
		block.StateRoot = parent.StateRoot
		block.Proposer = []byte("test-proposer-addr-.")
		block.Signature = []byte("sig")
		require.NoError(t, tree.Add(block))
		return block
	}
	return tree, genesis, makeChild
}

func TestVoteSetAddVote(t *testing.T) {
	authorities, pvs := types.RandAuthoritySet(4)
	_, genesis, _ := buildTestTree(t)

	vs := NewWeightedVoteSet(testChainID, 1, 0, types.PrevoteStage, authorities)

	vote := makeSignedVote(t, pvs[0], 1, 0, types.PrevoteStage, genesis)
	added, err := vs.AddVote(vote)
	require.NoError(t, err)
	assert.True(t, added)
	assert.EqualValues(t, 1, vs.Weight())

	// duplicates add nothing and are not an error
	added, err = vs.AddVote(vote)
	require.NoError(t, err)
	assert.False(t, added)
	assert.EqualValues(t, 1, vs.Weight())

	// wrong round
	wrongRound := makeSignedVote(t, pvs[1], 2, 0, types.PrevoteStage, genesis)
	_, err = vs.AddVote(wrongRound)
	assert.ErrorIs(t, err, ErrVoteUnexpected)

	// wrong stage
	wrongStage := makeSignedVote(t, pvs[1], 1, 0, types.PrecommitStage, genesis)
	_, err = vs.AddVote(wrongStage)
	assert.ErrorIs(t, err, ErrVoteUnexpected)

	// outsider
	outsider := types.NewMockPV()
	outsiderVote := makeSignedVote(t, outsider, 1, 0, types.PrevoteStage, genesis)
	_, err = vs.AddVote(outsiderVote)
	assert.ErrorIs(t, err, ErrVoteNonAuthority)

	// tampered signature
	tampered := makeSignedVote(t, pvs[2], 1, 0, types.PrevoteStage, genesis)
	tampered.Signature[0] ^= 0xff
	_, err = vs.AddVote(tampered)
	assert.ErrorIs(t, err, ErrVoteInvalidSignature)
}

func TestVoteSetEquivocation(t *testing.T) {
	authorities, pvs := types.RandAuthoritySet(4)
	_, genesis, makeChild := buildTestTree(t)
	b1 := makeChild(genesis, 1)
	c1 := makeChild(genesis, 2)

	vs := NewWeightedVoteSet(testChainID, 1, 0, types.PrevoteStage, authorities)

	first := makeSignedVote(t, pvs[0], 1, 0, types.PrevoteStage, b1)
	added, err := vs.AddVote(first)
	require.NoError(t, err)
	require.True(t, added)

	// conflicting target from the same voter: no weight, one proof
	second := makeSignedVote(t, pvs[0], 1, 0, types.PrevoteStage, c1)
	added, err = vs.AddVote(second)
	assert.ErrorIs(t, err, ErrVoteConflict)
	assert.False(t, added)
	assert.EqualValues(t, 1, vs.Weight())

	evidence := vs.Evidence()
	require.Len(t, evidence, 1)
	assert.NoError(t, evidence[0].ValidateBasic())

	// repeating the offence does not multiply proofs
	_, err = vs.AddVote(second)
	assert.ErrorIs(t, err, ErrVoteConflict)
	assert.Len(t, vs.Evidence(), 1)
}

func TestVoteSetGhost(t *testing.T) {
	authorities, pvs := types.RandAuthoritySet(4)
	tree, genesis, makeChild := buildTestTree(t)

	b1 := makeChild(genesis, 1)
	b2 := makeChild(b1, 3)
	c1 := makeChild(genesis, 2)

	vs := NewWeightedVoteSet(testChainID, 1, 0, types.PrevoteStage, authorities)

	// two on b2, one on b1, one on the fork: b1 has supermajority support
	// through its subtree, b2 does not
	for i, target := range []*types.Block{b2, b2, b1, c1} {
		vote := makeSignedVote(t, pvs[i], 1, 0, types.PrevoteStage, target)
		added, err := vs.AddVote(vote)
		require.NoError(t, err)
		require.True(t, added)
	}

	ghost, ok := vs.Ghost(tree)
	require.True(t, ok)
	assert.EqualValues(t, b1.Hash(), ghost)
}

func TestVoteSetGhostBelowThreshold(t *testing.T) {
	authorities, pvs := types.RandAuthoritySet(4)
	tree, genesis, makeChild := buildTestTree(t)

	b1 := makeChild(genesis, 1)
	c1 := makeChild(genesis, 2)

	vs := NewWeightedVoteSet(testChainID, 1, 0, types.PrevoteStage, authorities)

	// split 1/1: only genesis itself carries enough combined support
	for i, target := range []*types.Block{b1, c1} {
		vote := makeSignedVote(t, pvs[i], 1, 0, types.PrevoteStage, target)
		_, err := vs.AddVote(vote)
		require.NoError(t, err)
	}

	ghost, ok := vs.Ghost(tree)
	assert.False(t, ok)
	assert.Nil(t, ghost)
}

// Ghost must never hold the tree lock while resolving ancestry: a writer
// queued between two read acquisitions would wedge both sides for good.
func TestVoteSetGhostConcurrentImports(t *testing.T) {
	authorities, pvs := types.RandAuthoritySet(4)
	tree, genesis, makeChild := buildTestTree(t)
	b1 := makeChild(genesis, 1)
	b2 := makeChild(b1, 2)

	vs := NewWeightedVoteSet(testChainID, 1, 0, types.PrevoteStage, authorities)
	for i := 0; i < 3; i++ {
		vote := makeSignedVote(t, pvs[i], 1, 0, types.PrevoteStage, b2)
		_, err := vs.AddVote(vote)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			parent := b2
			for i := int64(0); i < 200; i++ {
				block := types.MakeBlock(testChainID, parent.Number+1, types.LTime(10+i), parent.Hash(), nil)
				block.StateRoot = parent.StateRoot
				block.Proposer = []byte("test-proposer-addr-.")
				block.Signature = []byte("sig")
				if err := tree.Add(block); err != nil {
					return
				}
				parent = block
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				vs.Ghost(tree)
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Ghost and tree.Add wedged against each other")
	}

	ghost, ok := vs.Ghost(tree)
	require.True(t, ok)
	assert.EqualValues(t, b2.Hash(), ghost)
}

func TestVoteSetExactSupermajority(t *testing.T) {
	authorities, pvs := types.RandAuthoritySet(4)
	_, genesis, makeChild := buildTestTree(t)
	b1 := makeChild(genesis, 1)

	vs := NewWeightedVoteSet(testChainID, 1, 0, types.PrecommitStage, authorities)

	for i := 0; i < 2; i++ {
		vote := makeSignedVote(t, pvs[i], 1, 0, types.PrecommitStage, b1)
		_, err := vs.AddVote(vote)
		require.NoError(t, err)
	}
	_, ok := vs.ExactSupermajority()
	assert.False(t, ok)

	vote := makeSignedVote(t, pvs[2], 1, 0, types.PrecommitStage, b1)
	_, err := vs.AddVote(vote)
	require.NoError(t, err)

	target, ok := vs.ExactSupermajority()
	require.True(t, ok)
	assert.EqualValues(t, b1.Hash(), target)

	// the exact votes can be aggregated into a verifiable justification
	votes := vs.VotesFor(target)
	assert.Len(t, votes, 3)
}
