package finality

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"slotchain/importer"
	slotmock "slotchain/slot/mock"
	"slotchain/state"
	"slotchain/store"
	"slotchain/types"
)

type gadgetHarness struct {
	authorities *types.AuthoritySet
	privVals    []types.PrivValidator
	exec        state.Executor
	tree        *types.BlockTree
	queue       *importer.ImportQueue
	blockStore  store.BlockStore
	gadget      *Gadget
	genesis     *types.Block
}

// newGadgetHarness wires a real import queue with one voting gadget; the
// other authorities are simulated by injecting their signed votes.
func newGadgetHarness(t *testing.T, numAuthorities int, config *Config) (*gadgetHarness, func()) {
	authorities, privVals := types.RandAuthoritySet(numAuthorities)
	genesis := types.MakeGenesisBlock(testChainID, time.Now())

	st := state.State{
		ChainID:             testChainID,
		GenesisTime:         time.Now(),
		SlotDuration:        time.Second,
		Authorities:         authorities,
		LastFinalizedHash:   genesis.Hash(),
		LastFinalizedNumber: 0,
	}

	clock := slotmock.NewClock()
	clock.SetSlot(types.LTime(100))
	require.NoError(t, clock.Start())

	exec := state.NewKVExecutor()
	tree := types.NewBlockTree(genesis)
	blockStore := store.NewMemBlockStore()
	queue := importer.NewImportQueue(st, clock, exec, tree, blockStore)
	queue.SetLogger(log.TestingLogger())
	require.NoError(t, queue.Start())

	gadget := NewGadget(config, st, queue, importer.NewForkChoice(tree),
		SetPrivValidator(privVals[0]))
	gadget.SetLogger(log.TestingLogger())

	h := &gadgetHarness{
		authorities: authorities,
		privVals:    privVals,
		exec:        exec,
		tree:        tree,
		queue:       queue,
		blockStore:  blockStore,
		gadget:      gadget,
		genesis:     genesis,
	}
	return h, func() {
		_ = gadget.Stop()
		_ = queue.Stop()
		_ = clock.Stop()
	}
}

func (h *gadgetHarness) privValFor(t *testing.T, address types.Address) types.PrivValidator {
	for _, pv := range h.privVals {
		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		if types.AddressEqual(types.GetAddress(pub), address) {
			return pv
		}
	}
	t.Fatalf("no priv validator for %X", address)
	return nil
}

func (h *gadgetHarness) makeBlock(t *testing.T, parent *types.Block, slot int64) *types.Block {
	author := h.authorities.AuthorForSlot(types.LTime(slot))
	block := types.MakeBlock(testChainID, parent.Number+1, types.LTime(slot), parent.Hash(), nil)
	block.Proposer = author.Address

	root, err := h.exec.Apply(parent.StateRoot, block)
	require.NoError(t, err)
	block.StateRoot = root

	pv := h.privValFor(t, author.Address)
	require.NoError(t, pv.SignHeader(testChainID, &block.Header))
	return block
}

// injectVotes signs and delivers votes from every authority except index 0,
// which is the harness gadget's own key.
func (h *gadgetHarness) injectVotes(t *testing.T, round uint64, stage types.VoteStage, target *types.Block) {
	for i := 1; i < len(h.privVals); i++ {
		vote := makeSignedVote(t, h.privVals[i], round, 0, stage, target)
		h.gadget.HandlePeerVote(vote, "peer")
	}
}

func slowConfig() *Config {
	return &Config{RoundTimeout: 5 * time.Second, TimeoutDelta: time.Second}
}

func TestGadgetConcludesRound(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h, cleanup := newGadgetHarness(t, 4, slowConfig())
	defer cleanup()

	b1 := h.makeBlock(t, h.genesis, 1)
	b2 := h.makeBlock(t, b1, 2)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))
	require.NoError(t, h.queue.Import(b2, importer.OriginGossip))

	require.NoError(t, h.gadget.Start())
	require.Eventually(t, func() bool { return h.gadget.Round() == 1 },
		time.Second, 10*time.Millisecond)

	// every honest prevote lands on the fork-choice head b2
	h.injectVotes(t, 1, types.PrevoteStage, b2)
	h.injectVotes(t, 1, types.PrecommitStage, b2)

	require.Eventually(t, func() bool {
		return h.tree.Status(b2.Hash()) == types.StatusFinalized
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StatusFinalized, h.tree.Status(b1.Hash()))

	// the stored justification verifies against the session's set
	just, err := h.blockStore.GetJustification(b2.Hash())
	require.NoError(t, err)
	require.NotNil(t, just)
	assert.NoError(t, just.Verify(testChainID, h.authorities))

	// concluded rounds roll into the next one
	require.Eventually(t, func() bool { return h.gadget.Round() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestGadgetNoQuorumTimesOut(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	config := &Config{RoundTimeout: 30 * time.Millisecond, TimeoutDelta: 10 * time.Millisecond}
	h, cleanup := newGadgetHarness(t, 4, config)
	defer cleanup()

	b1 := h.makeBlock(t, h.genesis, 1)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))

	require.NoError(t, h.gadget.Start())

	// a single voter of four can never reach quorum: rounds keep rotating,
	// nothing gets finalized
	require.Eventually(t, func() bool { return h.gadget.Round() >= 3 },
		5*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StatusValid, h.tree.Status(b1.Hash()))
	assert.EqualValues(t, h.genesis.Hash(), h.tree.FinalizedHead().Hash())
}

func TestGadgetPartialPrecommitsDoNotFinalize(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	config := &Config{RoundTimeout: 200 * time.Millisecond, TimeoutDelta: 50 * time.Millisecond}
	h, cleanup := newGadgetHarness(t, 4, config)
	defer cleanup()

	b1 := h.makeBlock(t, h.genesis, 1)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))

	require.NoError(t, h.gadget.Start())
	require.Eventually(t, func() bool { return h.gadget.Round() == 1 },
		time.Second, 10*time.Millisecond)

	// only one extra precommit: 2 of 4 total stays below the threshold
	vote := makeSignedVote(t, h.privVals[1], 1, 0, types.PrecommitStage, b1)
	h.gadget.HandlePeerVote(vote, "peer")

	// the round must expire instead of concluding
	require.Eventually(t, func() bool { return h.gadget.Round() >= 2 },
		5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, h.genesis.Hash(), h.tree.FinalizedHead().Hash())
}

func TestGadgetLateVoteStillRecordsEquivocation(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h, cleanup := newGadgetHarness(t, 4, slowConfig())
	defer cleanup()

	b1 := h.makeBlock(t, h.genesis, 1)
	b2 := h.makeBlock(t, b1, 2)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))
	require.NoError(t, h.queue.Import(b2, importer.OriginGossip))

	require.NoError(t, h.gadget.Start())
	require.Eventually(t, func() bool { return h.gadget.Round() == 1 },
		time.Second, 10*time.Millisecond)

	h.injectVotes(t, 1, types.PrevoteStage, b2)
	h.injectVotes(t, 1, types.PrecommitStage, b2)
	require.Eventually(t, func() bool { return h.gadget.Round() == 2 },
		5*time.Second, 10*time.Millisecond)

	// a conflicting precommit for the finished round arrives late: no
	// weight anywhere, but the offence still goes on record
	late := makeSignedVote(t, h.privVals[1], 1, 0, types.PrecommitStage, b1)
	h.gadget.HandlePeerVote(late, "peer")

	require.Eventually(t, func() bool {
		for _, proof := range h.gadget.Evidence() {
			if proof.Round == 1 && proof.Stage == types.PrecommitStage &&
				types.AddressEqual(proof.Offender, late.Voter) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// the finalized checkpoint is untouched by the late pair
	assert.EqualValues(t, b2.Hash(), h.tree.FinalizedHead().Hash())
}

func TestGadgetAuthorityChangeActivatesOnFinalization(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h, cleanup := newGadgetHarness(t, 4, slowConfig())
	defer cleanup()

	b1 := h.makeBlock(t, h.genesis, 1)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))

	require.NoError(t, h.gadget.Start())
	require.Eventually(t, func() bool { return h.gadget.Round() == 1 },
		time.Second, 10*time.Millisecond)

	// scheduled before the trigger finalizes: stays pending
	nextAuthorities, _ := types.RandAuthoritySet(3)
	require.NoError(t, h.gadget.ScheduleAuthorityChange(&PendingChange{
		NextAuthorities: nextAuthorities.Authorities,
		TriggerHash:     b1.Hash(),
		TriggerNumber:   b1.Number,
	}))
	assert.EqualValues(t, 0, h.gadget.Session())

	h.injectVotes(t, 1, types.PrevoteStage, b1)
	h.injectVotes(t, 1, types.PrecommitStage, b1)

	require.Eventually(t, func() bool {
		return h.gadget.Session() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the import queue follows the handover
	assert.EqualValues(t, 1, h.queue.Authorities().Session)
	assert.Equal(t, 3, h.queue.Authorities().Size())
}

func TestGadgetRejectsForeignSessionVotes(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h, cleanup := newGadgetHarness(t, 4, slowConfig())
	defer cleanup()

	b1 := h.makeBlock(t, h.genesis, 1)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))

	require.NoError(t, h.gadget.Start())
	require.Eventually(t, func() bool { return h.gadget.Round() == 1 },
		time.Second, 10*time.Millisecond)

	// votes of a future session carry no weight in this one
	for i := 1; i < len(h.privVals); i++ {
		vote := makeSignedVote(t, h.privVals[i], 1, 7, types.PrecommitStage, b1)
		h.gadget.HandlePeerVote(vote, "peer")
	}

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, h.genesis.Hash(), h.tree.FinalizedHead().Hash())
}
