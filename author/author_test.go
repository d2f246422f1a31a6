package author

import (
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"

	"slotchain/importer"
	mempl "slotchain/mempool"
	slotmock "slotchain/slot/mock"
	"slotchain/state"
	"slotchain/store"
	"slotchain/types"
)

const testChainID = "author_test"

type authorHarness struct {
	authorities *types.AuthoritySet
	privVals    []types.PrivValidator
	clock       *slotmock.Clock
	mempool     *mempl.ListMempool
	tree        *types.BlockTree
	queue       *importer.ImportQueue
	author      *Author
	genesis     *types.Block
}

// newTestAuthor wires an author over a real import queue and mempool. The
// author signs with the authority at ourIndex in the rotation.
func newTestAuthor(t *testing.T, numAuthorities int, ourIndex int32) (*authorHarness, func()) {
	config := cfg.ResetTestRoot("author_test")

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
	require.NoError(t, clock.Start())

	mempool := mempl.NewListMempool(config.Mempool, clock.CurrentSlot())
	mempool.SetLogger(log.TestingLogger())

	exec := state.NewKVExecutor()
	tree := types.NewBlockTree(genesis)
	queue := importer.NewImportQueue(st, clock, exec, tree, store.NewMemBlockStore(),
		importer.SetMempool(mempool))
	queue.SetLogger(log.TestingLogger())
	require.NoError(t, queue.Start())

	address, _ := authorities.GetByIndex(ourIndex)
	var privVal types.PrivValidator
	for _, pv := range privVals {
		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		if types.AddressEqual(types.GetAddress(pub), address) {
			privVal = pv
		}
	}
	require.NotNil(t, privVal)

	author, err := NewAuthor(DefaultConfig(), st, privVal, clock, mempool, exec, queue, importer.NewForkChoice(tree))
	require.NoError(t, err)
	author.SetLogger(log.TestingLogger())
	require.NoError(t, author.Start())

	h := &authorHarness{
		authorities: authorities,
		privVals:    privVals,
		clock:       clock,
		mempool:     mempool,
		tree:        tree,
		queue:       queue,
		author:      author,
		genesis:     genesis,
	}
	return h, func() {
		_ = author.Stop()
		_ = queue.Stop()
		_ = clock.Stop()
		os.RemoveAll(config.RootDir)
	}
}

func (h *authorHarness) addTx(t *testing.T, sender string, nonce uint64) types.Tx {
	payload := make([]byte, 8)
	rand.Read(payload)
	tx := types.Tx{Sender: sender, Nonce: nonce, Payload: payload}
	require.NoError(t, h.mempool.CheckTx(tx, mempl.TxInfo{}))
	return tx
}

// ourSlot returns the next slot at or after from that the rotation assigns
// to the harness author.
func (h *authorHarness) advanceToOurSlot(t *testing.T) types.LTime {
	pub, err := h.author.privVal.GetPubKey()
	require.NoError(t, err)
	address := types.GetAddress(pub)

	for i := 0; i < h.authorities.Size(); i++ {
		cur := h.clock.Advance()
		if types.AddressEqual(h.authorities.AuthorForSlot(cur).Address, address) {
			return cur
		}
	}
	t.Fatal("rotation never reached our authority")
	return types.LtimeZero
}

func TestAuthorSealsOnEligibleSlot(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	h, cleanup := newTestAuthor(t, 1, 0)
	defer cleanup()

	h.addTx(t, "alice", 1)
	h.addTx(t, "bob", 1)

	slot := h.advanceToOurSlot(t)
	require.Eventually(t, func() bool {
		return h.tree.Size() == 2
	}, time.Second, 10*time.Millisecond)

	block, err := h.tree.Block(importer.NewForkChoice(h.tree).BestHash())
	require.NoError(t, err)
	assert.Equal(t, int64(1), block.Number)
	assert.Equal(t, slot, block.Slot)
	assert.Equal(t, 2, len(block.Txs))
	assert.NoError(t, block.ValidateBasic())

	// included txs leave the pool on the post-import update
	require.Eventually(t, func() bool {
		return h.mempool.Size() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAuthorSkipsForeignSlot(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	h, cleanup := newTestAuthor(t, 3, 0)
	defer cleanup()

	pub, err := h.author.privVal.GetPubKey()
	require.NoError(t, err)
	address := types.GetAddress(pub)

	// walk the rotation onto someone else's slot
	cur := h.clock.Advance()
	if types.AddressEqual(h.authorities.AuthorForSlot(cur).Address, address) {
		cur = h.clock.Advance()
	}
	require.False(t, types.AddressEqual(h.authorities.AuthorForSlot(cur).Address, address))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.tree.Size())
}

func TestAuthorDropsInvalidTx(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	h, cleanup := newTestAuthor(t, 1, 0)
	defer cleanup()

	// nonce 5 can never apply on an empty ledger, nonce 1 can
	bad := h.addTx(t, "alice", 5)
	h.addTx(t, "bob", 1)

	h.advanceToOurSlot(t)
	require.Eventually(t, func() bool {
		return h.tree.Size() == 2
	}, time.Second, 10*time.Millisecond)

	block, err := h.tree.Block(importer.NewForkChoice(h.tree).BestHash())
	require.NoError(t, err)
	require.Equal(t, 1, len(block.Txs))
	assert.Equal(t, "bob", block.Txs[0].Sender)

	// the failing tx is evicted, not recycled for the next slot
	require.Eventually(t, func() bool {
		return h.mempool.Size() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Error(t, h.mempool.CheckTx(bad, mempl.TxInfo{}))
}

func TestAuthorChainsAcrossSlots(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	h, cleanup := newTestAuthor(t, 1, 0)
	defer cleanup()

	for i := 1; i <= 3; i++ {
		h.clock.Advance()
		want := i + 1
		require.Eventually(t, func() bool {
			return h.tree.Size() == want
		}, time.Second, 10*time.Millisecond)
	}

	head, err := h.tree.Block(importer.NewForkChoice(h.tree).BestHash())
	require.NoError(t, err)
	assert.Equal(t, int64(3), head.Number)
	assert.Equal(t, types.LTime(3), head.Slot)
}
