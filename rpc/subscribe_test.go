package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"slotchain/importer"
	slotmock "slotchain/slot/mock"
	"slotchain/state"
	"slotchain/store"
	"slotchain/types"
)

// wsConnMock stands in for a websocket client; pushed responses land on a
// buffered channel the test reads from.
type wsConnMock struct {
	remoteAddr string
	responses  chan rpctypes.RPCResponse
}

var _ rpctypes.WSRPCConnection = (*wsConnMock)(nil)

func newWSConnMock(remoteAddr string) *wsConnMock {
	return &wsConnMock{remoteAddr: remoteAddr, responses: make(chan rpctypes.RPCResponse, 16)}
}

func (c *wsConnMock) GetRemoteAddr() string { return c.remoteAddr }

func (c *wsConnMock) WriteRPCResponse(_ context.Context, resp rpctypes.RPCResponse) error {
	c.responses <- resp
	return nil
}

func (c *wsConnMock) TryWriteRPCResponse(resp rpctypes.RPCResponse) bool {
	select {
	case c.responses <- resp:
		return true
	default:
		return false
	}
}

func (c *wsConnMock) Context() context.Context { return context.Background() }

type subscribeHarness struct {
	authorities *types.AuthoritySet
	privVals    []types.PrivValidator
	exec        state.Executor
	queue       *importer.ImportQueue
	genesis     *types.Block
}

func newSubscribeHarness(t *testing.T) (*subscribeHarness, func()) {
	const chainID = "rpc_test"
	authorities, privVals := types.RandAuthoritySet(1)
	genesis := types.MakeGenesisBlock(chainID, time.Now())

	st := state.State{
		ChainID:             chainID,
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
	queue := importer.NewImportQueue(st, clock, exec, tree, store.NewMemBlockStore())
	queue.SetLogger(log.TestingLogger())
	require.NoError(t, queue.Start())

	SetEnvironment(&Environment{ImportQ: queue, Clock: clock})

	h := &subscribeHarness{
		authorities: authorities,
		privVals:    privVals,
		exec:        exec,
		queue:       queue,
		genesis:     genesis,
	}
	return h, func() {
		SetEnvironment(nil)
		_ = queue.Stop()
		_ = clock.Stop()
	}
}

func (h *subscribeHarness) makeBlock(t *testing.T, parent *types.Block, slot int64) *types.Block {
	const chainID = "rpc_test"
	author := h.authorities.AuthorForSlot(types.LTime(slot))
	block := types.MakeBlock(chainID, parent.Number+1, types.LTime(slot), parent.Hash(), nil)
	block.Proposer = author.Address

	root, err := h.exec.Apply(parent.StateRoot, block)
	require.NoError(t, err)
	block.StateRoot = root

	require.NoError(t, h.privVals[0].SignHeader(chainID, &block.Header))
	return block
}

func wsContext(conn *wsConnMock) *rpctypes.Context {
	return &rpctypes.Context{
		JSONReq: &rpctypes.RPCRequest{ID: rpctypes.JSONRPCIntID(1)},
		WSConn:  conn,
	}
}

func expectEvent(t *testing.T, conn *wsConnMock) rpctypes.RPCResponse {
	select {
	case resp := <-conn.responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no event pushed to the websocket client")
		return rpctypes.RPCResponse{}
	}
}

func expectNoEvent(t *testing.T, conn *wsConnMock) {
	select {
	case resp := <-conn.responses:
		t.Fatalf("unexpected event after unsubscribe: %v", resp)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeImportedBlocks(t *testing.T) {
	h, cleanup := newSubscribeHarness(t)
	defer cleanup()

	conn := newWSConnMock("127.0.0.1:1234")
	_, err := SubscribeImportedBlocks(wsContext(conn))
	require.NoError(t, err)

	b1 := h.makeBlock(t, h.genesis, 1)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))

	resp := expectEvent(t, conn)
	assert.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "block")

	// dropping the subscription silences the stream
	UnsubscribeAll(conn.GetRemoteAddr())
	b2 := h.makeBlock(t, b1, 2)
	require.NoError(t, h.queue.Import(b2, importer.OriginGossip))
	expectNoEvent(t, conn)
}

func TestSubscribeFinality(t *testing.T) {
	h, cleanup := newSubscribeHarness(t)
	defer cleanup()

	conn := newWSConnMock("127.0.0.1:5678")
	_, err := SubscribeFinality(wsContext(conn))
	require.NoError(t, err)

	b1 := h.makeBlock(t, h.genesis, 1)
	b2 := h.makeBlock(t, b1, 2)
	require.NoError(t, h.queue.Import(b1, importer.OriginGossip))
	require.NoError(t, h.queue.Import(b2, importer.OriginGossip))

	// nothing is pushed for plain imports
	expectNoEvent(t, conn)

	// finalizing b2 emits one event per newly finalized block, oldest first
	require.NoError(t, h.queue.Finalize(b2.Hash(), nil))
	first := expectEvent(t, conn)
	second := expectEvent(t, conn)
	assert.Nil(t, first.Error)
	assert.Nil(t, second.Error)
}

func TestSubscribeRequiresWebsocket(t *testing.T) {
	_, cleanup := newSubscribeHarness(t)
	defer cleanup()

	ctx := &rpctypes.Context{JSONReq: &rpctypes.RPCRequest{ID: rpctypes.JSONRPCIntID(1)}}
	_, err := SubscribeImportedBlocks(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionNeedsWS)
	_, err = SubscribeFinality(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionNeedsWS)
	_, err = Unsubscribe(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionNeedsWS)
}
