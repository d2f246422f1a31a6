package rpc

import (
	"errors"

	"github.com/tendermint/tendermint/libs/events"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"slotchain/importer"
	"slotchain/types"
)

var ErrSubscriptionNeedsWS = errors.New("subscriptions are only served over the websocket endpoint")

// ResultSubscribe acknowledges a subscription request; the events follow as
// responses carrying the same request id.
type ResultSubscribe struct{}

// ResultUnsubscribe acknowledges dropping a connection's subscriptions.
type ResultUnsubscribe struct{}

// ResultImportedBlockEvent is pushed for every block entering the tree.
type ResultImportedBlockEvent struct {
	Block *types.Block `json:"block"`
}

// ResultFinalityEvent is pushed for every newly finalized block.
type ResultFinalityEvent struct {
	Block *types.Block `json:"block"`
}

func importSubscriber(remoteAddr string) string   { return "rpc-import/" + remoteAddr }
func finalitySubscriber(remoteAddr string) string { return "rpc-finality/" + remoteAddr }

// SubscribeImportedBlocks streams every imported block to the websocket
// client until it unsubscribes or disconnects.
func SubscribeImportedBlocks(ctx *rpctypes.Context) (*ResultSubscribe, error) {
	conn := ctx.WSConn
	if conn == nil {
		return nil, ErrSubscriptionNeedsWS
	}

	id := ctx.JSONReq.ID
	env.ImportQ.AddListener(importSubscriber(ctx.RemoteAddr()), importer.EventNewBlock,
		func(data events.EventData) {
			block, ok := data.(*types.Block)
			if !ok {
				return
			}
			// non-blocking: a lagging client drops events, never the queue
			conn.TryWriteRPCResponse(
				rpctypes.NewRPCSuccessResponse(id, &ResultImportedBlockEvent{Block: block}))
		})
	return &ResultSubscribe{}, nil
}

// SubscribeFinality streams every newly finalized block, one event per block
// of the finalized path.
func SubscribeFinality(ctx *rpctypes.Context) (*ResultSubscribe, error) {
	conn := ctx.WSConn
	if conn == nil {
		return nil, ErrSubscriptionNeedsWS
	}

	id := ctx.JSONReq.ID
	env.ImportQ.AddListener(finalitySubscriber(ctx.RemoteAddr()), importer.EventFinalizedBlock,
		func(data events.EventData) {
			block, ok := data.(*types.Block)
			if !ok {
				return
			}
			conn.TryWriteRPCResponse(
				rpctypes.NewRPCSuccessResponse(id, &ResultFinalityEvent{Block: block}))
		})
	return &ResultSubscribe{}, nil
}

// Unsubscribe drops both subscriptions of the calling connection.
func Unsubscribe(ctx *rpctypes.Context) (*ResultUnsubscribe, error) {
	if ctx.WSConn == nil {
		return nil, ErrSubscriptionNeedsWS
	}
	UnsubscribeAll(ctx.RemoteAddr())
	return &ResultUnsubscribe{}, nil
}

// UnsubscribeAll removes a connection's listeners. The node also calls it
// when a websocket client disconnects.
func UnsubscribeAll(remoteAddr string) {
	if env == nil || env.ImportQ == nil {
		return
	}
	env.ImportQ.RemoveListener(importSubscriber(remoteAddr))
	env.ImportQ.RemoveListener(finalitySubscriber(remoteAddr))
}
