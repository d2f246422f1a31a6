package rpc

import rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpcserver.RPCFunc{
	"health":          rpcserver.NewRPCFunc(Health, ""),
	"status":          rpcserver.NewRPCFunc(Status, ""),
	"best_block":      rpcserver.NewRPCFunc(BestBlock, ""),
	"finalized_block": rpcserver.NewRPCFunc(FinalizedBlock, ""),
	"block":           rpcserver.NewRPCFunc(Block, "hash"),
	"block_tree":      rpcserver.NewRPCFunc(BlockTree, ""),
	"justification":   rpcserver.NewRPCFunc(Justification, "hash"),
	"evidence":        rpcserver.NewRPCFunc(Evidence, ""),
	"broadcast_tx":    rpcserver.NewRPCFunc(BroadcastTxAsync, "tx"),
	"unconfirmed_txs": rpcserver.NewRPCFunc(UnconfirmedTxs, ""),
	"metrics":         rpcserver.NewRPCFunc(JSONMetrics, "label"),

	// websocket only
	"subscribe_imported_blocks": rpcserver.NewWSRPCFunc(SubscribeImportedBlocks, ""),
	"subscribe_finality":        rpcserver.NewWSRPCFunc(SubscribeFinality, ""),
	"unsubscribe":               rpcserver.NewWSRPCFunc(Unsubscribe, ""),
}
