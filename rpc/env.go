package rpc

import (
	jsoniter "github.com/json-iterator/go"

	"slotchain/finality"
	"slotchain/importer"
	"slotchain/libs/metric"
	"slotchain/mempool"
	"slotchain/slot"
	"slotchain/store"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

// Environment carries the node handles the RPC handlers read from. The node
// fills it once during startup; handlers never mutate it.
type Environment struct {
	Mempool    mempool.Mempool
	ImportQ    *importer.ImportQueue
	ForkChoice *importer.ForkChoice
	Gadget     *finality.Gadget
	BlockStore store.BlockStore
	Clock      slot.Clock

	MetricSet *metric.MetricSet
}
