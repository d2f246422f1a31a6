package importer

import (
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"slotchain/types"
)

const (
	BlockChannel = byte(0x40)

	maxBlockMessageSize = 4 * 1024 * 1024
)

// Reactor floods imported blocks to peers and feeds gossiped blocks into the
// import queue. Duplicate and early blocks are the common case on a gossip
// mesh, only permanently invalid blocks get a peer disconnected.
type Reactor struct {
	p2p.BaseReactor

	queue *ImportQueue
}

func NewReactor(queue *ImportQueue) *Reactor {
	reactor := &Reactor{
		queue: queue,
	}
	reactor.BaseReactor = *p2p.NewBaseReactor("Importer", reactor)

	return reactor
}

func (imR *Reactor) SetLogger(l log.Logger) {
	imR.Logger = l
}

// OnStart implements p2p.BaseReactor.
func (imR *Reactor) OnStart() error {
	imR.subscribeToBroadcastEvents()
	imR.Logger.Info("Importer Reactor started.")
	return nil
}

// GetChannels implements Reactor.
func (imR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  BlockChannel,
			Priority:            10,
			SendQueueCapacity:   64,
			RecvMessageCapacity: maxBlockMessageSize,
		},
	}
}

// Receive implements Reactor.
func (imR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if chID != BlockChannel {
		return
	}

	var block types.Block
	if err := tmjson.Unmarshal(msgBytes, &block); err != nil {
		imR.Logger.Error("error decoding block message", "src", src, "err", err)
		imR.Switch.StopPeerForError(src, err)
		return
	}

	imR.Logger.Debug("received block", "src", src.ID(), "hash", block.Hash())
	err := imR.queue.Import(&block, OriginGossip)
	switch {
	case err == nil, err == ErrKnownBlock, IsTransient(err):
	case IsInvalidBlock(err):
		imR.Logger.Error("peer sent invalid block", "src", src.ID(), "err", err)
		imR.Switch.StopPeerForError(src, err)
	default:
		imR.Logger.Error("block import failed", "hash", block.Hash(), "err", err)
	}
}

// subscribeToBroadcastEvents re-broadcasts every block the queue accepts.
// Gossiped blocks are relayed too; the switch skips the originating peer's
// copy via the seen-check on its side.
func (imR *Reactor) subscribeToBroadcastEvents() {
	const scriber = "importer-reactor"

	imR.queue.AddListener(scriber, EventNewBlock, func(data events.EventData) {
		imR.broadcastBlock(data.(*types.Block))
	})
}

func (imR *Reactor) broadcastBlock(block *types.Block) {
	bBytes, err := tmjson.Marshal(block)
	if err != nil {
		imR.Logger.Error("Marshal Block failed.", "err", err)
		return
	}
	imR.Logger.Debug("ready to broadcast block", "hash", block.Hash())
	imR.Switch.Broadcast(BlockChannel, bBytes)
}
