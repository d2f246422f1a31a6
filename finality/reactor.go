package finality

import (
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"slotchain/types"
)

const (
	VoteChannel = byte(0x50)

	maxVoteMessageSize = 64 * 1024
)

// Reactor gossips finality votes. Own votes go out via the gadget's
// EventNewVote, peer votes are fed into the round machine; the machine
// itself decides what counts.
type Reactor struct {
	p2p.BaseReactor

	gadget *Gadget
}

func NewReactor(gadget *Gadget) *Reactor {
	reactor := &Reactor{
		gadget: gadget,
	}
	reactor.BaseReactor = *p2p.NewBaseReactor("Finality", reactor)

	return reactor
}

func (fiR *Reactor) SetLogger(l log.Logger) {
	fiR.Logger = l
}

// OnStart implements p2p.BaseReactor.
func (fiR *Reactor) OnStart() error {
	fiR.subscribeToBroadcastEvents()
	fiR.Logger.Info("Finality Reactor started.")
	return nil
}

// GetChannels implements Reactor.
func (fiR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  VoteChannel,
			Priority:            10,
			SendQueueCapacity:   128,
			RecvMessageCapacity: maxVoteMessageSize,
		},
	}
}

// Receive implements Reactor.
func (fiR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if chID != VoteChannel {
		return
	}

	var vote types.Vote
	if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
		fiR.Logger.Error("error decoding vote message", "src", src, "err", err)
		fiR.Switch.StopPeerForError(src, err)
		return
	}

	fiR.Logger.Debug("received vote", "src", src.ID(), "vote", vote.String())
	fiR.gadget.HandlePeerVote(&vote, src.ID())
}

func (fiR *Reactor) subscribeToBroadcastEvents() {
	const scriber = "finality-reactor"

	fiR.gadget.AddListener(scriber, EventNewVote, func(data events.EventData) {
		fiR.broadcastVote(data.(*types.Vote))
	})
}

func (fiR *Reactor) broadcastVote(vote *types.Vote) {
	vBytes, err := tmjson.Marshal(vote)
	if err != nil {
		fiR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	fiR.Logger.Debug("ready to broadcast Vote", "vote", vote.String())
	fiR.Switch.Broadcast(VoteChannel, vBytes)
}
