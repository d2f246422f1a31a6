package state

import (
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"slotchain/types"
)

// State is the consensus-facing summary of the chain: static genesis
// parameters, the authority set of the current session, and the finalized
// checkpoint. It deliberately excludes ledger state; that lives behind the
// Executor.
type State struct {
	ChainID      string        `json:"chain_id"`
	GenesisTime  time.Time     `json:"genesis_time"`
	SlotDuration time.Duration `json:"slot_duration"`

	Authorities *types.AuthoritySet `json:"authorities"`

	// finalized checkpoint; monotonic, only ever advances to a descendant
	LastFinalizedHash   tmbytes.HexBytes `json:"last_finalized_hash"`
	LastFinalizedNumber int64            `json:"last_finalized_number"`
	LastFinalizedTime   time.Time        `json:"last_finalized_time"`
}

// MakeGenesisState derives the initial state from a validated genesis doc.
func MakeGenesisState(genDoc *types.GenesisDoc) State {
	genBlock := genDoc.GenesisBlock()
	return State{
		ChainID:             genDoc.ChainID,
		GenesisTime:         genDoc.GenesisTime,
		SlotDuration:        genDoc.SlotDuration,
		Authorities:         genDoc.AuthoritySet(),
		LastFinalizedHash:   genBlock.Hash(),
		LastFinalizedNumber: 0,
		LastFinalizedTime:   genDoc.GenesisTime,
	}
}

// Copy returns a deep copy; authority snapshots are immutable and shared by
// copy-on-write through NextSession.
func (state State) Copy() State {
	newState := State{
		ChainID:             state.ChainID,
		GenesisTime:         state.GenesisTime,
		SlotDuration:        state.SlotDuration,
		Authorities:         state.Authorities.Copy(),
		LastFinalizedHash:   make(tmbytes.HexBytes, len(state.LastFinalizedHash)),
		LastFinalizedNumber: state.LastFinalizedNumber,
		LastFinalizedTime:   state.LastFinalizedTime,
	}
	copy(newState.LastFinalizedHash, state.LastFinalizedHash)
	return newState
}

func (state State) IsEmpty() bool {
	return state.ChainID == ""
}
