package finality

import (
	"errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"slotchain/types"
)

// PendingChange is a scheduled session handover. It stays inert until its
// trigger block becomes part of finalized history; forks that never finalize
// the trigger never see the new set.
type PendingChange struct {
	NextAuthorities []*types.Validator `json:"next_authorities"`

	TriggerHash   tmbytes.HexBytes `json:"trigger_hash"`
	TriggerNumber int64            `json:"trigger_number"`
}

func (pc *PendingChange) ValidateBasic() error {
	if pc == nil {
		return errors.New("nil pending change")
	}
	if len(pc.NextAuthorities) == 0 {
		return errors.New("pending change has no authorities")
	}
	for _, val := range pc.NextAuthorities {
		if err := val.ValidateBasic(); err != nil {
			return err
		}
	}
	if len(pc.TriggerHash) == 0 {
		return errors.New("pending change has no trigger block")
	}
	return nil
}
