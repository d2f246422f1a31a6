package types

import (
	"bytes"
	"errors"
	"fmt"
)

// BlockEquivocationProof records an authority producing two distinct blocks
// for the same slot. Both headers are signed by the offender and carry the
// slot, so the proof is self-contained. Reporting/slashing is the ledger's
// business; the node only collects and surfaces the evidence.
type BlockEquivocationProof struct {
	Offender     Address `json:"offender"`
	Slot         LTime   `json:"slot"`
	FirstHeader  Header  `json:"first_header"`
	SecondHeader Header  `json:"second_header"`
}

func (p *BlockEquivocationProof) ValidateBasic() error {
	if p == nil {
		return errors.New("nil block equivocation proof")
	}
	if !p.FirstHeader.Slot.Equal(p.SecondHeader.Slot) {
		return errors.New("equivocation headers claim different slots")
	}
	if !AddressEqual(p.FirstHeader.Proposer, p.SecondHeader.Proposer) {
		return errors.New("equivocation headers have different proposers")
	}
	if bytes.Equal(p.FirstHeader.Hash(), p.SecondHeader.Hash()) {
		return errors.New("equivocation headers are identical")
	}
	return nil
}

func (p *BlockEquivocationProof) String() string {
	return fmt.Sprintf("BlockEquivocation{%X at slot %v}", p.Offender, p.Slot)
}

// VoteEquivocationProof records an authority casting two conflicting votes in
// the same (round, stage).
type VoteEquivocationProof struct {
	Offender   Address   `json:"offender"`
	Round      uint64    `json:"round"`
	Stage      VoteStage `json:"stage"`
	FirstVote  Vote      `json:"first_vote"`
	SecondVote Vote      `json:"second_vote"`
}

func (p *VoteEquivocationProof) ValidateBasic() error {
	if p == nil {
		return errors.New("nil vote equivocation proof")
	}
	if !p.FirstVote.Conflicts(&p.SecondVote) {
		return errors.New("votes do not form an equivocation pair")
	}
	return nil
}

func (p *VoteEquivocationProof) String() string {
	return fmt.Sprintf("VoteEquivocation{%X at round %d/%s}", p.Offender, p.Round, p.Stage)
}
