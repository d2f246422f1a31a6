package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

type VoteStage uint8

const (
	PrevoteStage   = VoteStage(1)
	PrecommitStage = VoteStage(2)
)

func (s VoteStage) String() string {
	switch s {
	case PrevoteStage:
		return "Prevote"
	case PrecommitStage:
		return "Precommit"
	default:
		return "UnknownStage"
	}
}

// Vote is a single finality-round ballot: a voter claims the block (and its
// whole ancestry) should become final. An honest voter casts at most one vote
// per (round, stage); a second conflicting vote is an equivocation.
type Vote struct {
	Round       uint64           `json:"round"`
	Session     uint64           `json:"session"`
	Stage       VoteStage        `json:"stage"`
	BlockHash   tmbytes.HexBytes `json:"block_hash"`
	BlockNumber int64            `json:"block_number"`
	Timestamp   time.Time        `json:"timestamp"`
	Voter       Address          `json:"voter"`
	VoterIndex  int32            `json:"voter_index"`
	Signature   tmbytes.HexBytes `json:"signature"`
}

func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return errors.New("nil vote")
	}
	if vote.Stage != PrevoteStage && vote.Stage != PrecommitStage {
		return fmt.Errorf("unknown vote stage %d", vote.Stage)
	}
	if len(vote.BlockHash) == 0 {
		return errors.New("vote has no target block")
	}
	if len(vote.Voter) == 0 {
		return errors.New("vote has no voter address")
	}
	if vote.VoterIndex < 0 {
		return fmt.Errorf("negative voter index %d", vote.VoterIndex)
	}
	if len(vote.Signature) == 0 {
		return errors.New("vote has no signature")
	}
	return nil
}

// Equal ignores timestamps and signatures: two votes are the same ballot if
// they agree on (round, session, stage, voter, target).
func (vote *Vote) Equal(other *Vote) bool {
	if vote == nil || other == nil {
		return vote == other
	}
	return vote.Round == other.Round &&
		vote.Session == other.Session &&
		vote.Stage == other.Stage &&
		AddressEqual(vote.Voter, other.Voter) &&
		bytes.Equal(vote.BlockHash, other.BlockHash)
}

// Conflicts reports whether the two votes are an equivocation pair: same
// slot in the voting schedule, different targets.
func (vote *Vote) Conflicts(other *Vote) bool {
	if vote == nil || other == nil {
		return false
	}
	return vote.Round == other.Round &&
		vote.Session == other.Session &&
		vote.Stage == other.Stage &&
		AddressEqual(vote.Voter, other.Voter) &&
		!bytes.Equal(vote.BlockHash, other.BlockHash)
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%d/%s %X by %X}", vote.Round, vote.Stage, vote.BlockHash, vote.Voter)
}

// VoteSignBytes is the canonical signing payload. Voter identity and
// timestamp are deliberately excluded so that every precommit for the same
// target in the same round signs the same message; that is what makes the
// aggregated round justification possible.
func VoteSignBytes(chainID string, vote *Vote) []byte {
	return CanonicalVoteSignBytes(chainID, vote.Round, vote.Session, vote.Stage, vote.BlockHash, vote.BlockNumber)
}

func CanonicalVoteSignBytes(chainID string, round, session uint64, stage VoteStage, blockHash []byte, blockNumber int64) []byte {
	canonical := struct {
		ChainID     string           `json:"chain_id"`
		Round       uint64           `json:"round"`
		Session     uint64           `json:"session"`
		Stage       VoteStage        `json:"stage"`
		BlockHash   tmbytes.HexBytes `json:"block_hash"`
		BlockNumber int64            `json:"block_number"`
	}{chainID, round, session, stage, blockHash, blockNumber}

	bz, err := tmjson.Marshal(canonical)
	if err != nil {
		panic(err)
	}
	return bz
}
