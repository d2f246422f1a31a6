package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"slotchain/crypto/bls"
)

// Justification is the proof material of a concluded finality round: the
// precommit supermajority compressed into one aggregated signature over the
// canonical precommit payload, plus the indices of the signers in the
// session's authority set.
type Justification struct {
	Round        uint64           `json:"round"`
	Session      uint64           `json:"session"`
	BlockHash    tmbytes.HexBytes `json:"block_hash"`
	BlockNumber  int64            `json:"block_number"`
	Signers      []int32          `json:"signers"`
	AggregateSig tmbytes.HexBytes `json:"aggregate_sig"`
}

func (j *Justification) ValidateBasic() error {
	if j == nil {
		return errors.New("nil justification")
	}
	if len(j.BlockHash) == 0 {
		return errors.New("justification has no target block")
	}
	if len(j.Signers) == 0 {
		return errors.New("justification has no signers")
	}
	if len(j.AggregateSig) == 0 {
		return errors.New("justification has no aggregate signature")
	}
	return nil
}

// Verify checks that the listed signers hold supermajority weight in the
// given authority set and that the aggregate signature verifies against
// their combined public keys.
func (j *Justification) Verify(chainID string, authorities *AuthoritySet) error {
	if err := j.ValidateBasic(); err != nil {
		return err
	}
	if j.Session != authorities.Session {
		return fmt.Errorf("justification session %d does not match authority set session %d",
			j.Session, authorities.Session)
	}

	var weight int64
	pubs := make([]bls.PubKey, 0, len(j.Signers))
	seen := make(map[int32]struct{}, len(j.Signers))
	for _, idx := range j.Signers {
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("duplicate signer index %d", idx)
		}
		seen[idx] = struct{}{}

		_, val := authorities.GetByIndex(idx)
		if val == nil {
			return fmt.Errorf("signer index %d not in authority set", idx)
		}
		pub, ok := val.PubKey.(bls.PubKey)
		if !ok {
			return fmt.Errorf("authority %X key is not a BLS key", val.Address)
		}
		pubs = append(pubs, pub)
		weight += val.VotingPower
	}
	if weight < authorities.Threshold() {
		return ErrNotEnoughVotingPowerSigned{Got: weight, Needed: authorities.Threshold()}
	}

	msg := CanonicalVoteSignBytes(chainID, j.Round, j.Session, PrecommitStage, j.BlockHash, j.BlockNumber)
	if err := bls.VerifyAggregate(pubs, msg, j.AggregateSig); err != nil {
		return fmt.Errorf("justification aggregate signature invalid: %w", err)
	}
	return nil
}

//-----------------

// IsErrNotEnoughVotingPowerSigned returns true if err is
// ErrNotEnoughVotingPowerSigned.
func IsErrNotEnoughVotingPowerSigned(err error) bool {
	return errors.As(err, &ErrNotEnoughVotingPowerSigned{})
}

// ErrNotEnoughVotingPowerSigned is returned when a justification's signers
// fall short of the supermajority threshold.
type ErrNotEnoughVotingPowerSigned struct {
	Got    int64
	Needed int64
}

func (e ErrNotEnoughVotingPowerSigned) Error() string {
	return fmt.Sprintf("invalid justification -- insufficient voting power: got %d, needed more than %d", e.Got, e.Needed-1)
}
