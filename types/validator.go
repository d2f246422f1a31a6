// fork from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Validator is one authority of a session: an identity eligible to author
// blocks at its slots and to vote in finality rounds with VotingPower weight.
type Validator struct {
	Address     Address       `json:"address"`
	PubKey      crypto.PubKey `json:"pub_key"`
	VotingPower int64         `json:"voting_power"`
}

func NewValidator(pubKey crypto.PubKey, votingPower int64) *Validator {
	return &Validator{
		Address:     pubKey.Address(),
		PubKey:      pubKey,
		VotingPower: votingPower,
	}
}

// ValidateBasic performs basic validation. Weights must be positive: a
// zero-weight authority could not contribute to any supermajority and would
// only distort the rotation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if v.VotingPower <= 0 {
		return fmt.Errorf("validator has non-positive voting power %d", v.VotingPower)
	}
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	return nil
}

// Copy creates a new copy of the validator.
// Panics if the validator is nil.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v %v VP:%v}",
		v.Address,
		v.PubKey,
		v.VotingPower)
}

// Bytes computes the unique encoding of a validator hashed into the
// authority-set hash.
func (v *Validator) Bytes() []byte {
	pk, err := tmjson.Marshal(struct {
		PubKey      crypto.PubKey `json:"pub_key"`
		VotingPower int64         `json:"voting_power"`
	}{v.PubKey, v.VotingPower})
	if err != nil {
		panic(err)
	}
	return pk
}
