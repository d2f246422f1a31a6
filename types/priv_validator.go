package types

import (
	"bytes"
	"sort"

	"github.com/tendermint/tendermint/crypto"

	"slotchain/crypto/bls"
)

// PrivValidator holds the signing key of a local authority. Implementations
// sign slot-bound block headers and finality votes over the canonical sign
// bytes for the given chain id.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignHeader(chainID string, header *Header) error
}

//----------------------------------------
// MockPV

// MockPV is an in-memory PrivValidator for tests.
type MockPV struct {
	PrivKey crypto.PrivKey
}

var _ PrivValidator = MockPV{}

func NewMockPV() MockPV {
	return MockPV{PrivKey: bls.GenPrivKey()}
}

// NewMockPVWithSeed derives the key deterministically; tests use it to get
// reproducible authority sets.
func NewMockPVWithSeed(seed int64) MockPV {
	return MockPV{PrivKey: bls.GenPrivKeyWithSeed(seed)}
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	sig, err := pv.PrivKey.Sign(VoteSignBytes(chainID, vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

func (pv MockPV) SignHeader(chainID string, header *Header) error {
	sig, err := pv.PrivKey.Sign(HeaderSignBytes(chainID, header))
	if err != nil {
		return err
	}
	header.Signature = sig
	return nil
}

//----------------------------------------

// RandValidator returns a validator of weight 1 with a fresh key.
//
// EXPOSED FOR TESTING.
func RandValidator() (*Validator, PrivValidator) {
	pv := NewMockPV()
	pub, _ := pv.GetPubKey()
	return NewValidator(pub, 1), pv
}

type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int { return len(pvs) }

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	pvi, err := pvs[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pvj, err := pvs[j].GetPubKey()
	if err != nil {
		panic(err)
	}
	return bytes.Compare(pvi.Address(), pvj.Address()) == -1
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}

var _ sort.Interface = PrivValidatorsByAddress{}
